// Package codes provides machine-readable error codes shared by the ledger,
// its replay engines, the audit log and the issuance protocol.
package codes

// Code is a machine-readable error code.
type Code string

// Class groups codes by how callers are expected to react to them.
type Class int

const (
	ClassUnknown Class = iota
	// ClassProtocol covers malformed ledger structure. Never recovered.
	ClassProtocol
	// ClassSemantic covers schema and chain validation failures.
	ClassSemantic
	// ClassAuthorization maps to access-denied responses.
	ClassAuthorization
	// ClassEncryption covers epoch transitions, wraps and decryption.
	ClassEncryption
	// ClassIntegrity covers audit-log storage and proof failures.
	ClassIntegrity
)

func (c Class) String() string {
	switch c {
	case ClassProtocol:
		return "protocol"
	case ClassSemantic:
		return "semantic"
	case ClassAuthorization:
		return "authorization"
	case ClassEncryption:
		return "encryption"
	case ClassIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

const (
	CodeUnknown Code = "UNKNOWN"

	// Ledger structure
	CodeInvalidFormat      Code = "INVALID_FORMAT"
	CodeInvalidVersion     Code = "INVALID_VERSION"
	CodeInvalidLedger      Code = "INVALID_LEDGER"
	CodeMissingHead        Code = "MISSING_HEAD"
	CodeMissingCommit      Code = "MISSING_COMMIT"
	CodeMissingEntry       Code = "MISSING_ENTRY"
	CodeCommitChainCycle   Code = "COMMIT_CHAIN_CYCLE"
	CodeInvalidParent      Code = "INVALID_PARENT"
	CodeInvalidGenesis     Code = "INVALID_GENESIS"
	CodeInvalidSpec        Code = "INVALID_SPEC"
	CodeInvalidCommit      Code = "INVALID_COMMIT"
	CodeInvalidEntry       Code = "INVALID_ENTRY"
	CodeInvalidEntries     Code = "INVALID_ENTRIES"
	CodeInvalidPayload     Code = "INVALID_ENTRY_PAYLOAD"
	CodeDuplicateCommit    Code = "DUPLICATE_COMMIT"
	CodeDuplicateEntry     Code = "DUPLICATE_ENTRY"
	CodeCommitIDMismatch   Code = "COMMIT_ID_MISMATCH"
	CodeEntryTimestamp     Code = "ENTRY_TIMESTAMP_AFTER_COMMIT"
	CodeEntrySignatureBad  Code = "ENTRY_SIGNATURE_INVALID"
	CodeEntrySignatureNone Code = "ENTRY_SIGNATURE_MISSING"

	// Epoch chain
	CodeEpochGenesisMissing     Code = "EPOCH_GENESIS_MISSING"
	CodeEpochGenesisMultiple    Code = "EPOCH_GENESIS_MULTIPLE"
	CodeEpochPrevNullOutside    Code = "EPOCH_PREV_NULL_OUTSIDE_GENESIS"
	CodeEpochChainBroken        Code = "EPOCH_CHAIN_BROKEN"
	CodeSignerKeyIDMismatch     Code = "SIGNER_KEY_ID_MISMATCH"
	CodeEpochIDMismatch         Code = "EPOCH_ID_MISMATCH"
	CodeEpochCreatedAtMismatch  Code = "EPOCH_CREATED_AT_MISMATCH"
	CodeEpochSignatureInvalid   Code = "EPOCH_ENTRY_SIGNATURE_INVALID"
	CodeEpochUnknownKey         Code = "EPOCH_UNKNOWN_ENCRYPTION_KEY"
	CodeEpochMissingKeyID       Code = "EPOCH_MISSING_ENCRYPTION_KEY_ID"
	CodeEpochActiveMissing      Code = "EPOCH_ACTIVE_MISSING"
	CodeEpochValidationPending  Code = "EPOCH_VALIDATION_PENDING"
	CodeEpochInvalidPayload     Code = "EPOCH_INVALID_PAYLOAD"
	CodeEpochLegacyPlacement    Code = "EPOCH_LEGACY_PLACEMENT"
	CodeEpochForkDetected       Code = "EPOCH_FORK_DETECTED"
	CodeEpochPreviousNotInChain Code = "EPOCH_PREVIOUS_MISSING"

	// Identity
	CodeAuthorMismatch        Code = "AUTHOR_MISMATCH"
	CodeInvalidIdentityUpsert Code = "INVALID_IDENTITY_UPSERT"

	// Permissions
	CodeUnauthorizedGroupUpsert Code = "UNAUTHORIZED_GROUP_UPSERT"
	CodeUnauthorizedGroupMember Code = "UNAUTHORIZED_GROUP_MEMBER"
	CodeUnauthorizedGrant       Code = "UNAUTHORIZED_GRANT"
	CodeUnauthorizedRevoke      Code = "UNAUTHORIZED_REVOKE"
	CodeGroupNotFound           Code = "GROUP_NOT_FOUND"
	CodeInvalidGroupUpsert      Code = "INVALID_GROUP_UPSERT"
	CodeInvalidGroupMember      Code = "INVALID_GROUP_MEMBER"
	CodeInvalidPermGrant        Code = "INVALID_PERM_GRANT"
	CodeInvalidPermRevoke       Code = "INVALID_PERM_REVOKE"

	// Encryption
	CodeUnauthorizedRotate     Code = "UNAUTHORIZED_ROTATE"
	CodeUnauthorizedWrap       Code = "UNAUTHORIZED_WRAP"
	CodeIneligibleTarget       Code = "INELIGIBLE_TARGET"
	CodeInvalidEpochTransition Code = "INVALID_EPOCH_TRANSITION"
	CodeInvalidEncPayload      Code = "INVALID_PAYLOAD"
	CodeMissingRecipients      Code = "MISSING_RECIPIENTS"
	CodeMissingWrap            Code = "MISSING_WRAP"
	CodeDecryptFailed          Code = "DECRYPT_FAILED"

	// Audit log
	CodeLedgerDisabled    Code = "LEDGER_DISABLED"
	CodeSegmentIntegrity  Code = "SEGMENT_INTEGRITY"
	CodeSegmentMalformed  Code = "SEGMENT_MALFORMED"
	CodeCheckpointInvalid Code = "CHECKPOINT_INVALID"
	CodeCheckpointStale   Code = "CHECKPOINT_STALE"
	CodeTrustedKeysConfig Code = "TRUSTED_KEYS_CONFIG"

	// Issuance
	CodePackNotCommitted   Code = "PACK_NOT_COMMITTED"
	CodePackAlreadyIssued  Code = "PACK_ALREADY_ISSUED"
	CodeClientNonceInvalid Code = "CLIENT_NONCE_MISMATCH"
	CodeInvalidPackRequest Code = "INVALID_PACK_REQUEST"
	CodeAlgoUnsupported    Code = "ALGO_VERSION_UNSUPPORTED"
	CodePackVerification   Code = "PACK_VERIFICATION_FAILED"
	CodeIdempotencyTimeout Code = "IDEMPOTENCY_TIMEOUT"
	CodeIdempotencyFailed  Code = "IDEMPOTENCY_FAILED"
	CodeIdempotencyClash   Code = "IDEMPOTENCY_CONFLICT"
)

var classes = map[Code]Class{
	CodeInvalidFormat:      ClassProtocol,
	CodeInvalidVersion:     ClassProtocol,
	CodeInvalidLedger:      ClassProtocol,
	CodeMissingHead:        ClassProtocol,
	CodeMissingCommit:      ClassProtocol,
	CodeMissingEntry:       ClassProtocol,
	CodeCommitChainCycle:   ClassProtocol,
	CodeInvalidParent:      ClassProtocol,
	CodeInvalidGenesis:     ClassProtocol,
	CodeInvalidSpec:        ClassProtocol,
	CodeInvalidCommit:      ClassProtocol,
	CodeDuplicateCommit:    ClassProtocol,
	CodeDuplicateEntry:     ClassProtocol,
	CodeCommitIDMismatch:   ClassProtocol,
	CodeInvalidEntry:       ClassSemantic,
	CodeInvalidEntries:     ClassSemantic,
	CodeInvalidPayload:     ClassSemantic,
	CodeEntryTimestamp:     ClassSemantic,
	CodeEntrySignatureBad:  ClassSemantic,
	CodeEntrySignatureNone: ClassSemantic,

	CodeEpochGenesisMissing:     ClassSemantic,
	CodeEpochGenesisMultiple:    ClassSemantic,
	CodeEpochPrevNullOutside:    ClassSemantic,
	CodeEpochChainBroken:        ClassSemantic,
	CodeSignerKeyIDMismatch:     ClassSemantic,
	CodeEpochIDMismatch:         ClassSemantic,
	CodeEpochCreatedAtMismatch:  ClassSemantic,
	CodeEpochSignatureInvalid:   ClassSemantic,
	CodeEpochUnknownKey:         ClassSemantic,
	CodeEpochMissingKeyID:       ClassSemantic,
	CodeEpochActiveMissing:      ClassSemantic,
	CodeEpochValidationPending:  ClassSemantic,
	CodeEpochInvalidPayload:     ClassSemantic,
	CodeEpochLegacyPlacement:    ClassSemantic,
	CodeEpochForkDetected:       ClassSemantic,
	CodeEpochPreviousNotInChain: ClassSemantic,

	CodeAuthorMismatch:          ClassAuthorization,
	CodeInvalidIdentityUpsert:   ClassSemantic,
	CodeUnauthorizedGroupUpsert: ClassAuthorization,
	CodeUnauthorizedGroupMember: ClassAuthorization,
	CodeUnauthorizedGrant:       ClassAuthorization,
	CodeUnauthorizedRevoke:      ClassAuthorization,
	CodeGroupNotFound:           ClassSemantic,
	CodeInvalidGroupUpsert:      ClassSemantic,
	CodeInvalidGroupMember:      ClassSemantic,
	CodeInvalidPermGrant:        ClassSemantic,
	CodeInvalidPermRevoke:       ClassSemantic,

	CodeUnauthorizedRotate:     ClassAuthorization,
	CodeUnauthorizedWrap:       ClassAuthorization,
	CodeIneligibleTarget:       ClassAuthorization,
	CodeInvalidEpochTransition: ClassEncryption,
	CodeInvalidEncPayload:      ClassEncryption,
	CodeMissingRecipients:      ClassEncryption,
	CodeMissingWrap:            ClassEncryption,
	CodeDecryptFailed:          ClassEncryption,

	CodeLedgerDisabled:    ClassIntegrity,
	CodeSegmentIntegrity:  ClassIntegrity,
	CodeSegmentMalformed:  ClassIntegrity,
	CodeCheckpointInvalid: ClassIntegrity,
	CodeCheckpointStale:   ClassIntegrity,
	CodeTrustedKeysConfig: ClassIntegrity,

	CodePackNotCommitted:   ClassSemantic,
	CodePackAlreadyIssued:  ClassSemantic,
	CodeClientNonceInvalid: ClassSemantic,
	CodeInvalidPackRequest: ClassSemantic,
	CodeAlgoUnsupported:    ClassSemantic,
	CodePackVerification:   ClassIntegrity,
	CodeIdempotencyTimeout: ClassIntegrity,
	CodeIdempotencyFailed:  ClassIntegrity,
	CodeIdempotencyClash:   ClassSemantic,
}

// Class returns the class registered for the code.
func (c Code) Class() Class {
	if cl, ok := classes[c]; ok {
		return cl
	}
	return ClassUnknown
}
