package issuance

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samternent/concord/pkg/auditlog"
	"github.com/samternent/concord/pkg/canonicalize"
	"github.com/samternent/concord/pkg/codes"
	"github.com/samternent/concord/pkg/crypto"
	"github.com/samternent/concord/pkg/ledger"
	"github.com/samternent/concord/pkg/schema"
)

const (
	KindCommit = "pack.commit"
	KindIssued = "pack.issued"

	PackTypeStandard = "standard"
	PackTypeWeekly   = "weekly"
	PackTypeGift     = "gift"

	// ReasonClaimReused marks the receipt of a weekly pack handed out again.
	ReasonClaimReused = "weekly-claim-reused"
)

// Request asks the issuer to commit to a pack.
type Request struct {
	PackRequestID   string `json:"packRequestId,omitempty"`
	PackType        string `json:"packType,omitempty"`
	DropCycleID     string `json:"dropCycleId,omitempty"`
	UserKey         string `json:"userKey,omitempty"`
	SeriesID        string `json:"seriesId"`
	ThemeID         string `json:"themeId"`
	Count           int    `json:"count"`
	IssuedTo        string `json:"issuedTo"`
	ClientNonceHash string `json:"clientNonceHash"`
}

// CommitPayload is the payload of a signed pack.commit entry.
type CommitPayload struct {
	Type            string `json:"type"`
	PackRequestID   string `json:"packRequestId"`
	PackType        string `json:"packType"`
	SeriesID        string `json:"seriesId"`
	ThemeID         string `json:"themeId"`
	Count           int    `json:"count"`
	IssuedTo        string `json:"issuedTo"`
	ClientNonceHash string `json:"clientNonceHash"`
	ServerCommit    string `json:"serverCommit"`
	IssuerKeyID     string `json:"issuerKeyId"`
	Week            string `json:"week,omitempty"`
}

// IssuedPayload is the payload of a signed pack.issued entry. It reveals
// everything a verifier needs to regenerate the pack.
type IssuedPayload struct {
	Type               string   `json:"type"`
	PackID             string   `json:"packId"`
	PackRequestID      string   `json:"packRequestId"`
	PackType           string   `json:"packType"`
	SeriesID           string   `json:"seriesId"`
	ThemeID            string   `json:"themeId"`
	Count              int      `json:"count"`
	IssuedTo           string   `json:"issuedTo"`
	IssuedAt           string   `json:"issuedAt"`
	IssuerKeyID        string   `json:"issuerKeyId"`
	AlgoVersion        string   `json:"algoVersion"`
	KitHash            string   `json:"kitHash"`
	ThemeHash          string   `json:"themeHash"`
	ServerCommit       string   `json:"serverCommit"`
	ServerSecret       string   `json:"serverSecret"`
	ClientNonce        string   `json:"clientNonce"`
	ClientNonceHash    string   `json:"clientNonceHash"`
	PackSeed           string   `json:"packSeed"`
	ItemHashes         []string `json:"itemHashes"`
	PackRoot           string   `json:"packRoot"`
	ContentsCommitment string   `json:"contentsCommitment"`
	CommitEntryID      string   `json:"commitEntryId"`
	Week               string   `json:"week,omitempty"`
	DropID             string   `json:"dropId,omitempty"`
}

// CommitResult is returned to the requester after a commit.
type CommitResult struct {
	PackRequestID   string        `json:"packRequestId"`
	ServerCommit    string        `json:"serverCommit"`
	ClientNonceHash string        `json:"clientNonceHash"`
	EntryID         string        `json:"entryId"`
	Entry           *ledger.Entry `json:"entry"`
	// Reused is set when the weekly pack for this cycle was already issued;
	// Issue then returns that pack whatever nonce is revealed.
	Reused bool `json:"reused,omitempty"`
}

// Reveal completes a commitment.
type Reveal struct {
	PackRequestID string `json:"packRequestId"`
	ClientNonce   string `json:"clientNonce"`
	IssuedTo      string `json:"issuedTo,omitempty"`
}

// Issued is a revealed pack with its signed entry.
type Issued struct {
	Items      []Item            `json:"items"`
	StickerIDs []string          `json:"stickerIds"`
	Payload    *IssuedPayload    `json:"payload"`
	EntryID    string            `json:"entryId"`
	Entry      *ledger.Entry     `json:"entry"`
	Token      string            `json:"token,omitempty"`
	Receipt    *auditlog.Receipt `json:"receipt,omitempty"`
	Reused     bool              `json:"reused,omitempty"`
}

// KitSource resolves the kit a series and theme are generated from.
type KitSource interface {
	Kit(ctx context.Context, seriesID, themeID string) (*Kit, error)
}

// StaticKits serves kits from memory keyed by series id.
type StaticKits map[string]*Kit

func (s StaticKits) Kit(_ context.Context, seriesID, _ string) (*Kit, error) {
	k, ok := s[seriesID]
	if !ok {
		return nil, codes.Newf(codes.CodeInvalidPackRequest, "no kit for series %s", seriesID)
	}
	return k, nil
}

// CatalogueDir derives kits from series-<id>.catalogue.json files.
type CatalogueDir string

func (d CatalogueDir) Kit(_ context.Context, seriesID, _ string) (*Kit, error) {
	raw, err := os.ReadFile(filepath.Join(string(d), "series-"+seriesID+".catalogue.json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, codes.Newf(codes.CodeInvalidPackRequest, "no catalogue for series %s", seriesID)
		}
		return nil, err
	}
	var c Catalogue
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("catalogue %s: %w", seriesID, err)
	}
	return DeriveKitFromCatalogue(&c)
}

// Recorder receives every signed pack.issued entry. The audit ledger
// satisfies it.
type Recorder interface {
	AppendIssuedEntry(ctx context.Context, entryID string, entry *ledger.Entry) (auditlog.Receipt, error)
}

// Config wires a Service. Claims defaults to Pending when the pending
// store also keeps claims, and to process memory otherwise.
type Config struct {
	Signer     crypto.Signer
	Pending    PendingStore
	Claims     ClaimStore
	Kits       KitSource
	MasterSeed []byte
	Tokens     *TokenIssuer
	Recorder   Recorder
	Logger     *slog.Logger
	Now        func() time.Time
	Rand       io.Reader
}

// Service runs the commit and reveal halves of issuance. Commit and Issue
// are serialized so a commitment is revealed at most once per process.
type Service struct {
	cfg    Config
	logger *slog.Logger
	mu     sync.Mutex
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Signer == nil {
		return nil, errors.New("issuance: signer is required")
	}
	if cfg.Pending == nil {
		return nil, errors.New("issuance: pending store is required")
	}
	if cfg.Kits == nil {
		return nil, errors.New("issuance: kit source is required")
	}
	if cfg.Claims == nil {
		if cs, ok := cfg.Pending.(ClaimStore); ok {
			cfg.Claims = cs
		} else {
			cfg.Claims = NewMemoryClaimStore()
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "issuance")
	}
	return &Service{cfg: cfg, logger: logger}, nil
}

// PackID names an issued pack by its request and Merkle root.
func PackID(packRequestID, packRoot string) (string, error) {
	return canonicalize.CanonicalHash(map[string]string{
		"packRequestId": packRequestID,
		"packRoot":      packRoot,
	})
}

// NonceHash is the commitment a requester sends in place of its nonce.
func NonceHash(clientNonce string) (string, error) {
	return canonicalize.CanonicalHash(clientNonce)
}

func (s *Service) newServerSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := io.ReadFull(s.cfg.Rand, b); err != nil {
		return "", fmt.Errorf("server secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Commit binds the issuer to a server secret before the requester reveals
// its nonce. Weekly requests derive both the request id and the secret
// from the user and drop cycle, so committing again reproduces them.
func (s *Service) Commit(ctx context.Context, req Request) (*CommitResult, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(schema.PackCommit, raw); err != nil {
		return nil, codes.Wrap(codes.CodeInvalidPackRequest, "invalid pack request", err)
	}
	if req.PackType == "" {
		req.PackType = PackTypeStandard
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Now()
	p := &Pending{Request: req, CommittedAt: ledger.FormatTimestamp(now)}
	switch req.PackType {
	case PackTypeWeekly:
		if len(s.cfg.MasterSeed) == 0 {
			return nil, codes.New(codes.CodeInvalidPackRequest, "weekly issuance requires an issuer master seed")
		}
		p.Week = req.DropCycleID
		if p.Week == "" {
			p.Week = ISOWeek(now)
		}
		p.DropID = WeeklyDropID(p.Week)
		userKey := req.UserKey
		if userKey == "" {
			userKey = req.IssuedTo
		}
		id, err := WeeklyRequestID(userKey, p.Week, req.SeriesID, req.ThemeID)
		if err != nil {
			return nil, err
		}
		if req.PackRequestID != "" && req.PackRequestID != id {
			return nil, codes.New(codes.CodeInvalidPackRequest, "packRequestId does not match the weekly derivation")
		}
		// One weekly pack per user and cycle. A claimed cycle hands back the
		// original commitment; an unrevealed one may be replaced.
		if c, err := s.cfg.Claims.Claim(ctx, id); err == nil {
			s.logger.InfoContext(ctx, "weekly pack already claimed", "packRequestId", id, "dropId", c.DropID)
			return &CommitResult{
				PackRequestID:   id,
				ServerCommit:    c.Issued.Payload.ServerCommit,
				ClientNonceHash: c.Issued.Payload.ClientNonceHash,
				EntryID:         c.Issued.Payload.CommitEntryID,
				Reused:          true,
			}, nil
		} else if !errors.Is(err, ErrNoClaim) {
			return nil, err
		}
		if prev, err := s.cfg.Pending.Get(ctx, id); err == nil && prev.IssuedEntryID != "" {
			return nil, codes.Newf(codes.CodePackAlreadyIssued, "weekly pack for %s was already issued", p.DropID).
				With("entryId", prev.IssuedEntryID)
		} else if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		p.PackRequestID = id
		if p.ServerSecret, err = DeriveWeeklySecret(s.cfg.MasterSeed, id); err != nil {
			return nil, err
		}
	default:
		p.PackRequestID = req.PackRequestID
		if p.PackRequestID == "" {
			p.PackRequestID = uuid.NewString()
		} else if _, err := s.cfg.Pending.Get(ctx, p.PackRequestID); err == nil {
			return nil, codes.Newf(codes.CodeInvalidPackRequest, "packRequestId %s is already committed", p.PackRequestID)
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if p.ServerSecret, err = s.newServerSecret(); err != nil {
			return nil, err
		}
	}
	if p.ServerCommit, err = canonicalize.CanonicalHash(p.ServerSecret); err != nil {
		return nil, err
	}

	payload := CommitPayload{
		Type:            KindCommit,
		PackRequestID:   p.PackRequestID,
		PackType:        req.PackType,
		SeriesID:        req.SeriesID,
		ThemeID:         req.ThemeID,
		Count:           req.Count,
		IssuedTo:        req.IssuedTo,
		ClientNonceHash: req.ClientNonceHash,
		ServerCommit:    p.ServerCommit,
		IssuerKeyID:     s.cfg.Signer.KeyID(),
		Week:            p.Week,
	}
	entry, id, err := s.signedEntry(ctx, KindCommit, p.CommittedAt, payload)
	if err != nil {
		return nil, err
	}
	p.CommitEntryID = id
	if err := s.cfg.Pending.Put(ctx, p); err != nil {
		return nil, fmt.Errorf("store pending commitment: %w", err)
	}
	s.logger.InfoContext(ctx, "pack committed",
		"packRequestId", p.PackRequestID,
		"packType", req.PackType,
		"entryId", id,
	)
	return &CommitResult{
		PackRequestID:   p.PackRequestID,
		ServerCommit:    p.ServerCommit,
		ClientNonceHash: req.ClientNonceHash,
		EntryID:         id,
		Entry:           entry,
	}, nil
}

// Issue reveals a committed pack. The nonce must hash to the committed
// value. The signed entry is handed to the recorder before the commitment
// is marked consumed, so a recorder failure leaves the request retryable.
// A weekly request whose cycle is already claimed gets the claimed pack
// back with a skipped receipt, and nothing new is recorded.
func (s *Service) Issue(ctx context.Context, r Reveal) (*Issued, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.cfg.Claims.Claim(ctx, r.PackRequestID)
	switch {
	case err == nil:
		if r.IssuedTo != "" && r.IssuedTo != c.IssuedTo {
			return nil, codes.New(codes.CodeInvalidPackRequest, "issuedTo does not match the claimed pack")
		}
		return s.reuse(ctx, c)
	case !errors.Is(err, ErrNoClaim):
		return nil, err
	}

	p, err := s.cfg.Pending.Get(ctx, r.PackRequestID)
	if errors.Is(err, ErrNotFound) {
		return nil, codes.Newf(codes.CodePackNotCommitted, "no commitment for packRequestId %s", r.PackRequestID)
	}
	if err != nil {
		return nil, err
	}
	if p.IssuedEntryID != "" {
		return nil, codes.Newf(codes.CodePackAlreadyIssued, "packRequestId %s was already issued", r.PackRequestID).
			With("entryId", p.IssuedEntryID)
	}
	if r.IssuedTo != "" && r.IssuedTo != p.IssuedTo {
		return nil, codes.New(codes.CodeInvalidPackRequest, "issuedTo does not match the commitment")
	}
	nonceHash, err := NonceHash(r.ClientNonce)
	if err != nil {
		return nil, err
	}
	if nonceHash != p.ClientNonceHash {
		return nil, codes.New(codes.CodeClientNonceInvalid, "clientNonce does not match the committed hash")
	}

	kit, err := s.cfg.Kits.Kit(ctx, p.SeriesID, p.ThemeID)
	if err != nil {
		return nil, err
	}
	built, err := Build(BuildParams{
		ServerSecret:  p.ServerSecret,
		ClientNonce:   r.ClientNonce,
		PackRequestID: p.PackRequestID,
		SeriesID:      p.SeriesID,
		ThemeID:       p.ThemeID,
		Count:         p.Count,
		AlgoVersion:   AlgoVersion,
		Kit:           kit,
	})
	if err != nil {
		return nil, err
	}
	packID, err := PackID(p.PackRequestID, built.Digest.PackRoot)
	if err != nil {
		return nil, err
	}

	issuedAt := ledger.FormatTimestamp(s.cfg.Now())
	payload := &IssuedPayload{
		Type:               KindIssued,
		PackID:             packID,
		PackRequestID:      p.PackRequestID,
		PackType:           p.PackType,
		SeriesID:           p.SeriesID,
		ThemeID:            p.ThemeID,
		Count:              p.Count,
		IssuedTo:           p.IssuedTo,
		IssuedAt:           issuedAt,
		IssuerKeyID:        s.cfg.Signer.KeyID(),
		AlgoVersion:        AlgoVersion,
		KitHash:            built.KitHash,
		ThemeHash:          built.ThemeHash,
		ServerCommit:       p.ServerCommit,
		ServerSecret:       p.ServerSecret,
		ClientNonce:        r.ClientNonce,
		ClientNonceHash:    p.ClientNonceHash,
		PackSeed:           built.PackSeed,
		ItemHashes:         built.Digest.ItemHashes,
		PackRoot:           built.Digest.PackRoot,
		ContentsCommitment: built.Digest.ContentsCommitment,
		CommitEntryID:      p.CommitEntryID,
		Week:               p.Week,
		DropID:             p.DropID,
	}
	entry, entryID, err := s.signedEntry(ctx, KindIssued, issuedAt, payload)
	if err != nil {
		return nil, err
	}

	out := &Issued{
		Items:   built.Items,
		Payload: payload,
		EntryID: entryID,
		Entry:   entry,
	}
	for i := range built.Items {
		sid, err := StickerID(payload.PackRoot, i)
		if err != nil {
			return nil, err
		}
		out.StickerIDs = append(out.StickerIDs, sid)
	}
	weekly := p.PackType == PackTypeWeekly
	if weekly {
		claimed := *out
		claim := &Claim{
			PackRequestID: p.PackRequestID,
			DropID:        p.DropID,
			IssuedTo:      p.IssuedTo,
			ClaimedAt:     issuedAt,
			Issued:        &claimed,
		}
		prev, created, err := s.cfg.Claims.PutClaimIfAbsent(ctx, claim)
		if err != nil {
			return nil, fmt.Errorf("claim weekly pack: %w", err)
		}
		if !created {
			return s.reuse(ctx, prev)
		}
	}
	if s.cfg.Recorder != nil {
		receipt, err := s.cfg.Recorder.AppendIssuedEntry(ctx, entryID, entry)
		if err != nil {
			if weekly {
				if rerr := s.cfg.Claims.ReleaseClaim(ctx, p.PackRequestID); rerr != nil {
					s.logger.ErrorContext(ctx, "release weekly claim", "packRequestId", p.PackRequestID, "error", rerr)
				}
			}
			return nil, fmt.Errorf("record issued pack: %w", err)
		}
		out.Receipt = &receipt
	}
	if s.cfg.Tokens != nil {
		if out.Token, err = s.cfg.Tokens.Sign(payload, entryID); err != nil {
			return nil, fmt.Errorf("sign reveal token: %w", err)
		}
	}

	p.IssuedEntryID = entryID
	if err := s.cfg.Pending.Put(ctx, p); err != nil {
		return nil, fmt.Errorf("mark commitment issued: %w", err)
	}
	s.logger.InfoContext(ctx, "pack issued",
		"packId", packID,
		"packRequestId", p.PackRequestID,
		"count", p.Count,
		"entryId", entryID,
	)
	return out, nil
}

// reuse hands out a claimed weekly pack again. The receipt is marked
// skipped; the entry was recorded when the claim was made.
func (s *Service) reuse(ctx context.Context, c *Claim) (*Issued, error) {
	if c.Issued == nil || c.Issued.Payload == nil {
		return nil, fmt.Errorf("weekly claim %s has no issued pack", c.PackRequestID)
	}
	out := *c.Issued
	out.Reused = true
	out.Token = ""
	out.Receipt = &auditlog.Receipt{EntryID: out.EntryID, Skipped: true, Reason: ReasonClaimReused}
	if s.cfg.Tokens != nil {
		token, err := s.cfg.Tokens.Sign(out.Payload, out.EntryID)
		if err != nil {
			return nil, fmt.Errorf("sign reveal token: %w", err)
		}
		out.Token = token
	}
	s.logger.InfoContext(ctx, "weekly pack reused",
		"packId", out.Payload.PackID,
		"packRequestId", c.PackRequestID,
		"dropId", c.DropID,
	)
	return &out, nil
}

// Cancel drops a commitment that has not been revealed.
func (s *Service) Cancel(ctx context.Context, packRequestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.cfg.Pending.Get(ctx, packRequestID)
	if errors.Is(err, ErrNotFound) {
		return codes.Newf(codes.CodePackNotCommitted, "no commitment for packRequestId %s", packRequestID)
	}
	if err != nil {
		return err
	}
	if p.IssuedEntryID != "" {
		return codes.Newf(codes.CodePackAlreadyIssued, "packRequestId %s was already issued", packRequestID)
	}
	return s.cfg.Pending.Delete(ctx, packRequestID)
}

func (s *Service) signedEntry(ctx context.Context, kind, ts string, payload any) (*ledger.Entry, string, error) {
	e, err := ledger.NewEntry(kind, s.cfg.Signer.PublicKeyPEM(), ts, payload)
	if err != nil {
		return nil, "", err
	}
	if err := crypto.SignEntry(ctx, s.cfg.Signer, e); err != nil {
		return nil, "", fmt.Errorf("sign %s entry: %w", kind, err)
	}
	id, err := ledger.DeriveEntryID(e)
	if err != nil {
		return nil, "", err
	}
	return e, id, nil
}

// BuildParams are the revealed inputs to a pack.
type BuildParams struct {
	ServerSecret  string
	ClientNonce   string
	PackRequestID string
	SeriesID      string
	ThemeID       string
	Count         int
	AlgoVersion   string
	Kit           *Kit
}

// Built is a generated pack and every hash derived from it.
type Built struct {
	PackSeed  string
	Items     []Item
	Digest    Digest
	KitHash   string
	ThemeHash string
}

// Build regenerates a pack from revealed inputs. Issuer and verifier both
// go through it.
func Build(p BuildParams) (*Built, error) {
	if err := CheckAlgoVersion(p.AlgoVersion); err != nil {
		return nil, err
	}
	if p.Kit == nil {
		return nil, codes.New(codes.CodeInvalidPackRequest, "kit is required")
	}
	seed, err := DerivePackSeed(SeedParams{
		ServerSecret:  p.ServerSecret,
		ClientNonce:   p.ClientNonce,
		PackRequestID: p.PackRequestID,
		SeriesID:      p.SeriesID,
		ThemeID:       p.ThemeID,
	})
	if err != nil {
		return nil, err
	}
	items := GeneratePack(GenerateParams{
		PackSeed:    seed,
		SeriesID:    p.SeriesID,
		ThemeID:     p.ThemeID,
		Count:       p.Count,
		AlgoVersion: p.AlgoVersion,
		Kit:         p.Kit,
	})
	digest, err := Summarize(items)
	if err != nil {
		return nil, err
	}
	kitHash, err := p.Kit.Hash()
	if err != nil {
		return nil, err
	}
	themeVersion := p.Kit.Version
	if themeVersion == "" {
		themeVersion = "1.0.0"
	}
	themeHash, err := ThemeHash(p.ThemeID, themeVersion)
	if err != nil {
		return nil, err
	}
	return &Built{PackSeed: seed, Items: items, Digest: digest, KitHash: kitHash, ThemeHash: themeHash}, nil
}
