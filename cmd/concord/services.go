package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/samternent/concord/pkg/auditlog"
	"github.com/samternent/concord/pkg/config"
	"github.com/samternent/concord/pkg/crypto"
	"github.com/samternent/concord/pkg/idempotency"
	"github.com/samternent/concord/pkg/issuance"
	"github.com/samternent/concord/pkg/objectstore"
	"github.com/samternent/concord/pkg/observability"
)

// issuerKeyLabel is the key store label used when ISSUER_PRIVATE_KEY_PEM
// is unset.
const issuerKeyLabel = "issuer"

// services holds the long-lived components behind the pack and audit
// commands. close releases them in reverse order of creation.
type services struct {
	telemetry *observability.Provider
	signer    *crypto.ECDSASigner
	audit     *auditlog.Ledger
	issuer    *issuance.Service
	closers   []func(context.Context) error
}

func (s *services) onClose(fn func(context.Context) error) {
	s.closers = append(s.closers, fn)
}

func (s *services) close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (a *app) openTelemetry(ctx context.Context, s *services) error {
	t := a.env.Telemetry
	p, err := observability.New(ctx, &observability.Config{
		ServiceName:    t.ServiceName,
		ServiceVersion: observability.Version,
		Environment:    t.Environment,
		OTLPEndpoint:   t.OTLPEndpoint,
		SampleRate:     1.0,
		Enabled:        t.Enabled,
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	s.telemetry = p
	s.onClose(p.Shutdown)
	return nil
}

// issuerSigner loads the issuer key from ISSUER_PRIVATE_KEY_PEM, falling
// back to the "issuer" label of the key store.
func (a *app) issuerSigner() (*crypto.ECDSASigner, error) {
	if pem := a.env.Issuer.PrivateKeyPEM; pem != "" {
		return crypto.NewECDSASignerFromPEM(pem)
	}
	return a.signer(issuerKeyLabel)
}

func (a *app) openPendingStore(s *services) (issuance.PendingStore, error) {
	cfg := a.env.Pending
	switch cfg.Store {
	case config.PendingMemory:
		return issuance.NewMemoryPendingStore(), nil
	case config.PendingRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		s.onClose(func(context.Context) error { return client.Close() })
		return issuance.NewRedisPendingStore(client, cfg.RedisTTL), nil
	case config.PendingSQLite:
		st, err := issuance.OpenSQLitePendingStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		s.onClose(func(context.Context) error { return st.Close() })
		return st, nil
	default:
		return issuance.NewFilePendingStore(cfg.Path), nil
	}
}

// openAudit builds the audit ledger over the configured object store. A
// backend without its settings yields a disabled ledger that drops
// appends. Close drains the buffer.
func (a *app) openAudit(ctx context.Context, s *services, signer crypto.Signer) error {
	lc := a.env.Ledger
	var trusted map[string]string
	var err error
	if signer != nil {
		trusted, err = auditlog.MergeTrustedIssuerKeys(signer.KeyID(), signer.PublicKeyPEM(), lc.TrustedIssuerKeysJSON)
	} else {
		trusted, err = auditlog.ParseTrustedIssuerKeys(lc.TrustedIssuerKeysJSON)
	}
	if err != nil {
		return err
	}
	opts := auditlog.Options{
		Prefix:                lc.Prefix,
		Disabled:              !lc.Enabled(),
		FlushMaxEvents:        lc.FlushMaxEvents,
		FlushInterval:         lc.FlushInterval(),
		FlushSyncOnIssue:      lc.FlushSyncOnIssue,
		ConditionalCheckpoint: lc.ConditionalCheckpoint,
		TrustedKeys:           trusted,
		Metrics:               auditlog.NewMetrics(),
		Logger:                a.logger.With("component", "auditlog"),
	}
	if !opts.Disabled {
		store, err := objectstore.New(ctx, lc.ObjectStore())
		if err != nil {
			return fmt.Errorf("audit object store: %w", err)
		}
		opts.Store = store
	} else {
		a.logger.Warn("audit ledger disabled", "backend", lc.Backend)
	}
	l, err := auditlog.New(opts)
	if err != nil {
		return err
	}
	s.audit = l
	s.onClose(l.Close)
	return nil
}

// openServices wires telemetry, the issuer key and the audit ledger. With
// kits set it also builds the issuance service.
func (a *app) openServices(ctx context.Context, kits issuance.KitSource) (*services, error) {
	s := &services{}
	if err := a.openTelemetry(ctx, s); err != nil {
		return nil, err
	}
	signer, err := a.issuerSigner()
	if err != nil {
		_ = s.close(ctx)
		return nil, err
	}
	s.signer = signer
	if err := a.openAudit(ctx, s, signer); err != nil {
		_ = s.close(ctx)
		return nil, err
	}
	if kits == nil {
		return s, nil
	}

	pending, err := a.openPendingStore(s)
	if err != nil {
		_ = s.close(ctx)
		return nil, err
	}
	var claims issuance.ClaimStore
	if a.env.Pending.Store == config.PendingFile {
		claims = issuance.NewFileClaimStore(a.env.Pending.ClaimsDir)
	}
	var tokens *issuance.TokenIssuer
	if secret := a.env.Issuer.TokenSecret; secret != "" {
		tokens = issuance.NewTokenIssuer([]byte(secret), a.env.Issuer.TokenTTL)
	}
	var seed []byte
	if v := a.env.Issuer.MasterSeed; v != "" {
		seed = []byte(v)
	}
	svc, err := issuance.NewService(issuance.Config{
		Signer:     signer,
		Pending:    pending,
		Claims:     claims,
		Kits:       kits,
		MasterSeed: seed,
		Tokens:     tokens,
		Recorder:   s.audit,
		Logger:     a.logger.With("component", "issuance"),
	})
	if err != nil {
		_ = s.close(ctx)
		return nil, err
	}
	s.issuer = svc
	return s, nil
}

// singleKit serves one kit for every series.
type singleKit struct{ kit *issuance.Kit }

func (k singleKit) Kit(context.Context, string, string) (*issuance.Kit, error) {
	return k.kit, nil
}

// kitSource prefers an explicit --kit file over the catalogue directory.
func (a *app) kitSource(kitPath, catalogueDir string) (issuance.KitSource, error) {
	if kitPath != "" {
		raw, err := os.ReadFile(kitPath)
		if err != nil {
			return nil, err
		}
		k, err := issuance.ParseKit(raw)
		if err != nil {
			return nil, err
		}
		return singleKit{kit: k}, nil
	}
	if catalogueDir == "" {
		catalogueDir = a.env.Issuer.CatalogueDir
	}
	return issuance.CatalogueDir(catalogueDir), nil
}

// openIdempotency returns an executor backed by Postgres when DATABASE_URL
// is set. The in-memory store only deduplicates within one process.
func (a *app) openIdempotency(ctx context.Context, s *services) (*idempotency.Executor, error) {
	ic := a.env.Idempotency
	var store idempotency.Store = idempotency.NewMemoryStore()
	if ic.DatabaseURL != "" {
		pg, err := idempotency.OpenPostgresStore(ctx, ic.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.onClose(func(context.Context) error { return pg.Close() })
		store = pg
	}
	return idempotency.NewExecutor(idempotency.Options{
		Store:         store,
		InProgressTTL: ic.InProgressTTL(),
		SuccessTTL:    ic.SuccessTTL(),
		FailureTTL:    ic.FailureTTL(),
		RetryAfter:    ic.RetryAfter(),
		Logger:        a.logger.With("component", "idempotency"),
	})
}
