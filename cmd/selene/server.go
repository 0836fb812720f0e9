package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	_ "github.com/lib/pq"

	"github.com/selene-os/selene/core/pkg/api"
	"github.com/selene-os/selene/core/pkg/audit"
	"github.com/selene-os/selene/core/pkg/auth"
	"github.com/selene-os/selene/core/pkg/config"
	"github.com/selene-os/selene/core/pkg/contracts"
	"github.com/selene-os/selene/core/pkg/dispatch"
	"github.com/selene-os/selene/core/pkg/engines"
	"github.com/selene-os/selene/core/pkg/governance"
	"github.com/selene-os/selene/core/pkg/idempotency"
	"github.com/selene-os/selene/core/pkg/identity"
	"github.com/selene-os/selene/core/pkg/ledger"
	"github.com/selene-os/selene/core/pkg/lifecycle"
	"github.com/selene-os/selene/core/pkg/observability"
	"github.com/selene-os/selene/core/pkg/reason"
	"github.com/selene-os/selene/core/pkg/store"
)

func runServer(stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	logger := observability.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Insecure:     true,
	})
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	waitMode := idempotency.WaitMode(cfg.Idempotency.WaitMode)

	var (
		events    ledger.Store
		idem      idempotency.Store
		committer dispatch.Committer
	)
	switch cfg.Storage.Backend {
	case config.StorageSQLite:
		st, err := store.OpenSQLite(cfg.Storage.SQLitePath, waitMode)
		if err != nil {
			logger.Error("sqlite open failed", "path", cfg.Storage.SQLitePath, "error", err)
			return 1
		}
		defer st.Close()
		events, idem, committer = st, st, st
		logger.Info("storage ready", "backend", "sqlite", "path", cfg.Storage.SQLitePath)
	case config.StoragePostgres:
		db, err := sql.Open("postgres", cfg.Storage.PostgresURL)
		if err != nil {
			logger.Error("postgres open failed", "error", err)
			return 1
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			logger.Error("postgres ping failed", "error", err)
			return 1
		}
		st := store.NewPostgresStore(db, waitMode)
		if err := st.Init(ctx); err != nil {
			logger.Error("postgres init failed", "error", err)
			return 1
		}
		events, idem, committer = st, st, st
		logger.Info("storage ready", "backend", "postgres")
	default:
		mem := ledger.NewMemoryStore()
		memIdem := idempotency.NewMemoryStore(waitMode)
		events, idem = mem, memIdem
		committer = &dispatch.LedgerCommitter{Ledger: mem, Idem: memIdem}
		logger.Warn("storage ready", "backend", "memory", "durable", false)
	}

	// A shared Redis key space overrides the backend's reservations so
	// multiple kernel nodes agree on in-flight keys.
	if cfg.Idempotency.RedisAddr != "" {
		redisIdem := idempotency.NewRedisStore(cfg.Idempotency.RedisAddr, "", 0, waitMode)
		idem = redisIdem
		committer = &dispatch.LedgerCommitter{Ledger: events, Idem: redisIdem}
		logger.Info("idempotency ready", "backend", "redis", "addr", cfg.Idempotency.RedisAddr)
	}

	table, err := contracts.Default()
	if err != nil {
		logger.Error("contract table failed", "error", err)
		return 1
	}

	var signingKey ed25519.PublicKey
	if cfg.Governance.SigningKeyHex != "" {
		raw, err := hex.DecodeString(cfg.Governance.SigningKeyHex)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			logger.Error("governance signing key must be 32 bytes hex")
			return 1
		}
		signingKey = ed25519.PublicKey(raw)
	}
	evaluator, err := governance.NewEvaluator(governance.EvaluatorConfig{
		AuthorizedRoles:     cfg.Governance.AuthorizedRoles,
		EnforceSingleActive: cfg.Governance.EnforceSingleActive,
		SigningKey:          signingKey,
		Rules:               cfg.Governance.Rules,
	})
	if err != nil {
		logger.Error("governance evaluator failed", "error", err)
		return 1
	}

	registry, err := engines.NewRegistry(engines.Config{Evaluator: evaluator})
	if err != nil {
		logger.Error("engine registry failed", "error", err)
		return 1
	}

	reasons, err := buildReasonRegistry()
	if err != nil {
		logger.Error("reason registry failed", "error", err)
		return 1
	}

	projector := lifecycle.NewProjector(events, nil)
	refusals := audit.NewRecorder(logger)

	dispatcher, err := dispatch.New(dispatch.Config{
		Contracts:   table,
		Engines:     registry,
		Ledger:      events,
		Idempotency: idem,
		Committer:   committer,
		Reasons:     reasons,
		Projector:   projector,
		Refusals:    refusals,
		Metrics:     telemetry,
		TenantRate:  rate.Limit(cfg.RateLimit.TenantRPS),
		TenantBurst: cfg.RateLimit.TenantBurst,
		Logger:      logger,
		Tracer:      telemetry.Tracer(),
	})
	if err != nil {
		logger.Error("dispatcher failed", "error", err)
		return 1
	}

	keySet, err := buildKeySet(cfg.Auth.TokenSeedHex)
	if err != nil {
		logger.Error("keyset failed", "error", err)
		return 1
	}
	validator := auth.NewJWTValidator(keySet)

	server := api.NewServer(dispatcher, projector, logger)
	edge := api.NewEdgeRateLimiter(cfg.RateLimit.EdgeRPS, cfg.RateLimit.EdgeBurst)
	handler := auth.RequestIDMiddleware(
		edge.Middleware(
			auth.NewMiddleware(validator)(server.Routes())))

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("kernel listening", "port", cfg.Port)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
			return 1
		}
		return 0
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			return 1
		}
		return 0
	}
}

func buildKeySet(seedHex string) (identity.KeySet, error) {
	if seedHex == "" {
		if os.Getenv("TOKEN_SEED_FILE") != "" {
			raw, err := os.ReadFile(os.Getenv("TOKEN_SEED_FILE"))
			if err != nil {
				return nil, fmt.Errorf("read token seed file: %w", err)
			}
			seedHex = strings.TrimSpace(string(raw))
		}
	}
	if seedHex == "" {
		return identity.NewEphemeralKeySet()
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("token seed must be hex: %w", err)
	}
	return identity.NewKeySetFromSeed(seed)
}

// buildReasonRegistry declares the closed per-engine reason code sets
// and seals them before any traffic is accepted.
func buildReasonRegistry() (*reason.Registry, error) {
	reasons := reason.NewRegistry()

	if err := reasons.Register("SEL.AUDIT"); err != nil {
		return nil, err
	}
	if err := reasons.Register("SEL.GOV",
		reason.CodeGovAllowed,
		reason.CodeGovNotAuthorized,
		reason.CodeGovSignatureInvalid,
		reason.CodeGovReferenceMissing,
		reason.CodeGovMultiActiveBlocked,
		reason.CodeGovRollbackTargetNever,
		reason.CodeGovUnknownAction,
		reason.CodeLifecycleInvalidMove,
	); err != nil {
		return nil, err
	}
	for _, engineID := range []string{"SEL.SESSION", "SEL.VOICE", "SEL.REMIND", "SEL.POSITION"} {
		if err := reasons.Register(engineID,
			reason.CodeLifecycleTransition,
			reason.CodeLifecycleInvalidMove,
		); err != nil {
			return nil, err
		}
	}
	if err := reasons.Register("SEL.ADVISORY"); err != nil {
		return nil, err
	}

	reasons.Seal()
	return reasons, nil
}
