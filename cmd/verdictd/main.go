// Command verdictd runs the governance decision daemon: it loads a policy,
// opens the ledger store, derives the node's signing keys from one master
// seed and serves the decision API over HTTP.
package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/attestor-io/verdict/pkg/api"
	"github.com/attestor-io/verdict/pkg/capability"
	"github.com/attestor-io/verdict/pkg/config"
	"github.com/attestor-io/verdict/pkg/contracts"
	"github.com/attestor-io/verdict/pkg/counter"
	"github.com/attestor-io/verdict/pkg/crypto"
	"github.com/attestor-io/verdict/pkg/decision"
	"github.com/attestor-io/verdict/pkg/engine"
	"github.com/attestor-io/verdict/pkg/identity"
	"github.com/attestor-io/verdict/pkg/ledger"
	"github.com/attestor-io/verdict/pkg/observability"
	"github.com/attestor-io/verdict/pkg/policy"
	"github.com/attestor-io/verdict/pkg/policyloader"
)

func main() {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx := context.Background()

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceName = cfg.ServiceName
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	provider, err := observability.New(ctx, obsCfg)
	if err != nil {
		log.Fatalf("observability init failed: %v", err)
	}

	seed, err := loadOrGenerateSeed(cfg.SeedPath, logger)
	if err != nil {
		log.Fatalf("seed init failed: %v", err)
	}

	// One master seed, three independent signing scopes.
	ledgerSigner, err := crypto.DeriveSigner(seed, crypto.PurposeLedger)
	if err != nil {
		log.Fatalf("ledger key derivation failed: %v", err)
	}
	tokenSigner, err := crypto.DeriveSigner(seed, crypto.PurposeToken)
	if err != nil {
		log.Fatalf("token key derivation failed: %v", err)
	}
	approvalSigner, err := crypto.DeriveSigner(seed, crypto.PurposeApproval)
	if err != nil {
		log.Fatalf("approval key derivation failed: %v", err)
	}
	logger.Info("trust root",
		"ledger_key", ledgerSigner.PublicKeyHex(),
		"token_key", tokenSigner.PublicKeyHex())

	epoch := time.Unix(0, 0)
	ledgerRing, err := crypto.NewKeyRing(crypto.KeyEntry{PublicKey: ledgerSigner.PublicKey(), ValidFrom: epoch})
	if err != nil {
		log.Fatalf("ledger key ring init failed: %v", err)
	}
	tokenRing, err := crypto.NewKeyRing(crypto.KeyEntry{PublicKey: tokenSigner.PublicKey(), ValidFrom: epoch})
	if err != nil {
		log.Fatalf("token key ring init failed: %v", err)
	}

	store, db, err := openStore(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("ledger store init failed: %v", err)
	}
	if db != nil {
		defer func() { _ = db.Close() }()
	}

	chain := ledger.New(store, ledgerSigner, ledgerRing,
		ledger.WithMaxWaiters(cfg.MaxAppendWaiters),
		ledger.WithLogger(logger))

	var counters engine.ObservationSource
	if cfg.RedisAddr != "" {
		rc := counter.NewRedisCounter(cfg.RedisAddr, "", 0)
		if err := rc.Ping(ctx); err != nil {
			log.Fatalf("redis counter unreachable: %v", err)
		}
		logger.Info("observation counter", "backend", "redis", "addr", cfg.RedisAddr)
		counters = rc
	} else {
		counters = counter.NewMemoryCounter()
		logger.Info("observation counter", "backend", "memory")
	}

	keys := identity.NewMemoryKeySetFromKey(approvalSigner.PrivateKey())
	authenticator := identity.NewAuthenticator(keys)
	approvals := identity.NewApprovalAuthority(keys)

	active := policy.NewActive()
	loader := policyloader.New(active, chain, logger)
	pol, err := loader.LoadFile(ctx, cfg.PolicyPath)
	if err != nil {
		log.Fatalf("policy load failed: %v", err)
	}
	logger.Info("policy in effect",
		"policy_id", pol.PolicyID,
		"version", pol.VersionString,
		"version_hash", pol.VersionHash().Hex())

	svc := decision.New(active,
		engine.New(counters, approvals),
		capability.NewIssuer(tokenSigner),
		capability.NewVerifier(tokenRing),
		chain,
		decision.WithLogger(logger),
		decision.WithMetrics(provider),
		decision.WithReplayWindow(cfg.ReplayWindow))

	if cfg.BootstrapTenant != "" {
		printBootstrapToken(ctx, authenticator, cfg.BootstrapTenant, logger)
	}

	server := api.NewServer(svc, authenticator, approvals,
		api.WithServerLogger(logger),
		api.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		api.WithPublishedKeys([]api.KeyInfo{
			{Purpose: crypto.PurposeLedger, PublicKey: ledgerSigner.PublicKeyHex()},
			{Purpose: crypto.PurposeToken, PublicKey: tokenSigner.PublicKeyHex()},
		}))

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		logger.Info("verdictd listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		logger.Error("observability shutdown", "err", err)
	}
}

// openStore selects the ledger backend from configuration. The returned DB
// handle is nil for the memory store.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ledger.Store, *sql.DB, error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		logger.Warn("memory ledger store: entries do not survive restarts")
		return ledger.NewMemoryStore(), nil, nil
	case config.StoreSQLite:
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		// One writer at a time keeps the append path honest under sqlite.
		db.SetMaxOpenConns(1)
		st, err := ledger.NewSQLiteStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		logger.Info("ledger store", "driver", "sqlite", "path", cfg.SQLitePath)
		return st, db, nil
	case config.StorePostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		st := ledger.NewPostgresStore(db)
		if err := st.Init(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		logger.Info("ledger store", "driver", "postgres")
		return st, db, nil
	}
	return nil, nil, errors.New("unknown store driver " + cfg.StoreDriver)
}

// loadOrGenerateSeed reads the hex-encoded 32-byte master seed, creating
// one when the file does not exist. Production deployments provision the
// seed out of band and mount it read-only.
func loadOrGenerateSeed(path string, logger *slog.Logger) ([]byte, error) {
	if raw, err := os.ReadFile(path); err == nil {
		seed, err := hex.DecodeString(string(raw))
		if err != nil {
			return nil, errors.New("seed file is not hex: " + path)
		}
		if len(seed) != 32 {
			return nil, errors.New("seed file is not 32 bytes: " + path)
		}
		logger.Info("loaded master seed", "path", path)
		return seed, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)), 0600); err != nil {
		return nil, err
	}
	logger.Warn("generated new master seed; provision it from a KMS in production", "path", path)
	return seed, nil
}

// printBootstrapToken logs a short-lived admin credential so an operator
// can reach the authenticated surface of a fresh node.
func printBootstrapToken(ctx context.Context, auth *identity.Authenticator, tenantID string, logger *slog.Logger) {
	token, err := auth.Issue(ctx, contracts.Principal{
		TenantID: tenantID,
		Subject:  "bootstrap",
		Roles:    []string{"admin", api.AuditorRole},
	}, time.Hour)
	if err != nil {
		logger.Error("bootstrap token issue failed", "err", err)
		return
	}
	logger.Warn("bootstrap bearer token issued; expires in 1h",
		"tenant_id", tenantID, "token", token)
}
