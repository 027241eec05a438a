package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"stakegate/auth"
	"stakegate/config"
	"stakegate/observability"
	"stakegate/observability/logging"
	"stakegate/server"
	"stakegate/staking"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to stakegate configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.Setup("stakegated", cfg.Env)

	var dialector gorm.Dialector
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		dialector = sqlite.Open(cfg.Database.DSN)
	default:
		dialector = postgres.Open(cfg.Database.DSN)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if err := staking.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	var store auth.NonceStore
	switch cfg.Nonce.Backend {
	case config.NonceBackendMemory:
		store = auth.NewMemoryNonceStore()
		logger.Warn("using in-memory nonce store; only safe with a single process")
	default:
		store = auth.NewGormNonceStore(db)
	}
	authenticator := auth.NewAuthenticator(store, cfg.Nonce.TTL, nil)

	ledger := staking.NewLedger(db, authenticator, staking.Config{
		LockDuration:          cfg.Staking.LockDuration,
		MinAccrualInterval:    cfg.Staking.MinAccrualInterval,
		DefaultMinStakeCents:  cfg.Staking.MinStakeCents,
		DefaultAPYBasisPoints: cfg.Staking.APYBasisPoints,
	}, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := ledger.GetOrCreateDefaultPool(ctx)
	if err != nil {
		log.Fatalf("default pool bootstrap error: %v", err)
	}
	logger.Info("default pool ready", "pool", pool.ID, "minStakeCents", pool.MinStakeAmountCents, "apyBasisPoints", pool.APYBasisPoints)

	go sweepNonces(ctx, store, cfg.Nonce.SweepInterval, logger)

	srv := server.New(server.Config{
		DB:       db,
		Ledger:   ledger,
		Auth:     authenticator,
		ChainID:  cfg.ChainID,
		NonceTTL: cfg.Nonce.TTL,
		Logger:   logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	logger.Info("starting stakegated", "listen", cfg.Listen, "driver", cfg.Database.Driver, "nonceBackend", cfg.Nonce.Backend)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}

// sweepNonces garbage-collects expired challenges on a fixed interval. The
// prune is idempotent, so overlapping instances across processes are
// harmless.
func sweepNonces(ctx context.Context, store auth.NonceStore, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.PruneExpired(ctx, time.Now().UTC())
			if err != nil {
				logger.Warn("nonce sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				observability.Staking().NoncesSwept.Add(float64(removed))
				logger.Info("pruned expired nonces", "removed", removed)
			}
		}
	}
}
