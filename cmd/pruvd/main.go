// Command pruvd serves a pruv ledger over HTTP.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"

	pruv "github.com/mintingpressbuilds/pruv-sub001"
)

type config struct {
	Addr         string        `env:"PRUV_ADDR" envDefault:":8080"`
	SQLiteDSN    string        `env:"PRUV_SQLITE_DSN"`
	DataDir      string        `env:"PRUV_DATA_DIR"`
	SigningSeed  string        `env:"PRUV_SIGNING_SEED"`
	BadgeBaseURL string        `env:"PRUV_BADGE_BASE_URL"`
	MirrorURL    string        `env:"PRUV_MIRROR_URL"`
	LockWait     time.Duration `env:"PRUV_APPEND_LOCK_WAIT" envDefault:"5s"`
	TLSCert      string        `env:"PRUV_TLS_CERT"`
	TLSKey       string        `env:"PRUV_TLS_KEY"`
}

func main() {
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		logger.Fatal("parse config", zap.Error(err))
	}

	store, err := openStore(cfg)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	opts := []pruv.Option{
		pruv.WithLogger(logger),
		pruv.WithLockWait(cfg.LockWait),
	}
	if cfg.SigningSeed != "" {
		keys, err := pruv.KeyPairFromSeed(cfg.SigningSeed)
		if err != nil {
			logger.Fatal("load signing key", zap.Error(err))
		}
		opts = append(opts, pruv.WithKeyPair(keys))
	}
	ledger := pruv.NewLedger(store, opts...)

	// When mirroring is configured the server must serve the wrapper,
	// not the raw ledger, so every HTTP write flows through the mirror
	// queue.
	var api pruv.ChainLedger = ledger
	var mirrored *pruv.MirroredLedger
	if cfg.MirrorURL != "" {
		mirrored = pruv.NewMirroredLedger(ledger, pruv.NewHTTPTransport(cfg.MirrorURL), 256)
		defer mirrored.Close()
		api = mirrored
		logger.Info("mirroring enabled", zap.String("url", cfg.MirrorURL))
	}

	server := pruv.NewServer(api,
		pruv.WithServerLogger(logger),
		pruv.WithBadgeBaseURL(cfg.BadgeBaseURL),
	)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr), zap.Bool("tls", cfg.TLSCert != ""))
		if cfg.TLSCert != "" && cfg.TLSKey != "" {
			errCh <- server.ListenAndServeTLS(cfg.Addr, cfg.TLSCert, cfg.TLSKey)
			return
		}
		errCh <- server.ListenAndServe(cfg.Addr)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("serve", zap.Error(err))
		}
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
		cancel()
		if mirrored != nil {
			mirrored.Flush()
		}
	}
}

func openStore(cfg config) (pruv.Store, error) {
	switch {
	case cfg.SQLiteDSN != "":
		return pruv.OpenSQLiteStore(cfg.SQLiteDSN)
	case cfg.DataDir != "":
		return pruv.OpenFileStore(cfg.DataDir)
	default:
		return pruv.NewMemoryStore(), nil
	}
}
