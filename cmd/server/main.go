package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"vigil/internal/adapters/gitlab"
	httpadapter "vigil/internal/adapters/http"
	pg "vigil/internal/adapters/postgres"
	"vigil/internal/config"
	"vigil/internal/services/admission"
	"vigil/internal/services/intake"
	"vigil/internal/workers/dispatcher"
	"vigil/internal/workers/poller"
)

func main() {
	cfg, err := config.Load()

	log := newLogger(cfg.Env)
	defer log.Sync()

	if err != nil {
		log.Fatal("configuration error", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("db connect error", zap.Error(err))
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		log.Fatal("migration error", zap.Error(err))
	}

	q := pg.NewQueue(db, cfg.QueueLease, cfg.QueuePoll, log.Named("queue"))
	pipelines := gitlab.New(cfg.Pipeline)

	adm := admission.New(db, pipelines, cfg.UserQuota, log.Named("admission"))
	in := intake.New(db, q, adm, log.Named("intake"))

	disp := dispatcher.New(db, q, pipelines, cfg.LaneLimits(), log.Named("dispatcher"))
	go func() {
		if err := disp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("dispatcher stopped", zap.Error(err))
		}
	}()

	pol := poller.New(db, pipelines, cfg.PollInterval, log.Named("poller"))
	go func() {
		if err := pol.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("poller stopped", zap.Error(err))
		}
	}()

	srv := httpadapter.New(in, db, log.Named("http"))
	r := chi.NewRouter()
	r.Mount("/", srv.Routes())
	server := &http.Server{Addr: cfg.ListenAddr, Handler: r}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	log.Info("listening", zap.String("addr", cfg.ListenAddr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	case err := <-errCh:
		log.Fatal("server error", zap.Error(err))
	}
}

// newLogger never returns nil; startup logging must work even when the
// logger itself cannot be built.
func newLogger(env string) *zap.Logger {
	var log *zap.Logger
	var err error
	if env == "production" {
		log, err = zap.NewProduction()
	} else {
		log, err = zap.NewDevelopment()
	}
	if err != nil {
		return zap.NewNop()
	}
	return log
}
