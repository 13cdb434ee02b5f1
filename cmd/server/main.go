package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/omochice/json-socket-chat/internal/admin"
	"github.com/omochice/json-socket-chat/internal/auth"
	"github.com/omochice/json-socket-chat/internal/chat"
	"github.com/omochice/json-socket-chat/internal/config"
	"github.com/omochice/json-socket-chat/internal/conversation"
	"github.com/omochice/json-socket-chat/internal/logging"
	"github.com/omochice/json-socket-chat/internal/media"
	"github.com/omochice/json-socket-chat/internal/metrics"
	"github.com/omochice/json-socket-chat/internal/server"
	"github.com/omochice/json-socket-chat/internal/store"
	"github.com/omochice/json-socket-chat/internal/store/memory"
	"github.com/omochice/json-socket-chat/internal/store/postgres"
)

func main() {
	configPath := flag.String("config", "", "Path to a config file (default: config/chat.yaml or ./chat.yaml if present)")
	port := flag.String("port", "", "Address to listen on for TCP and WebSocket (overrides server.address)")
	flag.Parse()

	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != "" {
		cfg.Server.Address = *port
	}

	logger := logging.New(cfg.Log, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, health, err := openStore(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	m := metrics.New()
	hub := chat.NewHub(st, logger, chat.WithObserver(m.SetOnline))
	svc := chat.NewService(chat.Config{
		MaxFrameBytes: cfg.Server.MaxFrameBytes,
		SendBuffer:    cfg.Server.SendBuffer,
		WriteTimeout:  cfg.Server.WriteTimeout,
		RateLimit:     cfg.Server.RateLimit,
		RateBurst:     cfg.Server.RateBurst,
	}, chat.Deps{
		Hub:    hub,
		Engine: conversation.New(st, logger),
		Auth:   auth.New(st, cfg.Auth, logger),
		Media: media.New(st, media.Options{
			Dir:      cfg.Media.Dir,
			BaseURL:  cfg.Media.BaseURL,
			MaxBytes: cfg.Media.MaxUploadBytes,
		}, logger),
		Users:   st,
		Metrics: m,
		Logger:  logger,
	})

	srv := server.NewUnifiedServer(server.Config{
		Address:   cfg.Server.Address,
		WSAddress: cfg.Server.WSAddress,
		ReadLimit: int64(cfg.Server.MaxFrameBytes),
	}, svc, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if srv.SinglePort() {
			logger.Info("starting unified server", "address", cfg.Server.Address)
		} else {
			logger.Info("starting server", "tcp", cfg.Server.Address, "websocket", cfg.Server.WSAddress)
		}
		return srv.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		srv.Stop()
		return nil
	})

	if cfg.Admin.Address != "" {
		router := admin.Router(hub, health, m.Handler(), logger)
		router.PathPrefix("/files/").Handler(http.StripPrefix("/files/", http.FileServer(http.Dir(cfg.Media.Dir))))
		adminSrv := admin.NewServer(cfg.Admin.Address, router)
		g.Go(func() error {
			logger.Info("starting admin server", "address", cfg.Admin.Address)
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return adminSrv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// openStore returns the configured store and, for postgres, a health check.
func openStore(ctx context.Context, db config.Database) (store.Store, admin.HealthFunc, error) {
	if db.Driver == config.DriverMemory {
		return memory.New(), nil, nil
	}

	pg, err := postgres.Connect(ctx, db.DSN, db.MaxConns)
	if err != nil {
		return nil, nil, err
	}
	if db.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
	}
	return pg, pg.Ping, nil
}
