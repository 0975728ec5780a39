package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"call-coordinator/internal/audit"
	"call-coordinator/internal/auth"
	"call-coordinator/internal/client"
	"call-coordinator/internal/config"
	"call-coordinator/internal/control"
	"call-coordinator/internal/conversations"
	"call-coordinator/internal/httpapi"
	"call-coordinator/internal/relay"
	"call-coordinator/internal/reporting"
	"call-coordinator/internal/sessionstore"
	"call-coordinator/pkg/logger"
	"call-coordinator/pkg/utils"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, cfg.App.LogLevel)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(rootCtx, cfg, log); err != nil {
		log.Error("api stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}

	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return err
	}
	defer db.Close()

	store := sessionstore.NewPostgresStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	auditRepo := audit.NewPostgresRepo(db)
	if err := auditRepo.EnsureSchema(ctx); err != nil {
		return err
	}

	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		return err
	}
	defer rdb.Close()

	hub := relay.NewHub(relay.NewRedisBroker(rdb), cfg.Signaling.SubscribeTimeout, log)
	defer hub.Close()
	publisher := relay.NewPublisher(hub, relay.RetryPolicy{
		Attempts: cfg.Signaling.PublishAttempts,
		Backoff:  cfg.Signaling.PublishBackoff,
	}, log)

	controlSvc := control.NewService(store, conversations.NewPostgresDirectory(db), publisher,
		control.WithAudit(audit.NewService(auditRepo)),
		control.WithLogger(log),
	)

	deps := routeDeps{
		authMW: auth.RequireAccessToken(authManager),
		handlers: httpapi.Handlers{
			Auth:            authManager,
			Control:         controlSvc,
			Reporting:       reporting.NewService(store),
			ICEServers:      client.ICEServers(cfg.ICE),
			AllowTokenIssue: !cfg.IsProduction(),
		},
		gateway: relay.NewGateway(hub, publisher, controlSvc, log, cfg.App.CORSAllowedOrigins),
		ready: func(ctx context.Context) error {
			if err := utils.HealthCheck(ctx, db, 2*time.Second); err != nil {
				return err
			}
			return rdb.Ping(ctx).Err()
		},
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	if len(cfg.App.CORSAllowedOrigins) > 0 {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowOrigins = cfg.App.CORSAllowedOrigins
		corsCfg.AddAllowHeaders("Authorization", "X-Request-Id")
		corsCfg.AddExposeHeaders("X-Request-Id")
		r.Use(cors.New(corsCfg))
	}
	r.Use(httpapi.ClientIP())
	registerRoutes(r, deps)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		// Hijacked websocket connections are not tracked by Shutdown; closing
		// the hub ends their relay streams.
		hub.Close()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
