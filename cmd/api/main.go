package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callconsole/internal/auth"
	"callconsole/internal/config"
	"callconsole/internal/sessions"
	"callconsole/pkg/logger"
	"callconsole/pkg/metrics"
	"callconsole/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := issueToken(cfg, os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logger.New(cfg.App.Env, "relay-api")
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("relay-api", reg)

	st, err := openStore(rootCtx, cfg)
	if err != nil {
		log.Error("session store init failed", "driver", cfg.Store.Driver, "err", err)
		os.Exit(1)
	}
	defer st.close()

	authMW := auth.Anonymous()
	if cfg.AuthEnabled() {
		authManager, err := auth.NewManager(cfg.Auth)
		if err != nil {
			log.Error("auth init failed", "err", err)
			os.Exit(1)
		}
		authMW = auth.RequireAccessToken(authManager)
	} else {
		log.Warn("JWT_SECRET not set; relay accepts anonymous callers")
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log, "/healthz", "/metrics"))
	r.Use(m.Middleware())

	registerRoutes(r, routeDeps{
		cfg:      cfg,
		sessions: sessions.NewService(st.repo).WithRecorder(m),
		metrics:  m,
		gatherer: reg,
		authMW:   authMW,
		health:   st.health,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}

// store bundles the repository selected by STORE_DRIVER with its
// health probe and cleanup.
type store struct {
	repo   sessions.Repository
	health func(ctx context.Context) error
	close  func()
}

func openStore(ctx context.Context, cfg config.Config) (store, error) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		db, err := utils.OpenPostgres(ctx, "pgx", cfg.Postgres())
		if err != nil {
			return store{}, err
		}
		repo := sessions.NewPostgresRepo(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return store{}, err
		}
		return store{
			repo:   repo,
			health: func(ctx context.Context) error { return utils.HealthCheck(ctx, db, 2*time.Second) },
			close:  func() { closeDB(db) },
		}, nil
	case config.StoreRedis:
		rdb, err := utils.OpenRedis(ctx, cfg.RedisOptions())
		if err != nil {
			return store{}, err
		}
		return store{
			repo:   sessions.NewRedisRepo(rdb),
			health: func(ctx context.Context) error { return pingRedis(ctx, rdb) },
			close:  func() { _ = rdb.Close() },
		}, nil
	default:
		return store{
			repo:   sessions.NewMemoryRepo(),
			health: func(context.Context) error { return nil },
			close:  func() {},
		}, nil
	}
}

func closeDB(db *sql.DB) {
	if err := db.Close(); err != nil {
		slog.Warn("postgres close", "err", err)
	}
}

func pingRedis(ctx context.Context, rdb *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// issueToken prints a relay access token: api token USER_ID [DISPLAY_NAME]
func issueToken(cfg config.Config, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: api token USER_ID [DISPLAY_NAME]")
	}
	m, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}
	display := ""
	if len(args) > 1 {
		display = args[1]
	}
	tok, err := m.IssueAccess(time.Now(), args[0], display)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
