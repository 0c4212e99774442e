package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"prism-sync/api"
	"prism-sync/board"
	"prism-sync/config"
	"prism-sync/notify"
	"prism-sync/ratelimit"
	"prism-sync/session"
	"prism-sync/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.New()
	logger.SetFormatter(&log.JSONFormatter{})
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, rc, err := openBackend(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}
	sink, history, err := openSink(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("conditions: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	conditions := notify.NewPipeline(notify.Options{
		Logger:      logger,
		Sink:        sink,
		RingSize:    cfg.Conditions.RingSize,
		Retention:   cfg.Conditions.Retention,
		DedupWindow: cfg.Conditions.DedupWindow,
		Registerer:  reg,
		History:     history,
	})
	tokens, err := session.NewTokens(cfg.Auth.TokenSecret, cfg.Auth.AdminTokens, cfg.Auth.ValidTokens, nil)
	if err != nil {
		logger.Fatalf("tokens: %v", err)
	}
	if cfg.Auth.TokenSecret == "" {
		logger.Warn("TOKEN_SECRET not set; issued tokens will not survive a restart")
	}

	orch := api.NewOrchestrator(api.Options{
		Limits:     cfg.Limits,
		SendBuffer: cfg.SendBuffer,
		Store:      board.NewStore(backend, cfg.Limits.MaxBoards, cfg.Limits.MaxTasksPerBoard, nil),
		Sessions: session.NewRegistry(tokens, session.Options{
			MinPseudoLength:        cfg.Limits.MinPseudoLength,
			MaxPseudoLength:        cfg.Limits.MaxPseudoLength,
			RoleFromCredentialOnly: cfg.Auth.RoleFromCredentialOnly,
		}),
		Limiter:    ratelimit.New(cfg.RateLimit, nil),
		Conditions: conditions,
		Logger:     logger,
		Registerer: reg,
	})

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	api.Register(e, orch, reg, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("port", cfg.Port).Info("listening")
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return conditions.Run(gctx, cfg.Conditions.MaintenanceInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()
	closeErr := multierr.Combine(conditions.Close(), backend.Close())
	if rc != nil {
		closeErr = multierr.Append(closeErr, rc.Close())
	}
	if err := multierr.Append(runErr, closeErr); err != nil {
		logger.Fatalf("shutdown: %v", err)
	}
	logger.Info("stopped")
}

// openBackend picks Azure Tables when a connection string is configured and
// SQLite otherwise, and puts the Redis cache in front when one is configured.
func openBackend(ctx context.Context, cfg config.Storage, logger *log.Logger) (storage.Backend, *redis.Client, error) {
	var (
		base storage.Backend
		err  error
	)
	if cfg.ConnectionString != "" {
		base, err = storage.OpenTables(ctx, cfg.ConnectionString, cfg.BoardsTable, cfg.TasksTable)
		logger.WithFields(log.Fields{"boards": cfg.BoardsTable, "tasks": cfg.TasksTable}).Info("using table storage")
	} else {
		if dir := filepath.Dir(cfg.SQLitePath); cfg.SQLitePath != ":memory:" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, err
			}
		}
		base, err = storage.OpenSQLite(cfg.SQLitePath)
		logger.WithField("path", cfg.SQLitePath).Info("using sqlite storage")
	}
	if err != nil {
		return nil, nil, err
	}
	if cfg.RedisConn == "" {
		return base, nil, nil
	}
	rc := redis.NewClient(redisOptions(cfg.RedisConn))
	if err := rc.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Warn("redis unreachable at startup; cache misses will fall back to storage")
	}
	return storage.NewCache(base, rc, cfg.CacheTTL), rc, nil
}

// redisOptions accepts a redis:// URL or the Azure style
// "host:port,password=...,ssl=True".
func redisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts
}

// openSink returns the durable condition log and, for the local journal,
// the newest entries to seed the ring with.
func openSink(ctx context.Context, cfg config.Config, logger *log.Logger) (notify.Sink, []notify.Condition, error) {
	if cfg.Conditions.Queue != "" {
		if cfg.Storage.ConnectionString == "" {
			return nil, nil, errors.New("CONDITION_QUEUE requires STORAGE_CONNECTION_STRING")
		}
		queue, err := notify.OpenQueueSink(ctx, cfg.Storage.ConnectionString, cfg.Conditions.Queue, cfg.Conditions.Retention)
		if err != nil {
			return nil, nil, err
		}
		return notify.NewAsyncSink(queue, notify.AsyncConfig{
			Workers: cfg.Conditions.SinkWorkers,
			Buffer:  cfg.Conditions.SinkBuffer,
			Timeout: cfg.Conditions.SinkTimeout,
			Handoff: cfg.Conditions.SinkHandoffTimeout,
			Logger:  logger,
		}), nil, nil
	}
	journal, err := notify.OpenJournal(notify.JournalConfig{Dir: cfg.Conditions.LogDir, Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	history, err := journal.ReadAll()
	if err != nil {
		logger.WithError(err).Warn("condition journal replay failed")
		return journal, nil, nil
	}
	if n := cfg.Conditions.RingSize; len(history) > n {
		history = history[len(history)-n:]
	}
	return journal, history, nil
}
