// Command server runs the audit backend.
//
// Subcommands:
//
//	serve                run the HTTP server (default)
//	migrate up|down      apply or roll back schema migrations
//	version              print version and migration status
//	hash-operator-token  print the bcrypt hash for an operator token
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/docuvault/docuvault/internal/api"
	"github.com/docuvault/docuvault/internal/audit"
	"github.com/docuvault/docuvault/internal/auth"
	"github.com/docuvault/docuvault/internal/config"
	"github.com/docuvault/docuvault/internal/db"
	"github.com/docuvault/docuvault/internal/db/models"
	"github.com/docuvault/docuvault/internal/db/repositories"
	"github.com/docuvault/docuvault/internal/middleware"
	"github.com/docuvault/docuvault/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		command = "serve"
	}

	if command == "hash-operator-token" {
		handleHashOperatorToken()
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	telemetry.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	switch command {
	case "serve":
		if err := serve(cfg); err != nil {
			slog.Error("server exited with error", "error", err)
			os.Exit(1)
		}
	case "migrate":
		if err := runMigrate(cfg, flag.Arg(1)); err != nil {
			slog.Error("migration failed", "error", err)
			os.Exit(1)
		}
	case "version":
		printVersion(cfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		os.Exit(1)
	}
}

func serve(cfg *config.Config) error {
	if err := auth.ValidateJWTSecret(); err != nil {
		return err
	}

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer database.Close()

	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}

	fallback, err := buildFallback(cfg)
	if err != nil {
		return err
	}
	if fallback != nil {
		defer fallback.Close()
	}

	auditRepo := repositories.NewAuditRepository(database)
	summaryRepo := repositories.NewSummaryRepository(database)
	svc := audit.NewService(auditRepo, fallback, slog.Default(), audit.Options{
		Chaining:     cfg.Audit.Chaining,
		MaxRetries:   cfg.Audit.MaxRetries,
		RetryBackoff: cfg.Audit.RetryBackoff,
	})

	limiter, err := buildLimiter(cfg)
	if err != nil {
		return err
	}

	router := api.NewRouter(api.RouterDeps{
		Config:   cfg,
		DB:       database,
		Handlers: api.NewHandlers(svc, summaryRepo),
		Logger:   svc,
		Limiter:  limiter,
	})

	stop := make(chan struct{})
	defer close(stop)
	api.BackgroundServices(cfg, database, stop)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("audit backend listening",
			"addr", srv.Addr,
			"version", api.Version,
			"chaining", cfg.Audit.Chaining)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	logLifecycleEvent(svc, models.ActionSystemStart, "audit backend started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	}

	logLifecycleEvent(svc, models.ActionSystemShutdown, "audit backend shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// logLifecycleEvent records a lifecycle marker. Failure is logged and
// swallowed: an unreachable store must not block startup or shutdown.
func logLifecycleEvent(svc *audit.Service, action models.ActionType, description string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := svc.LogEvent(ctx, audit.Event{
		ActionType:  action,
		Description: description,
		Details:     map[string]interface{}{"version": api.Version},
	}); err != nil {
		slog.Warn("failed to record lifecycle event", "action", action, "error", err)
	}
}

func buildFallback(cfg *config.Config) (audit.Shipper, error) {
	var shippers []audit.Shipper

	if cfg.Audit.FallbackFile != "" {
		fs, err := audit.NewFileShipper(cfg.Audit.FallbackFile, cfg.Audit.FallbackFileMaxSize)
		if err != nil {
			return nil, fmt.Errorf("fallback file setup failed: %w", err)
		}
		shippers = append(shippers, fs)
	}
	if cfg.Audit.FallbackWebhookURL != "" {
		shippers = append(shippers, audit.NewWebhookShipper(
			cfg.Audit.FallbackWebhookURL,
			cfg.Audit.FallbackBatchSize,
			cfg.Audit.FallbackFlush))
	}

	switch len(shippers) {
	case 0:
		return nil, nil
	case 1:
		return shippers[0], nil
	default:
		return audit.NewMultiShipper(shippers...), nil
	}
}

func buildLimiter(cfg *config.Config) (middleware.Limiter, error) {
	switch cfg.Security.RateLimitStrategy {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Security.RedisAddr,
			Password: cfg.Security.RedisPassword,
			DB:       cfg.Security.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis unreachable: %w", err)
		}
		return middleware.NewRedisLimiter(client, cfg.Security.RateLimitPerMin), nil
	default:
		return middleware.NewMemoryLimiter(cfg.Security.RateLimitPerMin), nil
	}
}

func runMigrate(cfg *config.Config, direction string) error {
	if direction == "" {
		direction = "up"
	}
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.RunMigrations(database, direction); err != nil {
		return err
	}
	slog.Info("migrations applied", "direction", direction)
	return nil
}

func printVersion(cfg *config.Config) {
	fmt.Printf("docuvault audit backend %s\n", api.Version)

	database, err := db.Connect(cfg.Database.GetDSN(), 1, 1)
	if err != nil {
		fmt.Printf("database: unreachable (%v)\n", err)
		return
	}
	defer database.Close()

	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		fmt.Printf("migrations: unknown (%v)\n", err)
		return
	}
	fmt.Printf("migrations: version %d (dirty=%v)\n", version, dirty)
}

// handleHashOperatorToken reads a token from the terminal and prints its
// bcrypt hash for security.operator_token_hash.
func handleHashOperatorToken() {
	fmt.Fprint(os.Stderr, "Operator token: ")
	token, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read token: %v\n", err)
		os.Exit(1)
	}
	if len(token) < 16 {
		fmt.Fprintln(os.Stderr, "token must be at least 16 characters")
		os.Exit(1)
	}

	hash, err := bcrypt.GenerateFromPassword(token, bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(hash))
}
