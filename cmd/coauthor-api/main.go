package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/northbridgehq/coauthor/backend/internal/auth"
	"github.com/northbridgehq/coauthor/backend/internal/collab"
	"github.com/northbridgehq/coauthor/backend/internal/config"
	"github.com/northbridgehq/coauthor/backend/internal/database"
	"github.com/northbridgehq/coauthor/backend/internal/document"
	"github.com/northbridgehq/coauthor/backend/internal/janitor"
	"github.com/northbridgehq/coauthor/backend/internal/locks"
	"github.com/northbridgehq/coauthor/backend/internal/logging"
	"github.com/northbridgehq/coauthor/backend/internal/metrics"
	"github.com/northbridgehq/coauthor/backend/internal/realtime"
	"github.com/northbridgehq/coauthor/backend/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coauthor-api",
		Short: "Collaborative narrative editing coordination service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("redis-addr", defaults.GetString("redis.addr"), "Redis address (empty for in-process fan-out)")
	cmd.PersistentFlags().String("session-issuer", defaults.GetString("session.issuer"), "Expected issuer on host session tokens")
	cmd.PersistentFlags().String("session-cookie-name", defaults.GetString("session.cookie_name"), "Cookie carrying the host session token")
	cmd.PersistentFlags().Int("lock-ttl-minutes", defaults.GetInt("lock.ttl_minutes"), "Soft lock TTL in minutes")
	cmd.PersistentFlags().Int("idle-timeout-minutes", defaults.GetInt("idle.timeout_minutes"), "Session idle timeout in minutes")
	cmd.PersistentFlags().String("janitor-schedule", defaults.GetString("janitor.schedule"), "Cron schedule for background sweeps")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Host session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.addr", "redis-addr")
	bindFlag(cmd, "session.issuer", "session-issuer")
	bindFlag(cmd, "session.cookie_name", "session-cookie-name")
	bindFlag(cmd, "lock.ttl_minutes", "lock-ttl-minutes")
	bindFlag(cmd, "idle.timeout_minutes", "idle-timeout-minutes")
	bindFlag(cmd, "janitor.schedule", "janitor-schedule")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningKey),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	lockService, err := locks.NewService(locks.ServiceConfig{
		Database: db,
		TTL:      appConfig.LockTTL,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	documentService, err := document.NewService(document.ServiceConfig{
		Database:   db,
		IDProvider: document.NewUUIDProvider(),
		LockGuard:  lockService,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	collabService, err := collab.NewService(collab.ServiceConfig{
		Database:      db,
		CodeGenerator: collab.NewRandomCodeGenerator(),
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	broker, presence := newTransport(appConfig, logger)

	registry := prometheus.NewRegistry()
	metrics.RegisterCollectors(registry)

	sweeper, err := janitor.New(janitor.Config{
		Locks:       lockService,
		Sessions:    collabService,
		Broker:      broker,
		Schedule:    appConfig.JanitorSchedule,
		IdleTimeout: appConfig.IdleTimeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	if err := sweeper.Start(); err != nil {
		return err
	}
	defer sweeper.Stop()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: validator,
		DocumentService:  documentService,
		LockService:      lockService,
		CollabService:    collabService,
		Broker:           broker,
		Presence:         presence,
		Metrics:          registry,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// newTransport picks the room fan-out implementation. With no redis address
// configured the service runs single-node with in-process fan-out.
func newTransport(appConfig config.AppConfig, logger *zap.Logger) (realtime.Broker, realtime.Presence) {
	if appConfig.RedisAddress == "" {
		logger.Info("using in-process realtime transport")
		return realtime.NewDispatcher(), realtime.NewMemoryPresence(appConfig.IdleTimeout, nil)
	}
	client := redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
	logger.Info("using redis realtime transport", zap.String("addr", appConfig.RedisAddress))
	broker := realtime.NewRedisBroker(client, logger)
	presence := realtime.NewRedisPresence(client, appConfig.IdleTimeout, nil)
	return broker, presence
}
