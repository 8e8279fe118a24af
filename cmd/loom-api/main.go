package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LoomLabsHQ/loom/backend/internal/auth"
	"github.com/LoomLabsHQ/loom/backend/internal/comments"
	"github.com/LoomLabsHQ/loom/backend/internal/config"
	"github.com/LoomLabsHQ/loom/backend/internal/database"
	"github.com/LoomLabsHQ/loom/backend/internal/document"
	"github.com/LoomLabsHQ/loom/backend/internal/history"
	"github.com/LoomLabsHQ/loom/backend/internal/logging"
	"github.com/LoomLabsHQ/loom/backend/internal/merge"
	"github.com/LoomLabsHQ/loom/backend/internal/realtime"
	"github.com/LoomLabsHQ/loom/backend/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "loom-api",
		Short: "Loom collaborative editing backend service",
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
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Int("keepalive-seconds", defaults.GetInt("collab.keepalive_seconds"), "Websocket keep-alive interval in seconds")
	cmd.PersistentFlags().Int("awareness-ttl-seconds", defaults.GetInt("collab.awareness_ttl_seconds"), "Presence expiry in seconds")
	cmd.PersistentFlags().Int("snapshot-flush-seconds", defaults.GetInt("collab.snapshot_flush_seconds"), "Snapshot flush interval in seconds")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "collab.keepalive_seconds", "keepalive-seconds")
	bindFlag(cmd, "collab.awareness_ttl_seconds", "awareness-ttl-seconds")
	bindFlag(cmd, "collab.snapshot_flush_seconds", "snapshot-flush-seconds")
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

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "loom-auth",
		Audience:      "loom-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	documentStore, err := document.NewStore(document.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	gateway, err := realtime.NewGateway(realtime.GatewayConfig{
		Store:          documentStore,
		KeepAliveEvery: appConfig.KeepAliveEvery,
		AwarenessTTL:   appConfig.AwarenessTTL,
		FlushEvery:     appConfig.SnapshotFlushAge,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	historyService, err := history.NewService(history.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: history.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	mergeEngine, err := merge.NewEngine(merge.EngineConfig{
		Database:   db,
		Branches:   historyService,
		Clock:      time.Now,
		IDProvider: history.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	commentsService, err := comments.NewService(comments.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: history.NewUUIDProvider(),
		Publisher:  gateway.Notifier(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:    tokenIssuer,
		Documents: documentStore,
		Gateway:   gateway,
		History:   historyService,
		Merges:    mergeEngine,
		Comments:  commentsService,
		Logger:    logger,
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

	go gateway.Run(signalCtx)

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
