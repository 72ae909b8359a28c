package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/lowkey/internal/auth"
	"github.com/MarcoPoloResearchLab/lowkey/internal/blob"
	"github.com/MarcoPoloResearchLab/lowkey/internal/chat"
	"github.com/MarcoPoloResearchLab/lowkey/internal/config"
	"github.com/MarcoPoloResearchLab/lowkey/internal/database"
	"github.com/MarcoPoloResearchLab/lowkey/internal/logging"
	"github.com/MarcoPoloResearchLab/lowkey/internal/metrics"
	"github.com/MarcoPoloResearchLab/lowkey/internal/server"
	"github.com/MarcoPoloResearchLab/lowkey/internal/stories"
	"github.com/MarcoPoloResearchLab/lowkey/internal/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lowkey-api",
		Short: "Lowkey stories and direct chat backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Bearer token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().String("blob-backend", defaults.GetString("blob.backend"), "Media storage backend (local, gcs)")
	cmd.PersistentFlags().Int("sweep-interval-seconds", defaults.GetInt("stories.sweep_interval_seconds"), "Story expiry sweep interval in seconds")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "blob.backend", "blob-backend")
	bindFlag(cmd, "stories.sweep_interval_seconds", "sweep-interval-seconds")
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

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

// openBlobStore returns nil when no backend is configured; story creation then reports storage unavailable.
func openBlobStore(ctx context.Context, appConfig config.AppConfig) (blob.Store, http.Handler, func(), error) {
	switch appConfig.BlobBackend {
	case "local":
		store, err := blob.NewLocalStore(afero.NewOsFs(), appConfig.BlobLocalRoot, appConfig.BlobPublicBaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, store.Handler(), func() {}, nil
	case "gcs":
		store, err := blob.NewGCSStore(ctx, appConfig.BlobGCSBucket, appConfig.BlobGCSCredsFile)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, nil, func() { _ = store.Close() }, nil
	default:
		return nil, nil, func() {}, nil
	}
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

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenIssuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	blobStore, mediaHandler, closeBlobs, err := openBlobStore(ctx, appConfig)
	if err != nil {
		return err
	}
	defer closeBlobs()
	if blobStore == nil {
		logger.Warn("no blob backend configured; story uploads are disabled")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	storyService, err := stories.NewService(stories.ServiceConfig{
		Database: db,
		Blobs:    blobStore,
		Follows:  userService,
		Clock:    time.Now,
		Logger:   logger,
		TTL:      appConfig.StoryTTL,
	})
	if err != nil {
		return err
	}

	chatStore, err := chat.NewStore(chat.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	chatRegistry := chat.NewRegistry()
	broadcaster, err := chat.NewBroadcaster(chat.BroadcasterConfig{
		Store:    chatStore,
		Registry: chatRegistry,
		Logger:   logger,
		Metrics:  collector,
	})
	if err != nil {
		return err
	}

	sweeper, err := stories.NewSweeper(stories.SweeperConfig{
		Store:    storyService,
		Interval: appConfig.SweepInterval,
		TTL:      appConfig.StoryTTL,
		Clock:    time.Now,
		Logger:   logger,
		Metrics:  collector,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:         tokenIssuer,
		Users:          userService,
		Stories:        storyService,
		Chats:          chatStore,
		Broadcaster:    broadcaster,
		Media:          mediaHandler,
		Metrics:        metrics.Handler(registry),
		Connections:    collector,
		AllowedOrigins: appConfig.AllowedOrigins,
		LiveChat: server.LiveChatSettings{
			SendBuffer:   appConfig.ChatSendBuffer,
			InboundRate:  appConfig.ChatInboundRate,
			InboundBurst: appConfig.ChatInboundBurst,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeperHandle := sweeper.Start(signalCtx)
	defer sweeperHandle.Stop()

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
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		chatRegistry.CloseAll()
		return shutdownErr
	case err := <-errCh:
		chatRegistry.CloseAll()
		return err
	}
}
