package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/opsdash/console/internal/auth"
	"github.com/opsdash/console/internal/config"
	"github.com/opsdash/console/internal/logging"
	"github.com/opsdash/console/internal/metricsdb"
	"github.com/opsdash/console/internal/realtime"
	"github.com/opsdash/console/internal/server"
	"github.com/opsdash/console/internal/upstream"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "console-api",
		Short: "Storage dashboard backend service",
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
	cmd.PersistentFlags().String("api-url", defaults.GetString("upstream.api_url"), "Configuration API base URL")
	cmd.PersistentFlags().String("auth-url", defaults.GetString("upstream.auth_url"), "Identity service base URL")
	cmd.PersistentFlags().String("metrics-path", defaults.GetString("metrics.path"), "Metrics SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "upstream.api_url", "api-url")
	bindFlag(cmd, "upstream.auth_url", "auth-url")
	bindFlag(cmd, "metrics.path", "metrics-path")
	bindFlag(cmd, "log.level", "log-level")
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

	db, err := metricsdb.Open(appConfig.MetricsPath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	metricsStore, err := metricsdb.NewStore(metricsdb.StoreConfig{Database: db})
	if err != nil {
		return err
	}

	upstreamClient, err := upstream.NewClient(upstream.ClientConfig{
		APIBaseURL:  appConfig.APIBaseURL,
		AuthBaseURL: appConfig.AuthBaseURL,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	registry := realtime.NewRegistry(logger)
	hub, err := realtime.NewHub(realtime.HubConfig{
		Upstream:     realtime.NewUpstreamAdapter(upstreamClient),
		Registry:     registry,
		Heartbeat:    appConfig.Heartbeat,
		TokenRecheck: appConfig.TokenRecheck,
		WatcherRetry: appConfig.WatcherRetry,
		FlushPeriod:  appConfig.CoalescingFlush,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	probe, err := metricsdb.NewReadinessProbe(metricsdb.ReadinessProbeConfig{
		Database: db,
		Interval: appConfig.ReadinessPoll,
		Sink:     registry,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Upstream:    upstreamClient,
		Hub:         hub,
		Metrics:     metricsStore,
		Inspector:   auth.NewInspector(nil),
		CORSOrigins: appConfig.CORSOrigins,
		Logger:      logger,
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

	go probe.Run(signalCtx)

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
