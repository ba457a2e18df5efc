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
	"github.com/vigia-electoral/vigia/internal/auth"
	"github.com/vigia-electoral/vigia/internal/config"
	"github.com/vigia-electoral/vigia/internal/database"
	"github.com/vigia-electoral/vigia/internal/logging"
	"github.com/vigia-electoral/vigia/internal/server"
	"go.uber.org/zap"
)

const (
	tokenIssuerName   = "vigia-auth"
	tokenAudienceName = "vigia-api"
)

var (
	cfgFile  string
	seedDemo bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vigia",
		Short: "Election-day school monitoring dashboard",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitoring backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	serveCmd.Flags().BoolVar(&seedDemo, "seed-demo", false, "Seed demo operators and schools when the database is empty")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newLoginCommand())
	rootCmd.AddCommand(newLogoutCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newPanelCommand())
	rootCmd.AddCommand(newResetCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("api-url", defaults.GetString("api.base_url"), "Backend base URL")
	cmd.PersistentFlags().String("session-path", defaults.GetString("session.path"), "Local session database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("http-address", defaults.GetString("server.address"), "HTTP listen address (serve)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("server.database_path"), "Backend database path (serve)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("server.token_ttl_minutes"), "Token TTL in minutes (serve)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "api.base_url", "api-url")
	bindFlag(cmd, "session.path", "session-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "server.address", "http-address")
	bindFlag(cmd, "server.database_path", "database-path")
	bindFlag(cmd, "server.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "server.signing_secret", "signing-secret")
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
	if err := appConfig.ValidateServer(); err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger,
		&server.SchoolRecord{}, &server.OperatorAccount{})
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close() //nolint:errcheck

	storage, err := server.NewStorage(server.StorageConfig{Database: db})
	if err != nil {
		return err
	}
	if seedDemo {
		if err := storage.SeedDemo(ctx); err != nil {
			return err
		}
		logger.Info("demo data seeded")
	}

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        tokenIssuerName,
		Audience:      tokenAudienceName,
		TokenTTL:      appConfig.TokenTTL,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Storage:  storage,
		Tokens:   tokenIssuer,
		Realtime: server.NewDispatcher(),
		Logger:   logger,
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
