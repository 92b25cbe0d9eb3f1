package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AlexMercedCoder/mylocalnotes/internal/auth"
	"github.com/AlexMercedCoder/mylocalnotes/internal/config"
	"github.com/AlexMercedCoder/mylocalnotes/internal/database"
	"github.com/AlexMercedCoder/mylocalnotes/internal/logging"
	"github.com/AlexMercedCoder/mylocalnotes/internal/notes"
	"github.com/AlexMercedCoder/mylocalnotes/internal/server"
	"github.com/AlexMercedCoder/mylocalnotes/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	tokenIssuer     = "mylocalnotes"
	tokenAudience   = "mylocalnotes-api"
	tokenCookieName = "mylocalnotes_session"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mylocalnotes",
		Short: "Encrypted local-first notes server",
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
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("http.allowed_origins"), "Browser origins allowed to call the API (loopback when empty)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().Int("kdf-iterations", defaults.GetInt("kdf.iterations"), "PBKDF2 iterations used to derive workspace keys")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "kdf.iterations", "kdf-iterations")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
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

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
		TokenTTL:      appConfig.TokenTTL,
		CookieName:    tokenCookieName,
	})
	if err != nil {
		return err
	}

	sessions := session.NewManager(session.ManagerConfig{Logger: logger})

	notesService, err := notes.NewService(notes.ServiceConfig{
		Database:      db,
		Sessions:      sessions,
		Clock:         time.Now,
		IDProvider:    notes.NewUUIDProvider(),
		Logger:        logger,
		KDFIterations: appConfig.KDFIterations,
	})
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:   tokenManager,
		Sessions:       sessions,
		NotesService:   notesService,
		Logger:         logger,
		AllowedOrigins: appConfig.AllowedOrigins,
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
		sessions.Deactivate()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
