package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/techhub-chat/internal/auth"
	"github.com/MarcoPoloResearchLab/techhub-chat/internal/chat"
	"github.com/MarcoPoloResearchLab/techhub-chat/internal/config"
	"github.com/MarcoPoloResearchLab/techhub-chat/internal/database"
	"github.com/MarcoPoloResearchLab/techhub-chat/internal/logging"
	"github.com/MarcoPoloResearchLab/techhub-chat/internal/server"
	"github.com/MarcoPoloResearchLab/techhub-chat/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "techhub-chat",
		Short: "TechHub real-time chat service",
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
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to an optional dotenv file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "TAuth session signing secret (overrides env)")
	cmd.PersistentFlags().String("cookie-name", defaults.GetString("tauth.cookie_name"), "TAuth session cookie name")
	cmd.PersistentFlags().String("issuer", defaults.GetString("tauth.issuer"), "Expected TAuth token issuer")
	cmd.PersistentFlags().Int("history-limit", defaults.GetInt("chat.history_limit"), "Messages returned by the history endpoint")
	cmd.PersistentFlags().Float64("rate-limit", defaults.GetFloat64("chat.rate_limit_per_second"), "Inbound events per second per connection")
	cmd.PersistentFlags().Int("rate-burst", defaults.GetInt("chat.rate_limit_burst"), "Inbound event burst per connection")
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("cors.allowed_origins"), "Allowed CORS and WebSocket origins")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "tauth.signing_secret", "signing-secret")
	bindFlag(cmd, "tauth.cookie_name", "cookie-name")
	bindFlag(cmd, "tauth.issuer", "issuer")
	bindFlag(cmd, "chat.history_limit", "history-limit")
	bindFlag(cmd, "chat.rate_limit_per_second", "rate-limit")
	bindFlag(cmd, "chat.rate_limit_burst", "rate-burst")
	bindFlag(cmd, "cors.allowed_origins", "allowed-origins")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

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

	gin.SetMode(gin.ReleaseMode)

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	identities, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger.Named("users")})
	if err != nil {
		return err
	}

	chatLogger := logger.Named("chat")
	directory, err := chat.NewDirectory(chat.DirectoryConfig{Database: db, Logger: chatLogger})
	if err != nil {
		return err
	}
	store, err := chat.NewStore(chat.StoreConfig{Database: db, Logger: chatLogger})
	if err != nil {
		return err
	}
	tracker := chat.NewPresenceTracker()
	listing, err := chat.NewListing(chat.ListingConfig{Database: db, Store: store, Presence: tracker, Logger: chatLogger})
	if err != nil {
		return err
	}
	hub := server.NewRealtimeHub(logger.Named("realtime"))
	engine, err := chat.NewEngine(chat.EngineConfig{
		Directory:   directory,
		Store:       store,
		Tracker:     tracker,
		Broadcaster: hub,
		Logger:      chatLogger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Identities:       identities,
		Directory:        directory,
		Store:            store,
		Listing:          listing,
		Engine:           engine,
		Hub:              hub,
		AllowedOrigins:   appConfig.AllowedOrigins,
		HistoryLimit:     appConfig.HistoryLimit,
		RateLimit: server.RateLimit{
			PerSecond: appConfig.RateLimitPerSecond,
			Burst:     appConfig.RateLimitBurst,
		},
		Logger: logger,
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
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		// Hijacked websocket handlers are not tracked by the http server; they
		// must finish their cleanup before the database closes.
		if err := hub.Shutdown(shutdownCtx); err != nil {
			logger.Warn("websocket drain incomplete", zap.Error(err))
			shutdownErr = errors.Join(shutdownErr, err)
		}
		return shutdownErr
	case err := <-errCh:
		return err
	}
}
