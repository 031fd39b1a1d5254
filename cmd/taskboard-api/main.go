package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/boards"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/config"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/database"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/server"
	"github.com/MarcoPoloResearchLab/taskboard/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	tokenIssuer   = "taskboard-auth"
	tokenAudience = "taskboard-api"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "taskboard-api",
		Short: "Taskboard realtime kanban backend service",
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
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("cors.allowed_origins"), "Comma separated browser origins, or *")
	cmd.PersistentFlags().Int("realtime-send-buffer", defaults.GetInt("realtime.send_buffer"), "Outbound frames queued per connection before it is dropped")
	cmd.PersistentFlags().String("app-base-url", defaults.GetString("app.base_url"), "Frontend URL used in notification links")
	cmd.PersistentFlags().String("smtp-host", "", "SMTP relay host; empty disables email")
	cmd.PersistentFlags().String("smtp-port", defaults.GetString("smtp.port"), "SMTP relay port")
	cmd.PersistentFlags().String("smtp-from", "", "Sender address for notifications")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "cors.allowed_origins", "allowed-origins")
	bindFlag(cmd, "realtime.send_buffer", "realtime-send-buffer")
	bindFlag(cmd, "app.base_url", "app-base-url")
	bindFlag(cmd, "smtp.host", "smtp-host")
	bindFlag(cmd, "smtp.port", "smtp-port")
	bindFlag(cmd, "smtp.from", "smtp-from")
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

	accounts, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}
	resolver, err := auth.NewIdentityResolver(tokenManager, accounts)
	if err != nil {
		return err
	}

	notifier, err := newNotifier(appConfig, logger)
	if err != nil {
		return err
	}

	repository, err := boards.NewGormRepository(db)
	if err != nil {
		return err
	}
	boardService, err := boards.NewService(boards.ServiceConfig{
		Store:      repository,
		Users:      accounts,
		Notifier:   notifier,
		Clock:      time.Now,
		IDProvider: boards.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	rooms, err := realtime.NewRoomManager(realtime.RoomManagerConfig{
		Authorizer: boardService,
		Mutator:    boardService,
		SendBuffer: appConfig.RealtimeSendBuffer,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	boardService.SetPublisher(rooms)

	gateway, err := realtime.NewGateway(realtime.GatewayConfig{
		Rooms:          rooms,
		Resolver:       resolver,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Accounts:       accounts,
		Tokens:         tokenManager,
		Resolver:       resolver,
		Boards:         boardService,
		Realtime:       gateway,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
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

func newNotifier(appConfig config.AppConfig, logger *zap.Logger) (notify.Notifier, error) {
	if !appConfig.SMTP.Enabled() {
		logger.Info("smtp not configured; share notifications disabled")
		return notify.NopNotifier{}, nil
	}
	notifier, err := notify.NewSMTPNotifier(notify.SMTPConfig{
		Host:     appConfig.SMTP.Host,
		Port:     appConfig.SMTP.Port,
		Username: appConfig.SMTP.Username,
		Password: appConfig.SMTP.Password,
		From:     appConfig.SMTP.From,
		BaseURL:  appConfig.ApplicationBaseURL,
	}, logger)
	if err != nil {
		return nil, err
	}
	return notifier, nil
}
