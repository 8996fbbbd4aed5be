package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/cellsync/internal/auth"
	"github.com/MarcoPoloResearchLab/cellsync/internal/config"
	"github.com/MarcoPoloResearchLab/cellsync/internal/database"
	"github.com/MarcoPoloResearchLab/cellsync/internal/logging"
	"github.com/MarcoPoloResearchLab/cellsync/internal/rows"
	"github.com/MarcoPoloResearchLab/cellsync/internal/schema"
	"github.com/MarcoPoloResearchLab/cellsync/internal/server"
	"github.com/MarcoPoloResearchLab/cellsync/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(defaults *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the row store and realtime server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			bindFlag(cmd.Flags(), "http.address", "http-address")
			bindFlag(cmd.Flags(), "database.path", "database-path")
			bindFlag(cmd.Flags(), "schema.path", "schema-path")
			bindFlag(cmd.Flags(), "auth.signing_secret", "signing-secret")
			bindFlag(cmd.Flags(), "auth.token_ttl", "token-ttl")
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	cmd.Flags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.Flags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.Flags().String("schema-path", defaults.GetString("schema.path"), "Table schema file (yaml, json or toml)")
	cmd.Flags().String("signing-secret", "", "Access token signing secret (overrides env)")
	cmd.Flags().Duration("token-ttl", defaults.GetDuration("auth.token_ttl"), "Access token lifetime")
	return cmd
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
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

	registry, err := schema.LoadFile(appConfig.SchemaPath)
	if err != nil {
		return err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
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

	rowsService, err := rows.NewService(rows.ServiceConfig{
		Database:   db,
		Schema:     registry,
		Clock:      time.Now,
		IDProvider: rows.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	collaborators, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: tokenIssuer,
		RowsService:    rowsService,
		Schema:         registry,
		Collaborators:  collaborators,
		Realtime:       server.NewRealtimeDispatcher(),
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
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Strings("tables", registry.TableIDs()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
