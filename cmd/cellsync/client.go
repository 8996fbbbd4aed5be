package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarcoPoloResearchLab/cellsync/internal/auth"
	"github.com/MarcoPoloResearchLab/cellsync/internal/channel"
	"github.com/MarcoPoloResearchLab/cellsync/internal/config"
	"github.com/MarcoPoloResearchLab/cellsync/internal/gateway"
	"github.com/MarcoPoloResearchLab/cellsync/internal/logging"
	"github.com/MarcoPoloResearchLab/cellsync/internal/rows"
	"github.com/MarcoPoloResearchLab/cellsync/internal/session"
	"github.com/MarcoPoloResearchLab/cellsync/internal/view"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func addClientFlags(cmd *cobra.Command, defaults *viper.Viper) {
	cmd.Flags().String("server-url", defaults.GetString("server.url"), "Base URL of the cellsync server")
	cmd.Flags().String("token", "", "Access token (overrides env)")
	cmd.Flags().String("table", "", "Table to open")
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		bindFlag(cmd.Flags(), "server.url", "server-url")
		bindFlag(cmd.Flags(), "auth.token", "token")
		bindFlag(cmd.Flags(), "table", "table")
		return nil
	}
}

func newEditCommand(defaults *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit <row> <field> <value>",
		Short: "Edit one cell and wait for the store to settle it",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *session.Session) error {
				return runEdit(ctx, s, cmd.OutOrStdout(), args[0], args[1], args[2])
			})
		},
	}
	addClientFlags(cmd, defaults)
	return cmd
}

func newWatchCommand(defaults *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <row> <field>",
		Short: "Stream one cell with its viewers until interrupted",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *session.Session) error {
				return runWatch(ctx, s, cmd.OutOrStdout(), args[0], args[1])
			})
		},
	}
	addClientFlags(cmd, defaults)
	return cmd
}

// withSession opens a table session from configuration, runs fn and closes the session.
func withSession(parent context.Context, fn func(ctx context.Context, s *session.Session) error) error {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(clientConfig.LogLevel, clientConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx, clientConfig, logger)
	if err != nil {
		return err
	}
	runErr := fn(ctx, s)
	if closeErr := s.Close(); closeErr != nil && !errors.Is(closeErr, context.Canceled) {
		logger.Warn("session close failed", zap.Error(closeErr))
	}
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

func openSession(ctx context.Context, clientConfig config.ClientConfig, logger *zap.Logger) (*session.Session, error) {
	identity, err := auth.PeekIdentity(clientConfig.Token)
	if err != nil {
		return nil, fmt.Errorf("read access token: %w", err)
	}
	tableID, err := rows.NewTableID(clientConfig.Table)
	if err != nil {
		return nil, err
	}

	store, err := gateway.NewHTTPStore(clientConfig.ServerURL, clientConfig.Token, &http.Client{Timeout: clientConfig.RequestTimeout})
	if err != nil {
		return nil, err
	}
	registry, err := store.Schema(ctx, tableID)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	writeGateway, err := gateway.New(gateway.Config{
		Store: store,
		Retry: gateway.RetryPolicy{
			MaxAttempts: clientConfig.RetryMaxAttempts,
			BaseDelay:   clientConfig.RetryBaseDelay,
			Multiplier:  clientConfig.RetryMultiplier,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	realtime, err := channel.New(channel.Config{
		URL:   clientConfig.RealtimeURL(),
		Token: clientConfig.Token,
		Resync: func(ctx context.Context, sinceSeconds int64) ([]rows.Row, error) {
			return writeGateway.List(ctx, tableID, sinceSeconds)
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	return session.Open(ctx, session.Config{
		Table:             tableID,
		UserID:            identity.UserID,
		DisplayName:       identity.DisplayName,
		HeartbeatInterval: clientConfig.HeartbeatInterval,
		StaleTimeout:      clientConfig.StaleTimeout,
		Throttle:          clientConfig.FocusThrottle,
		RequestTimeout:    clientConfig.RequestTimeout,
	}, session.Dependencies{
		Schema:  registry,
		Gateway: writeGateway,
		Channel: realtime,
		Logger:  logger,
	})
}

func runEdit(ctx context.Context, s *session.Session, out io.Writer, row, field, value string) error {
	rowID, err := rows.NewRowID(row)
	if err != nil {
		return err
	}
	fieldID, err := rows.NewFieldID(field)
	if err != nil {
		return err
	}
	if err := s.Focus(ctx, rowID, fieldID); err != nil {
		return err
	}
	if _, err := s.Edit(ctx, rowID, fieldID, value); err != nil {
		return err
	}
	stream, cancel, err := s.Watch(ctx, rowID, fieldID)
	if err != nil {
		return err
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cell, ok := <-stream:
			if !ok {
				return session.ErrClosed
			}
			if cell.Pending {
				continue
			}
			writeCell(out, cell)
			if cell.Errored() {
				return fmt.Errorf("edit failed: %s", cell.Error)
			}
			return nil
		}
	}
}

func runWatch(ctx context.Context, s *session.Session, out io.Writer, row, field string) error {
	rowID, err := rows.NewRowID(row)
	if err != nil {
		return err
	}
	fieldID, err := rows.NewFieldID(field)
	if err != nil {
		return err
	}
	stream, cancel, err := s.Watch(ctx, rowID, fieldID)
	if err != nil {
		return err
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cell, ok := <-stream:
			if !ok {
				return nil
			}
			writeCell(out, cell)
		}
	}
}

func writeCell(out io.Writer, cell view.CellView) {
	state := "committed"
	switch {
	case cell.Deleted:
		state = "deleted"
	case cell.Pending:
		state = "pending"
	case cell.Errored():
		state = "error(" + string(cell.ErrorKind) + "): " + cell.Error
	}
	viewers := make([]string, 0, len(cell.Viewers))
	for _, viewer := range cell.Viewers {
		name := viewer.DisplayName
		if name == "" {
			name = viewer.UserID
		}
		viewers = append(viewers, name)
	}
	fmt.Fprintf(out, "%s/%s = %v [%s] viewers: %s\n", cell.RowID, cell.FieldID, cell.Value, state, strings.Join(viewers, ", "))
}
