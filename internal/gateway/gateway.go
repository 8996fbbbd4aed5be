package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/cellsync/internal/rows"
	"go.uber.org/zap"
)

var errMissingStore = errors.New("gateway: store is required")

// Store is the transport to the backing store.
type Store interface {
	PatchRow(ctx context.Context, table rows.TableID, rowID rows.RowID, patch rows.Fields, version rows.Version, token string) (rows.Row, error)
	GetRow(ctx context.Context, table rows.TableID, rowID rows.RowID) (rows.Row, error)
	ListRows(ctx context.Context, table rows.TableID, sinceSeconds int64) ([]rows.Row, error)
}

// SubmitRequest is one single-field write with its version precondition.
type SubmitRequest struct {
	Table       rows.TableID
	RowID       rows.RowID
	FieldID     rows.FieldID
	Value       any
	BaseVersion rows.Version
	Token       string
}

// Config wires a Gateway.
type Config struct {
	Store  Store
	Retry  RetryPolicy
	Logger *zap.Logger
}

// Gateway performs versioned writes and fetches. It holds no row state.
type Gateway struct {
	store  Store
	retry  RetryPolicy
	logger *zap.Logger
}

// New validates cfg and returns a Gateway. A zero Retry uses DefaultRetryPolicy.
func New(cfg Config) (*Gateway, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		timer := retry.Timer
		retry = DefaultRetryPolicy()
		retry.Timer = timer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{store: cfg.Store, retry: retry, logger: logger}, nil
}

// Submit sends the write, retrying network failures within the policy budget.
func (g *Gateway) Submit(ctx context.Context, request SubmitRequest) Outcome {
	patch := rows.Fields{request.FieldID.String(): request.Value}
	var committed rows.Row
	err := g.retry.Run(ctx, func() error {
		row, err := g.store.PatchRow(ctx, request.Table, request.RowID, patch, request.BaseVersion, request.Token)
		if err != nil {
			return err
		}
		committed = row
		return nil
	}, isTransient, g.notifier("submit", request.RowID))
	if err != nil {
		outcome := classify(err)
		g.logger.Debug("gateway submit failed",
			zap.String("row_id", request.RowID.String()),
			zap.String("field_id", request.FieldID.String()),
			zap.Int64("base_version", request.BaseVersion.Int64()),
			zap.String("kind", string(outcome.Kind)),
			zap.Error(err))
		return outcome
	}
	return Outcome{Kind: OutcomeCommitted, Row: committed, HasRow: true}
}

// Fetch reads the authoritative row under the same retry budget.
func (g *Gateway) Fetch(ctx context.Context, table rows.TableID, rowID rows.RowID) Outcome {
	var fetched rows.Row
	err := g.retry.Run(ctx, func() error {
		row, err := g.store.GetRow(ctx, table, rowID)
		if err != nil {
			return err
		}
		fetched = row
		return nil
	}, isTransient, g.notifier("fetch", rowID))
	if err != nil {
		return classify(err)
	}
	return Outcome{Kind: OutcomeCommitted, Row: fetched, HasRow: true}
}

// List returns rows updated at or after sinceSeconds, or every row when sinceSeconds is zero.
func (g *Gateway) List(ctx context.Context, table rows.TableID, sinceSeconds int64) ([]rows.Row, error) {
	var listed []rows.Row
	err := g.retry.Run(ctx, func() error {
		result, err := g.store.ListRows(ctx, table, sinceSeconds)
		if err != nil {
			return err
		}
		listed = result
		return nil
	}, isTransient, g.notifier("list", ""))
	if err != nil {
		return nil, err
	}
	return listed, nil
}

func (g *Gateway) notifier(operation string, rowID rows.RowID) func(error, time.Duration) {
	return func(err error, delay time.Duration) {
		g.logger.Info("gateway retrying",
			zap.String("operation", operation),
			zap.String("row_id", rowID.String()),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
}

func isTransient(err error) bool {
	return classify(err).Kind == OutcomeNetworkError
}
