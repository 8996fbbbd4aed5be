// Package session is the per-table state container of the client engine.
//
// A Session owns the ledger, the presence tracker and the view, and runs every
// transition on one event loop goroutine. Network calls run on their own
// goroutines and post their results back into the loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cellsync/internal/channel"
	"github.com/MarcoPoloResearchLab/cellsync/internal/gateway"
	"github.com/MarcoPoloResearchLab/cellsync/internal/ledger"
	"github.com/MarcoPoloResearchLab/cellsync/internal/presence"
	"github.com/MarcoPoloResearchLab/cellsync/internal/rows"
	"github.com/MarcoPoloResearchLab/cellsync/internal/schema"
	"github.com/MarcoPoloResearchLab/cellsync/internal/view"
	"github.com/MarcoPoloResearchLab/cellsync/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultRequestTimeout    = 30 * time.Second
	defaultInboxSize         = 256
)

var (
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("session: closed")

	errMissingGateway = errors.New("session: gateway is required")
	errMissingChannel = errors.New("session: channel is required")
	errMissingSchema  = errors.New("session: schema registry is required")
	errMissingUser    = errors.New("session: user id is required")
)

// Gateway is the write path used by the session.
type Gateway interface {
	Submit(ctx context.Context, request gateway.SubmitRequest) gateway.Outcome
	Fetch(ctx context.Context, table rows.TableID, rowID rows.RowID) gateway.Outcome
	List(ctx context.Context, table rows.TableID, sinceSeconds int64) ([]rows.Row, error)
}

// Channel is the realtime subscription used by the session.
type Channel interface {
	Run(ctx context.Context) error
	Messages() <-chan channel.Message
	SetCheckpoint(sinceSeconds int64)
	PublishPresence(presence wire.Presence) bool
	PublishLeave(userID string) bool
}

// Config describes one table session.
type Config struct {
	Table             rows.TableID
	UserID            string
	DisplayName       string
	HeartbeatInterval time.Duration
	FlushInterval     time.Duration
	StaleTimeout      time.Duration
	Throttle          time.Duration
	RequestTimeout    time.Duration
}

// Dependencies are the collaborators a session drives.
type Dependencies struct {
	Schema  *schema.Registry
	Gateway Gateway
	Channel Channel
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Session is safe for use from any goroutine.
type Session struct {
	config  Config
	gateway Gateway
	channel Channel
	logger  *zap.Logger

	ledger  *ledger.Ledger
	tracker *presence.Tracker
	view    *view.View

	inbox     chan func()
	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	closeOnce sync.Once
	closeErr  error
	connected bool
}

// Open loads the table, joins presence and starts the event loop and the channel.
func Open(ctx context.Context, cfg Config, deps Dependencies) (*Session, error) {
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}
	if deps.Channel == nil {
		return nil, errMissingChannel
	}
	if deps.Schema == nil {
		return nil, errMissingSchema
	}
	cfg.UserID = strings.TrimSpace(cfg.UserID)
	if cfg.UserID == "" {
		return nil, errMissingUser
	}
	table, err := deps.Schema.Table(cfg.Table.String())
	if err != nil {
		return nil, err
	}
	cfg = withDefaults(cfg)
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("table_id", cfg.Table.String()), zap.String("user_id", cfg.UserID))

	s := &Session{
		config:  cfg,
		gateway: deps.Gateway,
		channel: deps.Channel,
		logger:  logger,
		inbox:   make(chan func(), defaultInboxSize),
	}
	s.view = view.New(nil, nil)
	s.ledger, err = ledger.New(ledger.Config{
		Table:      table,
		Dispatcher: dispatcher{session: s},
		Notifier:   s.view,
		Clock:      clock,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	s.tracker = presence.NewTracker(presence.Config{
		StaleTimeout: cfg.StaleTimeout,
		Throttle:     cfg.Throttle,
		Clock:        clock,
		Broadcaster:  broadcaster{channel: deps.Channel},
		Notifier:     s.view,
		Logger:       logger,
	})
	s.view.Attach(s.ledger, s.tracker)

	listed, err := deps.Gateway.List(ctx, cfg.Table, 0)
	if err != nil {
		return nil, fmt.Errorf("session: initial load: %w", err)
	}
	s.ledger.Rebaseline(listed)
	deps.Channel.SetCheckpoint(s.ledger.Checkpoint())
	if err := s.tracker.Join(cfg.UserID, cfg.DisplayName); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(runCtx)
	s.ctx = groupCtx
	s.cancel = cancel
	s.group = group
	group.Go(func() error {
		return deps.Channel.Run(groupCtx)
	})
	group.Go(func() error {
		return s.loop(groupCtx)
	})
	logger.Info("session opened", zap.Int("rows", len(listed)))
	return s, nil
}

func withDefaults(cfg Config) Config {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.Throttle <= 0 {
		cfg.Throttle = presence.DefaultThrottle
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = cfg.Throttle
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = presence.DefaultStaleTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return cfg
}

// Edit applies an optimistic edit. Validation failures are returned synchronously.
func (s *Session) Edit(ctx context.Context, rowID rows.RowID, fieldID rows.FieldID, raw any) (ledger.Token, error) {
	var token ledger.Token
	var applyErr error
	if err := s.call(ctx, func() {
		token, applyErr = s.ledger.Apply(rowID, fieldID, raw)
	}); err != nil {
		return "", err
	}
	return token, applyErr
}

// Discard drops an errored edit so the committed value shows again.
func (s *Session) Discard(ctx context.Context, rowID rows.RowID, fieldID rows.FieldID) (bool, error) {
	var discarded bool
	err := s.call(ctx, func() {
		discarded = s.ledger.Discard(rowID, fieldID)
	})
	return discarded, err
}

// Focus moves the local user's focus. Empty ids clear it.
func (s *Session) Focus(ctx context.Context, rowID rows.RowID, fieldID rows.FieldID) error {
	var focusErr error
	if err := s.call(ctx, func() {
		focusErr = s.tracker.SetFocus(s.config.UserID, rowID, fieldID)
	}); err != nil {
		return err
	}
	return focusErr
}

// Cell returns the current view of one cell.
func (s *Session) Cell(ctx context.Context, rowID rows.RowID, fieldID rows.FieldID) (view.CellView, error) {
	var cell view.CellView
	err := s.call(ctx, func() {
		cell = s.view.Cell(rowID, fieldID)
	})
	return cell, err
}

// Watch streams a cell until the returned function is called or the session closes.
func (s *Session) Watch(ctx context.Context, rowID rows.RowID, fieldID rows.FieldID) (<-chan view.CellView, func(), error) {
	var stream <-chan view.CellView
	var stop func()
	if err := s.call(ctx, func() {
		stream, stop = s.view.Watch(rowID, fieldID)
	}); err != nil {
		return nil, nil, err
	}
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.post(stop)
		})
	}
	return stream, cancel, nil
}

// ActiveUsers lists the collaborators focused on the cell, or everyone when both ids are empty.
func (s *Session) ActiveUsers(ctx context.Context, rowID rows.RowID, fieldID rows.FieldID) ([]presence.Record, error) {
	var records []presence.Record
	err := s.call(ctx, func() {
		if rowID == "" && fieldID == "" {
			records = s.tracker.Active()
			return
		}
		records = s.tracker.ActiveUsersFor(rowID, fieldID)
	})
	return records, err
}

// Rows lists the cached rows.
func (s *Session) Rows(ctx context.Context) ([]rows.Row, error) {
	var listed []rows.Row
	err := s.call(ctx, func() {
		listed = s.ledger.Rows()
	})
	return listed, err
}

// Pending returns the cell's local edit, if any.
func (s *Session) Pending(ctx context.Context, rowID rows.RowID, fieldID rows.FieldID) (ledger.PendingChange, bool, error) {
	var change ledger.PendingChange
	var ok bool
	err := s.call(ctx, func() {
		change, ok = s.ledger.Pending(rowID, fieldID)
	})
	return change, ok, err
}

// Connected reports whether the realtime subscription is up.
func (s *Session) Connected(ctx context.Context) (bool, error) {
	var connected bool
	err := s.call(ctx, func() {
		connected = s.connected
	})
	return connected, err
}

// Close leaves presence, stops the loop and the channel and waits for in-flight calls.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		leaveCtx, cancelLeave := context.WithTimeout(context.Background(), time.Second)
		_ = s.call(leaveCtx, func() {
			s.tracker.Leave(s.config.UserID)
		})
		cancelLeave()
		s.cancel()
		s.closeErr = s.group.Wait()
		s.logger.Info("session closed")
	})
	return s.closeErr
}

func (s *Session) loop(ctx context.Context) error {
	heartbeat := time.NewTicker(s.config.HeartbeatInterval)
	defer heartbeat.Stop()
	flush := time.NewTicker(s.config.FlushInterval)
	defer flush.Stop()
	defer s.view.Close()

	messages := s.channel.Messages()
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-s.inbox:
			fn()
		case message, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			s.handle(message)
		case <-heartbeat.C:
			if err := s.tracker.Heartbeat(s.config.UserID); err != nil {
				s.logger.Warn("heartbeat failed", zap.Error(err))
			}
		case <-flush.C:
			s.tracker.Flush()
			s.tracker.Active()
		}
		s.view.Flush()
	}
}

func (s *Session) handle(message channel.Message) {
	switch message.Kind {
	case channel.KindRowEvent:
		s.ledger.OnRemoteCommit(message.Event)
	case channel.KindPresence:
		s.tracker.ApplyRemote(presence.Record{
			UserID:      message.Presence.UserID,
			DisplayName: message.Presence.DisplayName,
			RowID:       rows.RowID(message.Presence.RowID),
			FieldID:     rows.FieldID(message.Presence.FieldID),
		})
	case channel.KindPresenceLeave:
		s.tracker.ApplyRemoteLeave(message.Presence.UserID)
	case channel.KindResync:
		if message.Err != nil {
			return
		}
		changed := s.ledger.Rebaseline(message.Rows)
		s.channel.SetCheckpoint(s.ledger.Checkpoint())
		s.logger.Debug("resynchronized", zap.Int("rows", len(message.Rows)), zap.Int("changed", len(changed)))
	case channel.KindConnected:
		s.connected = true
		if err := s.tracker.Heartbeat(s.config.UserID); err != nil {
			s.logger.Warn("presence announce failed", zap.Error(err))
		}
	case channel.KindDisconnected:
		s.connected = false
		s.logger.Info("realtime disconnected", zap.Error(message.Err))
	}
}

// call runs fn on the loop and waits for it.
func (s *Session) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case s.inbox <- wrapped:
	case <-s.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn without waiting. It is dropped once the session is closed.
func (s *Session) post(fn func()) {
	select {
	case s.inbox <- fn:
	case <-s.ctx.Done():
	}
}

type dispatcher struct {
	session *Session
}

func (d dispatcher) Submit(request gateway.SubmitRequest) {
	s := d.session
	s.group.Go(func() error {
		ctx, cancel := context.WithTimeout(s.ctx, s.config.RequestTimeout)
		defer cancel()
		outcome := s.gateway.Submit(ctx, request)
		s.post(func() {
			s.ledger.OnGatewayResult(ledger.Token(request.Token), outcome)
		})
		return nil
	})
}

func (d dispatcher) Refetch(request ledger.RefetchRequest) {
	s := d.session
	s.group.Go(func() error {
		ctx, cancel := context.WithTimeout(s.ctx, s.config.RequestTimeout)
		defer cancel()
		outcome := s.gateway.Fetch(ctx, request.Table, request.RowID)
		s.post(func() {
			s.ledger.OnRefetchResult(request.Token, outcome)
		})
		return nil
	})
}

type broadcaster struct {
	channel Channel
}

func (b broadcaster) Broadcast(record presence.Record) {
	b.channel.PublishPresence(wire.Presence{
		UserID:      record.UserID,
		DisplayName: record.DisplayName,
		RowID:       record.RowID.String(),
		FieldID:     record.FieldID.String(),
		LastSeenAt:  record.LastSeenAt,
	})
}

func (b broadcaster) Retract(userID string) {
	b.channel.PublishLeave(userID)
}
