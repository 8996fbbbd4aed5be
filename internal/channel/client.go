// Package channel maintains the realtime WebSocket subscription of one table and turns
// its frames into an ordered stream of typed messages.
package channel

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/cellsync/internal/rows"
	"github.com/MarcoPoloResearchLab/cellsync/internal/wire"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultReconnectDelay = 2 * time.Second
	defaultPingInterval   = 25 * time.Second
	defaultPongTimeout    = 60 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultBufferSize     = 64
)

var (
	errMissingURL    = errors.New("channel: url is required")
	errMissingResync = errors.New("channel: resync function is required")
)

// Kind discriminates channel messages.
type Kind int

const (
	// KindRowEvent carries a committed row event.
	KindRowEvent Kind = iota
	// KindPresence carries another collaborator's presence.
	KindPresence
	// KindPresenceLeave retracts a collaborator.
	KindPresenceLeave
	// KindResync carries the rows fetched after a connect.
	KindResync
	// KindConnected reports an established subscription.
	KindConnected
	// KindDisconnected reports a lost subscription.
	KindDisconnected
)

func (k Kind) String() string {
	switch k {
	case KindRowEvent:
		return "row_event"
	case KindPresence:
		return "presence"
	case KindPresenceLeave:
		return "presence_leave"
	case KindResync:
		return "resync"
	case KindConnected:
		return "connected"
	case KindDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Message is one item of the channel stream.
type Message struct {
	Kind     Kind
	Event    rows.Event
	Presence wire.Presence
	Rows     []rows.Row
	Err      error
}

// ResyncFunc lists rows changed at or after sinceSeconds.
type ResyncFunc func(ctx context.Context, sinceSeconds int64) ([]rows.Row, error)

// Config wires a Client.
type Config struct {
	URL            string
	Token          string
	Dialer         *websocket.Dialer
	Resync         ResyncFunc
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	// PongTimeout is how long the connection may stay silent before it is treated as lost.
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	BufferSize     int
	Logger         *zap.Logger
}

// Client is the realtime subscription. Delivery is not guaranteed across reconnects;
// every connect is followed by a resync from the last checkpoint.
type Client struct {
	url            string
	token          string
	dialer         *websocket.Dialer
	resync         ResyncFunc
	reconnectDelay time.Duration
	pingInterval   time.Duration
	pongTimeout    time.Duration
	writeTimeout   time.Duration
	logger         *zap.Logger

	messages   chan Message
	outbound   chan wire.Frame
	checkpoint atomic.Int64
	connected  atomic.Bool
}

// New validates cfg and returns an idle Client; call Run to connect.
func New(cfg Config) (*Client, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errMissingURL
	}
	if cfg.Resync == nil {
		return nil, errMissingResync
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = defaultReconnectDelay
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	pongTimeout := cfg.PongTimeout
	if pongTimeout <= 0 {
		pongTimeout = defaultPongTimeout
	}
	if pongTimeout <= pingInterval {
		pongTimeout = 2 * pingInterval
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:            url,
		token:          strings.TrimSpace(cfg.Token),
		dialer:         dialer,
		resync:         cfg.Resync,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		pongTimeout:    pongTimeout,
		writeTimeout:   writeTimeout,
		logger:         logger,
		messages:       make(chan Message, bufferSize),
		outbound:       make(chan wire.Frame, bufferSize),
	}, nil
}

// Messages is the ordered message stream. It is closed when Run returns.
func (c *Client) Messages() <-chan Message {
	return c.messages
}

// SetCheckpoint records the newest update time the consumer has merged.
func (c *Client) SetCheckpoint(sinceSeconds int64) {
	for {
		current := c.checkpoint.Load()
		if sinceSeconds <= current || c.checkpoint.CompareAndSwap(current, sinceSeconds) {
			return
		}
	}
}

// Connected reports whether the subscription is currently up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// PublishPresence queues a presence frame. It is dropped while disconnected or when the queue is full.
func (c *Client) PublishPresence(presence wire.Presence) bool {
	return c.publish(wire.PresenceFrame(presence))
}

// PublishLeave queues a retraction for userID.
func (c *Client) PublishLeave(userID string) bool {
	return c.publish(wire.LeaveFrame(userID))
}

func (c *Client) publish(frame wire.Frame) bool {
	if !c.connected.Load() {
		return false
	}
	select {
	case c.outbound <- frame:
		return true
	default:
		c.logger.Debug("realtime outbound queue full, frame dropped", zap.String("type", string(frame.Type)))
		return false
	}
}

// Run connects, serves and reconnects until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.messages)
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			c.logger.Info("realtime connect failed", zap.String("url", c.url), zap.Error(err))
			if !c.wait(ctx) {
				return nil
			}
			continue
		}

		c.connected.Store(true)
		c.emit(ctx, Message{Kind: KindConnected})
		c.resynchronize(ctx)
		err = c.serve(ctx, conn)
		c.connected.Store(false)
		c.emit(ctx, Message{Kind: KindDisconnected, Err: err})
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Info("realtime connection lost", zap.String("url", c.url), zap.Error(err))
		if !c.wait(ctx) {
			return nil
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, response, err := c.dialer.DialContext(ctx, c.url, header)
	if response != nil && response.Body != nil {
		response.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) resynchronize(ctx context.Context) {
	since := c.checkpoint.Load()
	listed, err := c.resync(ctx, since)
	if err != nil {
		c.logger.Warn("realtime resync failed", zap.Int64("since", since), zap.Error(err))
		c.emit(ctx, Message{Kind: KindResync, Err: err})
		return
	}
	c.emit(ctx, Message{Kind: KindResync, Rows: listed})
}

// serve pumps one connection until it fails or ctx is done.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	group, connCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		<-connCtx.Done()
		return conn.Close()
	})

	group.Go(func() error {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-connCtx.Done():
				return nil
			case frame := <-c.outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
				if err := conn.WriteJSON(frame); err != nil {
					return err
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
					return err
				}
			}
		}
	})

	group.Go(func() error {
		_ = conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
		})
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return err
			}
			_ = conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
			frame, err := wire.Decode(payload)
			if err != nil {
				c.logger.Debug("realtime frame ignored", zap.Error(err))
				continue
			}
			c.emit(connCtx, toMessage(frame))
		}
	})

	err := group.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Client) emit(ctx context.Context, message Message) {
	if message.Kind == KindRowEvent {
		c.SetCheckpoint(message.Event.Row.UpdatedAtSeconds)
	}
	select {
	case c.messages <- message:
	case <-ctx.Done():
	}
}

func (c *Client) wait(ctx context.Context) bool {
	timer := time.NewTimer(c.reconnectDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func toMessage(frame wire.Frame) Message {
	switch frame.Type {
	case wire.FrameTypeRow:
		return Message{Kind: KindRowEvent, Event: *frame.Event}
	case wire.FrameTypePresenceLeave:
		return Message{Kind: KindPresenceLeave, Presence: *frame.Presence}
	default:
		return Message{Kind: KindPresence, Presence: *frame.Presence}
	}
}
