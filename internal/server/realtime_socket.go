package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/cellsync/internal/auth"
	"github.com/MarcoPoloResearchLab/cellsync/internal/wire"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	socketWriteTimeout = 10 * time.Second
	socketPongTimeout  = 60 * time.Second
	socketPingInterval = 25 * time.Second
	socketReadLimit    = 64 << 10
)

// errSubscriberDropped ends a connection whose subscriber fell too far behind to keep its stream.
var errSubscriberDropped = errors.New("realtime subscriber dropped")

var socketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// handleRealtime upgrades to a WebSocket that streams the table's row events and relays presence.
func (h *httpHandler) handleRealtime(c *gin.Context) {
	tableID, ok := h.tableParam(c)
	if !ok {
		return
	}
	if _, err := h.schema.Table(tableID.String()); err != nil {
		h.writeFailure(c, err)
		return
	}
	identity := auth.Identity{
		UserID:      c.GetString(userIDContextKey),
		DisplayName: c.GetString(displayNameContextKey),
	}

	conn, err := socketUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("realtime upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	displayName := identity.DisplayName
	if collaborator, err := h.collaborators.Touch(ctx, identity); err != nil {
		h.logger.Warn("collaborator touch failed", zap.String("user_id", identity.UserID), zap.Error(err))
	} else if collaborator.DisplayName != "" {
		displayName = collaborator.DisplayName
	}
	if displayName == "" {
		displayName = h.collaborators.DisplayName(ctx, identity.UserID)
	}

	subscriberID, stream, unsubscribe := h.realtime.Subscribe(ctx, tableID.String())
	defer unsubscribe()

	logger := h.logger.With(zap.String("table_id", tableID.String()), zap.String("user_id", identity.UserID), zap.Int64("subscriber", subscriberID))
	logger.Info("realtime subscriber connected")

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		<-groupCtx.Done()
		return conn.Close()
	})

	group.Go(func() error {
		ticker := time.NewTicker(socketPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case message, ok := <-stream:
				if !ok {
					if groupCtx.Err() != nil {
						return nil
					}
					closing := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber fell behind")
					_ = conn.WriteControl(websocket.CloseMessage, closing, time.Now().Add(socketWriteTimeout))
					return errSubscriberDropped
				}
				_ = conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
				if err := conn.WriteJSON(message.Frame); err != nil {
					return err
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(socketWriteTimeout)); err != nil {
					return err
				}
			}
		}
	})

	group.Go(func() error {
		conn.SetReadLimit(socketReadLimit)
		_ = conn.SetReadDeadline(time.Now().Add(socketPongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(socketPongTimeout))
		})
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return err
			}
			_ = conn.SetReadDeadline(time.Now().Add(socketPongTimeout))
			frame, err := wire.Decode(payload)
			if err != nil {
				logger.Debug("realtime frame ignored", zap.Error(err))
				continue
			}
			h.relayPresence(tableID.String(), subscriberID, identity.UserID, displayName, frame)
		}
	})

	err = group.Wait()
	h.realtime.Publish(RealtimeMessage{
		TableID: tableID.String(),
		Origin:  subscriberID,
		Frame:   wire.LeaveFrame(identity.UserID),
	})
	if errors.Is(err, errSubscriberDropped) {
		logger.Warn("realtime subscriber dropped after its buffer filled")
		return
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		logger.Info("realtime subscriber lost", zap.Error(err))
		return
	}
	logger.Info("realtime subscriber disconnected")
}

// relayPresence fans a client presence frame out to the other subscribers, stamped with the
// authenticated identity. Row frames from clients are ignored.
func (h *httpHandler) relayPresence(tableID string, origin int64, userID string, displayName string, frame wire.Frame) {
	switch frame.Type {
	case wire.FrameTypePresence:
		presence := *frame.Presence
		presence.UserID = userID
		presence.DisplayName = displayName
		presence.LastSeenAt = h.clock().UTC()
		h.realtime.Publish(RealtimeMessage{TableID: tableID, Origin: origin, Frame: wire.PresenceFrame(presence)})
	case wire.FrameTypePresenceLeave:
		h.realtime.Publish(RealtimeMessage{TableID: tableID, Origin: origin, Frame: wire.LeaveFrame(userID)})
	}
}
