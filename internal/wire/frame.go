// Package wire defines the JSON frames exchanged over the realtime socket.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/cellsync/internal/rows"
)

// FrameType discriminates realtime frames.
type FrameType string

const (
	// FrameTypeRow carries a committed row event from the store.
	FrameTypeRow FrameType = "row"
	// FrameTypePresence carries a focus or heartbeat update.
	FrameTypePresence FrameType = "presence"
	// FrameTypePresenceLeave retracts a collaborator.
	FrameTypePresenceLeave FrameType = "presence_leave"
)

var errUnknownFrame = errors.New("wire: unknown frame type")

// Presence is the fan-out shape of a presence record. Empty RowID/FieldID means present but unfocused.
type Presence struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName,omitempty"`
	RowID       string    `json:"rowId,omitempty"`
	FieldID     string    `json:"fieldId,omitempty"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

// Frame is one message on the realtime socket.
type Frame struct {
	Type     FrameType   `json:"type"`
	Event    *rows.Event `json:"event,omitempty"`
	Presence *Presence   `json:"presence,omitempty"`
}

// RowFrame wraps a committed event.
func RowFrame(event rows.Event) Frame {
	return Frame{Type: FrameTypeRow, Event: &event}
}

// PresenceFrame wraps a presence update.
func PresenceFrame(presence Presence) Frame {
	return Frame{Type: FrameTypePresence, Presence: &presence}
}

// LeaveFrame announces that userID left.
func LeaveFrame(userID string) Frame {
	return Frame{Type: FrameTypePresenceLeave, Presence: &Presence{UserID: userID}}
}

// Decode parses and checks a frame.
func Decode(payload []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return Frame{}, err
	}
	switch frame.Type {
	case FrameTypeRow:
		if frame.Event == nil {
			return Frame{}, fmt.Errorf("%w: row frame without event", errUnknownFrame)
		}
		frame.Event.Row.Fields = rows.NormalizeFields(frame.Event.Row.Fields)
	case FrameTypePresence, FrameTypePresenceLeave:
		if frame.Presence == nil || frame.Presence.UserID == "" {
			return Frame{}, fmt.Errorf("%w: presence frame without user", errUnknownFrame)
		}
	default:
		return Frame{}, fmt.Errorf("%w: %q", errUnknownFrame, frame.Type)
	}
	return frame, nil
}
