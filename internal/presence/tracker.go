// Package presence tracks which collaborators are active and which cell each one focuses.
package presence

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cellsync/internal/rows"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultStaleTimeout is how long a record survives without a refresh.
	DefaultStaleTimeout = 60 * time.Second
	// DefaultThrottle is the minimum spacing between broadcasts of one user.
	DefaultThrottle = 150 * time.Millisecond
)

var (
	// ErrUnknownUser indicates an operation on a user that has not joined.
	ErrUnknownUser = errors.New("presence: unknown user")
	// ErrInvalidUser indicates an empty user identifier.
	ErrInvalidUser = errors.New("presence: invalid user")
)

// Record is one collaborator's presence. Empty RowID and FieldID mean present but unfocused.
type Record struct {
	UserID      string
	DisplayName string
	RowID       rows.RowID
	FieldID     rows.FieldID
	LastSeenAt  time.Time
}

// Focused reports whether the record points at a cell.
func (r Record) Focused() bool {
	return r.RowID != "" && r.FieldID != ""
}

// Focus returns the focused cell.
func (r Record) Focus() rows.CellKey {
	return rows.CellKey{RowID: r.RowID, FieldID: r.FieldID}
}

// Broadcaster sends the local users' presence to other collaborators.
type Broadcaster interface {
	Broadcast(record Record)
	Retract(userID string)
}

// Notifier is told which cells gained or lost viewers.
type Notifier interface {
	CellsChanged(keys ...rows.CellKey)
}

// Config wires a Tracker.
type Config struct {
	StaleTimeout time.Duration
	Throttle     time.Duration
	Clock        func() time.Time
	Broadcaster  Broadcaster
	Notifier     Notifier
	Logger       *zap.Logger
}

// Tracker is the sole writer of presence records for one table session.
// It is not safe for concurrent use.
type Tracker struct {
	staleTimeout time.Duration
	throttle     time.Duration
	clock        func() time.Time
	broadcaster  Broadcaster
	notifier     Notifier
	logger       *zap.Logger

	records  map[string]*Record
	local    map[string]*rate.Limiter
	names    map[string]string
	trailing map[string]Record
}

// NewTracker returns a Tracker with defaults applied.
func NewTracker(cfg Config) *Tracker {
	staleTimeout := cfg.StaleTimeout
	if staleTimeout <= 0 {
		staleTimeout = DefaultStaleTimeout
	}
	throttle := cfg.Throttle
	if throttle <= 0 {
		throttle = DefaultThrottle
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	broadcaster := cfg.Broadcaster
	if broadcaster == nil {
		broadcaster = noopBroadcaster{}
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		staleTimeout: staleTimeout,
		throttle:     throttle,
		clock:        clock,
		broadcaster:  broadcaster,
		notifier:     notifier,
		logger:       logger,
		records:      make(map[string]*Record),
		local:        make(map[string]*rate.Limiter),
		names:        make(map[string]string),
		trailing:     make(map[string]Record),
	}
}

// Join registers a local user and announces it.
func (t *Tracker) Join(userID, displayName string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidUser
	}
	record := &Record{UserID: userID, DisplayName: displayName, LastSeenAt: t.clock()}
	t.records[userID] = record
	t.local[userID] = rate.NewLimiter(rate.Every(t.throttle), 1)
	t.names[userID] = displayName
	t.broadcast(*record)
	return nil
}

// Leave removes a local user and retracts it. Leave is best effort; peers also expire it.
func (t *Tracker) Leave(userID string) {
	record, ok := t.records[userID]
	delete(t.records, userID)
	delete(t.local, userID)
	delete(t.names, userID)
	delete(t.trailing, userID)
	t.broadcaster.Retract(userID)
	if ok && record.Focused() {
		t.notifier.CellsChanged(record.Focus())
	}
}

// SetFocus moves a local user's focus. Empty rowID or fieldID clears it.
func (t *Tracker) SetFocus(userID string, rowID rows.RowID, fieldID rows.FieldID) error {
	record, err := t.localRecord(userID)
	if err != nil {
		return err
	}
	previous := *record
	if rowID == "" || fieldID == "" {
		rowID, fieldID = "", ""
	}
	record.RowID = rowID
	record.FieldID = fieldID
	record.LastSeenAt = t.clock()
	t.notifyMoved(previous, *record)
	t.broadcast(*record)
	return nil
}

// Heartbeat refreshes a local user's lastSeenAt without moving its focus.
func (t *Tracker) Heartbeat(userID string) error {
	record, err := t.localRecord(userID)
	if err != nil {
		return err
	}
	record.LastSeenAt = t.clock()
	t.broadcast(*record)
	return nil
}

// localRecord returns a joined user's record. A record purged after a stall longer than the
// stale timeout is re-created unfocused.
func (t *Tracker) localRecord(userID string) (*Record, error) {
	if t.local[userID] == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	record, ok := t.records[userID]
	if !ok {
		record = &Record{UserID: userID, DisplayName: t.names[userID]}
		t.records[userID] = record
		t.logger.Info("presence restored after expiry", zap.String("user_id", userID))
	}
	return record, nil
}

// Held reports how many throttled updates are waiting for Flush.
func (t *Tracker) Held() int {
	return len(t.trailing)
}

// Flush sends throttled updates whose limiter now allows it.
func (t *Tracker) Flush() {
	now := t.clock()
	for userID, record := range t.trailing {
		limiter := t.local[userID]
		if limiter == nil {
			delete(t.trailing, userID)
			continue
		}
		if limiter.AllowN(now, 1) {
			delete(t.trailing, userID)
			t.broadcaster.Broadcast(record)
		}
	}
}

// ApplyRemote ingests another collaborator's record. Staleness is measured from receipt.
func (t *Tracker) ApplyRemote(record Record) {
	if record.UserID == "" || t.local[record.UserID] != nil {
		return
	}
	record.LastSeenAt = t.clock()
	if record.RowID == "" || record.FieldID == "" {
		record.RowID, record.FieldID = "", ""
	}
	previous, existed := t.records[record.UserID]
	stored := record
	t.records[record.UserID] = &stored
	if existed {
		t.notifyMoved(*previous, stored)
	} else if stored.Focused() {
		t.notifier.CellsChanged(stored.Focus())
	}
}

// ApplyRemoteLeave drops another collaborator.
func (t *Tracker) ApplyRemoteLeave(userID string) {
	if t.local[userID] != nil {
		return
	}
	record, ok := t.records[userID]
	if !ok {
		return
	}
	delete(t.records, userID)
	if record.Focused() {
		t.notifier.CellsChanged(record.Focus())
	}
}

// ActiveUsersFor returns the non-stale records focused on the cell, ordered by display name.
func (t *Tracker) ActiveUsersFor(rowID rows.RowID, fieldID rows.FieldID) []Record {
	t.purge()
	matched := make([]Record, 0)
	for _, record := range t.records {
		if record.Focused() && record.RowID == rowID && record.FieldID == fieldID {
			matched = append(matched, *record)
		}
	}
	sortRecords(matched)
	return matched
}

// Active returns every non-stale record.
func (t *Tracker) Active() []Record {
	t.purge()
	result := make([]Record, 0, len(t.records))
	for _, record := range t.records {
		result = append(result, *record)
	}
	sortRecords(result)
	return result
}

// purge drops records older than the stale timeout.
func (t *Tracker) purge() {
	now := t.clock()
	for userID, record := range t.records {
		if now.Sub(record.LastSeenAt) <= t.staleTimeout {
			continue
		}
		delete(t.records, userID)
		t.logger.Debug("presence expired",
			zap.String("user_id", userID),
			zap.Time("last_seen_at", record.LastSeenAt))
		if record.Focused() {
			t.notifier.CellsChanged(record.Focus())
		}
	}
}

func (t *Tracker) broadcast(record Record) {
	limiter := t.local[record.UserID]
	if limiter == nil {
		return
	}
	if limiter.AllowN(t.clock(), 1) {
		delete(t.trailing, record.UserID)
		t.broadcaster.Broadcast(record)
		return
	}
	t.trailing[record.UserID] = record
}

func (t *Tracker) notifyMoved(previous, current Record) {
	if previous.Focus() == current.Focus() {
		if current.Focused() {
			t.notifier.CellsChanged(current.Focus())
		}
		return
	}
	keys := make([]rows.CellKey, 0, 2)
	if previous.Focused() {
		keys = append(keys, previous.Focus())
	}
	if current.Focused() {
		keys = append(keys, current.Focus())
	}
	if len(keys) > 0 {
		t.notifier.CellsChanged(keys...)
	}
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].DisplayName != records[j].DisplayName {
			return records[i].DisplayName < records[j].DisplayName
		}
		return records[i].UserID < records[j].UserID
	})
}

type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(Record) {}

func (noopBroadcaster) Retract(string) {}

type noopNotifier struct{}

func (noopNotifier) CellsChanged(...rows.CellKey) {}
