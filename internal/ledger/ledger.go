// Package ledger holds the optimistic local edits of one table session.
//
// The ledger keeps at most one PendingChange per cell. A newer edit replaces
// the older one and takes a fresh token, so results carrying a superseded
// token are dropped. A Ledger is not safe for concurrent use; the session
// drives it from a single goroutine.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/cellsync/internal/gateway"
	"github.com/MarcoPoloResearchLab/cellsync/internal/rows"
	"github.com/MarcoPoloResearchLab/cellsync/internal/schema"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxConflictReapplies = 1

var (
	// ErrValidationRejected marks edits refused before any PendingChange exists.
	ErrValidationRejected = errors.New("ledger: validation rejected")
	// ErrUnknownRow indicates that the edited row is not in the cache.
	ErrUnknownRow = errors.New("ledger: unknown row")
	// ErrRowDeleted indicates that the edited row has been soft-removed.
	ErrRowDeleted = errors.New("ledger: row deleted")

	errMissingDispatcher = errors.New("ledger: dispatcher is required")
	errMissingTable      = errors.New("ledger: table id is required")
)

// Token identifies one PendingChange and the write it causes.
type Token string

// NewToken returns a random UUIDv4 token.
func NewToken() Token {
	return Token(uuid.NewString())
}

// Status is the lifecycle state of a PendingChange.
type Status int

const (
	// StatusPending means the write is in flight.
	StatusPending Status = iota
	// StatusCommitted means the store accepted the write; the entry is retired.
	StatusCommitted
	// StatusErrored means the write failed and awaits re-edit or discard.
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCommitted:
		return "committed"
	case StatusErrored:
		return "errored"
	default:
		return "unknown"
	}
}

type stage int

const (
	stageSubmitting stage = iota
	stageRefetching
	stageSettled
)

// PendingChange is the local edit of one cell.
type PendingChange struct {
	RowID        rows.RowID
	FieldID      rows.FieldID
	Value        any
	BaseVersion  rows.Version
	Status       Status
	ErrorMessage string
	ErrorKind    gateway.OutcomeKind
	SubmittedAt  time.Time
	Token        Token
	// Attempts counts automatic conflict reapplies.
	Attempts int

	stage stage
}

// Key returns the cell the change belongs to.
func (p PendingChange) Key() rows.CellKey {
	return rows.CellKey{RowID: p.RowID, FieldID: p.FieldID}
}

func (p PendingChange) snapshot() PendingChange {
	copied := p
	copied.Value = rows.CloneValue(p.Value)
	return copied
}

// RefetchRequest asks for the authoritative row after a conflict.
type RefetchRequest struct {
	Table rows.TableID
	RowID rows.RowID
	Token Token
}

// Dispatcher performs the ledger's network calls asynchronously and reports back through
// OnGatewayResult and OnRefetchResult.
type Dispatcher interface {
	Submit(request gateway.SubmitRequest)
	Refetch(request RefetchRequest)
}

// Notifier is told which cells changed so the read model can recompute them.
type Notifier interface {
	CellsChanged(keys ...rows.CellKey)
	RowChanged(rowID rows.RowID)
}

// Config wires a Ledger.
type Config struct {
	Table      schema.Table
	Dispatcher Dispatcher
	Notifier   Notifier
	Clock      func() time.Time
	NewToken   func() Token
	Logger     *zap.Logger
}

// Ledger is the optimistic mutation ledger plus the row cache it reconciles against.
type Ledger struct {
	table      schema.Table
	tableID    rows.TableID
	dispatcher Dispatcher
	notifier   Notifier
	clock      func() time.Time
	newToken   func() Token
	logger     *zap.Logger

	cache   *Cache
	entries map[rows.CellKey]*PendingChange
	tokens  map[Token]rows.CellKey
}

// New validates cfg and returns an empty Ledger.
func New(cfg Config) (*Ledger, error) {
	if cfg.Table.ID == "" {
		return nil, errMissingTable
	}
	if cfg.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	tokenSource := cfg.NewToken
	if tokenSource == nil {
		tokenSource = NewToken
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		table:      cfg.Table,
		tableID:    rows.TableID(cfg.Table.ID),
		dispatcher: cfg.Dispatcher,
		notifier:   notifier,
		clock:      clock,
		newToken:   tokenSource,
		logger:     logger,
		cache:      NewCache(),
		entries:    make(map[rows.CellKey]*PendingChange),
		tokens:     make(map[Token]rows.CellKey),
	}, nil
}

// Apply coerces raw for the field, records it as the cell's PendingChange and submits it
// with the cached row version as the precondition.
func (l *Ledger) Apply(rowID rows.RowID, fieldID rows.FieldID, raw any) (Token, error) {
	field, ok := l.table.Field(fieldID.String())
	if !ok {
		return "", fmt.Errorf("%w: %w: %s.%s", ErrValidationRejected, schema.ErrUnknownField, l.table.ID, fieldID)
	}
	row, ok := l.cache.Get(rowID)
	if !ok {
		return "", fmt.Errorf("%w: %w: %s", ErrValidationRejected, ErrUnknownRow, rowID)
	}
	if row.Deleted {
		return "", fmt.Errorf("%w: %w: %s", ErrValidationRejected, ErrRowDeleted, rowID)
	}
	value, err := field.Coerce(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrValidationRejected, err)
	}

	key := rows.CellKey{RowID: rowID, FieldID: fieldID}
	if previous, exists := l.entries[key]; exists {
		delete(l.tokens, previous.Token)
		l.logger.Debug("pending change superseded",
			zap.String("cell", key.String()),
			zap.String("token", string(previous.Token)))
	}

	token := l.newToken()
	entry := &PendingChange{
		RowID:       rowID,
		FieldID:     fieldID,
		Value:       value,
		BaseVersion: row.Version,
		Status:      StatusPending,
		SubmittedAt: l.clock(),
		Token:       token,
		stage:       stageSubmitting,
	}
	l.entries[key] = entry
	l.tokens[token] = key
	l.notifier.CellsChanged(key)
	l.submit(entry)
	return token, nil
}

// OnGatewayResult settles the write identified by token. It reports false when the
// token was superseded and the outcome was dropped.
func (l *Ledger) OnGatewayResult(token Token, outcome gateway.Outcome) (PendingChange, bool) {
	entry, ok := l.live(token, stageSubmitting)
	if !ok {
		l.logger.Debug("stale gateway result dropped",
			zap.String("token", string(token)),
			zap.String("kind", string(outcome.Kind)))
		if outcome.Committed() && outcome.HasRow {
			l.absorb(outcome.Row)
		}
		return PendingChange{}, false
	}

	switch outcome.Kind {
	case gateway.OutcomeCommitted:
		if outcome.HasRow {
			l.absorb(outcome.Row)
		}
		if entry.stage == stageSettled {
			return entry.snapshot(), true
		}
		return l.retire(entry), true
	case gateway.OutcomeConflict:
		if entry.Attempts >= maxConflictReapplies {
			l.fail(entry, outcome.Kind, outcome.Message())
			return entry.snapshot(), true
		}
		entry.Attempts++
		entry.stage = stageRefetching
		l.dispatcher.Refetch(RefetchRequest{Table: l.tableID, RowID: entry.RowID, Token: entry.Token})
		return entry.snapshot(), true
	default:
		l.fail(entry, outcome.Kind, outcome.Message())
		return entry.snapshot(), true
	}
}

// OnRefetchResult completes the conflict path: it merges the authoritative row and
// resubmits the same value with the fresh version.
func (l *Ledger) OnRefetchResult(token Token, outcome gateway.Outcome) (PendingChange, bool) {
	entry, ok := l.live(token, stageRefetching)
	if !ok {
		if outcome.Committed() && outcome.HasRow {
			l.absorb(outcome.Row)
		}
		return PendingChange{}, false
	}
	if !outcome.Committed() || !outcome.HasRow {
		l.fail(entry, outcome.Kind, outcome.Message())
		return entry.snapshot(), true
	}
	if outcome.Row.ID != entry.RowID {
		l.fail(entry, gateway.OutcomeUnknown, fmt.Sprintf("refetch returned row %s", outcome.Row.ID))
		return entry.snapshot(), true
	}

	l.absorb(outcome.Row)
	if entry.stage == stageSettled {
		return entry.snapshot(), true
	}
	current, ok := l.cache.Get(entry.RowID)
	if !ok {
		l.fail(entry, gateway.OutcomeUnknown, ErrUnknownRow.Error())
		return entry.snapshot(), true
	}
	if current.Deleted {
		l.fail(entry, gateway.OutcomeConflict, "conflict: row deleted")
		return entry.snapshot(), true
	}
	if stored, exists := current.Value(entry.FieldID); exists && rows.ValuesEqual(stored, entry.Value) {
		return l.retire(entry), true
	}

	if stored, exists := current.Value(entry.FieldID); exists {
		l.logger.Info("reapplying local value over concurrent edit",
			zap.String("cell", entry.Key().String()),
			zap.Int64("base_version", entry.BaseVersion.Int64()),
			zap.Int64("current_version", current.Version.Int64()),
			zap.Any("overwritten", stored))
	}
	entry.BaseVersion = current.Version
	entry.stage = stageSubmitting
	l.submit(entry)
	return entry.snapshot(), true
}

// OnRemoteCommit ingests a committed event from the realtime feed. It retires the
// matching PendingChange when the event is the echo of this client's write and merges
// the row under the version rule. It reports whether the cache changed.
func (l *Ledger) OnRemoteCommit(event rows.Event) bool {
	row := event.Row
	if event.Type == rows.EventTypeDelete {
		row.Deleted = true
	}
	return l.absorb(row)
}

// Rebaseline merges a resync listing and reports the rows that changed.
func (l *Ledger) Rebaseline(listed []rows.Row) []rows.RowID {
	changed := make([]rows.RowID, 0)
	for _, row := range listed {
		if l.absorb(row) {
			changed = append(changed, row.ID)
		}
	}
	return changed
}

// DisplayValue returns the attempted value while a PendingChange exists (pending or
// errored) and the cached committed value otherwise.
func (l *Ledger) DisplayValue(rowID rows.RowID, fieldID rows.FieldID) (any, bool) {
	if entry, ok := l.entries[rows.CellKey{RowID: rowID, FieldID: fieldID}]; ok {
		return entry.snapshot().Value, true
	}
	row, ok := l.cache.Get(rowID)
	if !ok {
		return nil, false
	}
	return row.Value(fieldID)
}

// Pending returns a copy of the cell's PendingChange.
func (l *Ledger) Pending(rowID rows.RowID, fieldID rows.FieldID) (PendingChange, bool) {
	entry, ok := l.entries[rows.CellKey{RowID: rowID, FieldID: fieldID}]
	if !ok {
		return PendingChange{}, false
	}
	return entry.snapshot(), true
}

// PendingCount reports the number of live entries.
func (l *Ledger) PendingCount() int {
	return len(l.entries)
}

// Discard removes an errored entry so the committed value shows again.
func (l *Ledger) Discard(rowID rows.RowID, fieldID rows.FieldID) bool {
	key := rows.CellKey{RowID: rowID, FieldID: fieldID}
	entry, ok := l.entries[key]
	if !ok || entry.Status != StatusErrored {
		return false
	}
	l.remove(entry)
	l.notifier.CellsChanged(key)
	return true
}

// Row returns the cached committed row.
func (l *Ledger) Row(rowID rows.RowID) (rows.Row, bool) {
	return l.cache.Get(rowID)
}

// Rows lists every cached row.
func (l *Ledger) Rows() []rows.Row {
	return l.cache.Rows()
}

// Checkpoint is the newest update time merged into the cache.
func (l *Ledger) Checkpoint() int64 {
	return l.cache.Checkpoint()
}

// absorb retires echoed entries and merges row into the cache.
func (l *Ledger) absorb(row rows.Row) bool {
	for _, entry := range l.rowEntries(row.ID) {
		if entry.Status != StatusPending || row.Token == "" || Token(row.Token) != entry.Token {
			continue
		}
		if stored, exists := row.Value(entry.FieldID); exists && rows.ValuesEqual(stored, entry.Value) {
			l.logger.Debug("echo retired pending change",
				zap.String("cell", entry.Key().String()),
				zap.Int64("version", row.Version.Int64()))
			l.retire(entry)
		}
	}

	if !l.cache.Merge(row) {
		return false
	}
	if row.Deleted {
		for _, entry := range l.rowEntries(row.ID) {
			if entry.Status == StatusPending {
				l.fail(entry, gateway.OutcomeConflict, "conflict: row deleted")
			}
		}
	}
	l.notifier.RowChanged(row.ID)
	return true
}

func (l *Ledger) submit(entry *PendingChange) {
	l.dispatcher.Submit(gateway.SubmitRequest{
		Table:       l.tableID,
		RowID:       entry.RowID,
		FieldID:     entry.FieldID,
		Value:       entry.snapshot().Value,
		BaseVersion: entry.BaseVersion,
		Token:       string(entry.Token),
	})
}

func (l *Ledger) live(token Token, expected stage) (*PendingChange, bool) {
	key, ok := l.tokens[token]
	if !ok {
		return nil, false
	}
	entry := l.entries[key]
	if entry == nil || entry.Token != token || entry.Status != StatusPending || entry.stage != expected {
		return nil, false
	}
	return entry, true
}

func (l *Ledger) retire(entry *PendingChange) PendingChange {
	l.remove(entry)
	entry.Status = StatusCommitted
	entry.stage = stageSettled
	l.notifier.CellsChanged(entry.Key())
	return entry.snapshot()
}

func (l *Ledger) fail(entry *PendingChange, kind gateway.OutcomeKind, message string) {
	entry.Status = StatusErrored
	entry.ErrorKind = kind
	entry.ErrorMessage = message
	entry.stage = stageSettled
	delete(l.tokens, entry.Token)
	l.logger.Info("pending change errored",
		zap.String("cell", entry.Key().String()),
		zap.String("kind", string(kind)),
		zap.String("message", message))
	l.notifier.CellsChanged(entry.Key())
}

func (l *Ledger) remove(entry *PendingChange) {
	key := entry.Key()
	if current, ok := l.entries[key]; ok && current == entry {
		delete(l.entries, key)
	}
	delete(l.tokens, entry.Token)
}

func (l *Ledger) rowEntries(rowID rows.RowID) []*PendingChange {
	matched := make([]*PendingChange, 0)
	for key, entry := range l.entries {
		if key.RowID == rowID {
			matched = append(matched, entry)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].FieldID < matched[j].FieldID
	})
	return matched
}

type noopNotifier struct{}

func (noopNotifier) CellsChanged(...rows.CellKey) {}

func (noopNotifier) RowChanged(rows.RowID) {}
