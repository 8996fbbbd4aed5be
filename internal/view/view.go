// Package view composes ledger, cache and presence state into one read model per cell.
package view

import (
	"reflect"

	"github.com/MarcoPoloResearchLab/cellsync/internal/gateway"
	"github.com/MarcoPoloResearchLab/cellsync/internal/ledger"
	"github.com/MarcoPoloResearchLab/cellsync/internal/presence"
	"github.com/MarcoPoloResearchLab/cellsync/internal/rows"
)

// CellView is everything a renderer needs for one cell.
type CellView struct {
	RowID     rows.RowID
	FieldID   rows.FieldID
	Value     any
	Committed any
	Pending   bool
	Error     string
	ErrorKind gateway.OutcomeKind
	Viewers   []presence.Record
	Deleted   bool
}

// Errored reports whether the cell carries a failed edit.
func (c CellView) Errored() bool {
	return c.Error != ""
}

// Visible returns at most limit viewers and the number left out.
func (c CellView) Visible(limit int) ([]presence.Record, int) {
	if limit < 0 {
		limit = 0
	}
	if len(c.Viewers) <= limit {
		return c.Viewers, 0
	}
	return c.Viewers[:limit], len(c.Viewers) - limit
}

// LedgerSource is the part of the ledger the view reads.
type LedgerSource interface {
	DisplayValue(rowID rows.RowID, fieldID rows.FieldID) (any, bool)
	Pending(rowID rows.RowID, fieldID rows.FieldID) (ledger.PendingChange, bool)
	Row(rowID rows.RowID) (rows.Row, bool)
}

// PresenceSource is the part of the tracker the view reads.
type PresenceSource interface {
	ActiveUsersFor(rowID rows.RowID, fieldID rows.FieldID) []presence.Record
}

type watcher struct {
	stream chan CellView
	last   CellView
}

// View holds no cell state of its own; it recomputes from its sources and pushes
// the latest value to watchers. It is not safe for concurrent use.
type View struct {
	ledger   LedgerSource
	presence PresenceSource

	watchers  map[rows.CellKey]map[int64]*watcher
	nextID    int64
	dirty     map[rows.CellKey]struct{}
	dirtyRows map[rows.RowID]struct{}
}

// New returns a View over the given sources. Sources may be attached later with Attach.
func New(ledgerSource LedgerSource, presenceSource PresenceSource) *View {
	return &View{
		ledger:    ledgerSource,
		presence:  presenceSource,
		watchers:  make(map[rows.CellKey]map[int64]*watcher),
		dirty:     make(map[rows.CellKey]struct{}),
		dirtyRows: make(map[rows.RowID]struct{}),
	}
}

// Attach sets the sources once they exist.
func (v *View) Attach(ledgerSource LedgerSource, presenceSource PresenceSource) {
	v.ledger = ledgerSource
	v.presence = presenceSource
}

// Cell computes the current view of one cell.
func (v *View) Cell(rowID rows.RowID, fieldID rows.FieldID) CellView {
	cell := CellView{RowID: rowID, FieldID: fieldID, Viewers: []presence.Record{}}
	if v.ledger != nil {
		cell.Value, _ = v.ledger.DisplayValue(rowID, fieldID)
		if row, ok := v.ledger.Row(rowID); ok {
			cell.Committed, _ = row.Value(fieldID)
			cell.Deleted = row.Deleted
		}
		if change, ok := v.ledger.Pending(rowID, fieldID); ok {
			switch change.Status {
			case ledger.StatusPending:
				cell.Pending = true
			case ledger.StatusErrored:
				cell.Error = change.ErrorMessage
				cell.ErrorKind = change.ErrorKind
			}
		}
	}
	if v.presence != nil {
		cell.Viewers = v.presence.ActiveUsersFor(rowID, fieldID)
	}
	return cell
}

// Watch streams the cell. The channel holds only the latest value and never blocks the producer.
// The returned function stops the stream and closes the channel.
func (v *View) Watch(rowID rows.RowID, fieldID rows.FieldID) (<-chan CellView, func()) {
	key := rows.CellKey{RowID: rowID, FieldID: fieldID}
	v.nextID++
	id := v.nextID
	entry := &watcher{stream: make(chan CellView, 1)}
	if v.watchers[key] == nil {
		v.watchers[key] = make(map[int64]*watcher)
	}
	v.watchers[key][id] = entry
	entry.last = v.Cell(rowID, fieldID)
	entry.stream <- entry.last

	cancel := func() {
		registered := v.watchers[key]
		if registered == nil || registered[id] == nil {
			return
		}
		delete(registered, id)
		if len(registered) == 0 {
			delete(v.watchers, key)
		}
		close(entry.stream)
	}
	return entry.stream, cancel
}

// WatcherCount reports the number of open watches.
func (v *View) WatcherCount() int {
	count := 0
	for _, registered := range v.watchers {
		count += len(registered)
	}
	return count
}

// Close ends every open watch.
func (v *View) Close() {
	for key, registered := range v.watchers {
		for id, entry := range registered {
			delete(registered, id)
			close(entry.stream)
		}
		delete(v.watchers, key)
	}
}

// CellsChanged marks cells for recomputation on the next Flush.
func (v *View) CellsChanged(keys ...rows.CellKey) {
	for _, key := range keys {
		v.dirty[key] = struct{}{}
	}
}

// RowChanged marks every watched cell of the row for recomputation.
func (v *View) RowChanged(rowID rows.RowID) {
	v.dirtyRows[rowID] = struct{}{}
}

// Flush recomputes marked cells and delivers those that changed to their watchers.
func (v *View) Flush() {
	if len(v.dirty) == 0 && len(v.dirtyRows) == 0 {
		return
	}
	dirty := v.dirty
	dirtyRows := v.dirtyRows
	v.dirty = make(map[rows.CellKey]struct{})
	v.dirtyRows = make(map[rows.RowID]struct{})

	for key, registered := range v.watchers {
		_, cellDirty := dirty[key]
		_, rowDirty := dirtyRows[key.RowID]
		if !cellDirty && !rowDirty {
			continue
		}
		cell := v.Cell(key.RowID, key.FieldID)
		for _, entry := range registered {
			if reflect.DeepEqual(entry.last, cell) {
				continue
			}
			entry.last = cell
			deliverLatest(entry.stream, cell)
		}
	}
}

func deliverLatest(stream chan CellView, cell CellView) {
	select {
	case stream <- cell:
		return
	default:
	}
	select {
	case <-stream:
	default:
	}
	select {
	case stream <- cell:
	default:
	}
}
