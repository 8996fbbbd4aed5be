package view

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cellsync/internal/gateway"
	"github.com/MarcoPoloResearchLab/cellsync/internal/ledger"
	"github.com/MarcoPoloResearchLab/cellsync/internal/presence"
	"github.com/MarcoPoloResearchLab/cellsync/internal/rows"
	"github.com/MarcoPoloResearchLab/cellsync/internal/schema"
)

type nullDispatcher struct {
	submits []gateway.SubmitRequest
}

func (d *nullDispatcher) Submit(request gateway.SubmitRequest) {
	d.submits = append(d.submits, request)
}

func (d *nullDispatcher) Refetch(ledger.RefetchRequest) {}

type viewFixture struct {
	view       *View
	ledger     *ledger.Ledger
	tracker    *presence.Tracker
	dispatcher *nullDispatcher
	now        *time.Time
}

func newViewFixture(t *testing.T) viewFixture {
	t.Helper()
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }
	readModel := New(nil, nil)
	dispatcher := &nullDispatcher{}
	cellLedger, err := ledger.New(ledger.Config{
		Table: schema.Table{ID: "tasks", Fields: []schema.Field{
			{ID: "status", Type: schema.FieldTypeSingleSelect, AllowedValues: []string{"draft", "active"}},
		}},
		Dispatcher: dispatcher,
		Notifier:   readModel,
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("unexpected ledger error: %v", err)
	}
	tracker := presence.NewTracker(presence.Config{Clock: clock, Notifier: readModel})
	readModel.Attach(cellLedger, tracker)
	cellLedger.Rebaseline([]rows.Row{{ID: "R1", Version: 3, Fields: rows.Fields{"status": "draft"}}})
	readModel.Flush()
	return viewFixture{view: readModel, ledger: cellLedger, tracker: tracker, dispatcher: dispatcher, now: &now}
}

func receive(t *testing.T, stream <-chan CellView) CellView {
	t.Helper()
	select {
	case cell := <-stream:
		return cell
	default:
		t.Fatalf("expected a cell update")
		return CellView{}
	}
}

func expectQuiet(t *testing.T, stream <-chan CellView) {
	t.Helper()
	select {
	case cell := <-stream:
		t.Fatalf("unexpected cell update %+v", cell)
	default:
	}
}

func TestCellComposesPendingCommittedAndViewers(t *testing.T) {
	fixture := newViewFixture(t)
	if _, err := fixture.ledger.Apply("R1", "status", "active"); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	fixture.tracker.ApplyRemote(presence.Record{UserID: "u2", DisplayName: "Bea", RowID: "R1", FieldID: "status"})

	cell := fixture.view.Cell("R1", "status")
	if cell.Value != "active" || cell.Committed != "draft" || !cell.Pending || cell.Errored() {
		t.Fatalf("unexpected cell %+v", cell)
	}
	if len(cell.Viewers) != 1 || cell.Viewers[0].UserID != "u2" {
		t.Fatalf("unexpected viewers %+v", cell.Viewers)
	}
}

func TestErroredCellShowsAttemptedValueAndMessage(t *testing.T) {
	fixture := newViewFixture(t)
	token, _ := fixture.ledger.Apply("R1", "status", "active")
	fixture.ledger.OnGatewayResult(token, gateway.Outcome{Kind: gateway.OutcomeUnauthorized})

	cell := fixture.view.Cell("R1", "status")
	if cell.Value != "active" || cell.Pending || cell.ErrorKind != gateway.OutcomeUnauthorized || cell.Error == "" {
		t.Fatalf("unexpected errored cell %+v", cell)
	}
}

func TestWatchDeliversLatestValueOnly(t *testing.T) {
	fixture := newViewFixture(t)
	stream, cancel := fixture.view.Watch("R1", "status")
	defer cancel()

	if initial := receive(t, stream); initial.Value != "draft" {
		t.Fatalf("unexpected initial cell %+v", initial)
	}

	token, _ := fixture.ledger.Apply("R1", "status", "active")
	fixture.view.Flush()
	fixture.ledger.OnGatewayResult(token, gateway.Outcome{
		Kind:   gateway.OutcomeCommitted,
		Row:    rows.Row{ID: "R1", Version: 4, Fields: rows.Fields{"status": "active"}, Token: string(token)},
		HasRow: true,
	})
	fixture.view.Flush()

	latest := receive(t, stream)
	if latest.Value != "active" || latest.Pending || latest.Committed != "active" {
		t.Fatalf("expected the committed cell, got %+v", latest)
	}
	expectQuiet(t, stream)
}

func TestWatchSkipsUnchangedCells(t *testing.T) {
	fixture := newViewFixture(t)
	stream, cancel := fixture.view.Watch("R1", "status")
	defer cancel()
	receive(t, stream)

	fixture.ledger.OnRemoteCommit(rows.Event{Type: rows.EventTypeUpdate, Row: rows.Row{ID: "R1", Version: 5, Fields: rows.Fields{"status": "draft", "other": "x"}}})
	fixture.view.Flush()
	expectQuiet(t, stream)
}

func TestWatchReportsPresenceExpiry(t *testing.T) {
	fixture := newViewFixture(t)
	fixture.tracker.ApplyRemote(presence.Record{UserID: "u2", DisplayName: "Bea", RowID: "R1", FieldID: "status"})
	fixture.view.Flush()

	stream, cancel := fixture.view.Watch("R1", "status")
	defer cancel()
	if initial := receive(t, stream); len(initial.Viewers) != 1 {
		t.Fatalf("expected one viewer, got %+v", initial.Viewers)
	}

	*fixture.now = fixture.now.Add(presence.DefaultStaleTimeout + time.Second)
	fixture.tracker.Active()
	fixture.view.Flush()
	if updated := receive(t, stream); len(updated.Viewers) != 0 {
		t.Fatalf("expected viewer to expire, got %+v", updated.Viewers)
	}
}

func TestCancelClosesStream(t *testing.T) {
	fixture := newViewFixture(t)
	stream, cancel := fixture.view.Watch("R1", "status")
	receive(t, stream)
	cancel()
	cancel()
	if _, open := <-stream; open {
		t.Fatalf("expected closed stream")
	}
	if fixture.view.WatcherCount() != 0 {
		t.Fatalf("expected no watchers")
	}
}

func TestVisibleCapsViewers(t *testing.T) {
	cell := CellView{Viewers: []presence.Record{{UserID: "a"}, {UserID: "b"}, {UserID: "c"}}}
	shown, overflow := cell.Visible(2)
	if len(shown) != 2 || overflow != 1 {
		t.Fatalf("want 2 shown and 1 overflow, got %d and %d", len(shown), overflow)
	}
	shown, overflow = cell.Visible(5)
	if len(shown) != 3 || overflow != 0 {
		t.Fatalf("want all shown, got %d and %d", len(shown), overflow)
	}
}
