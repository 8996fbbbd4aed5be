package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cellsync/internal/channel"
	"github.com/MarcoPoloResearchLab/cellsync/internal/gateway"
	"github.com/MarcoPoloResearchLab/cellsync/internal/ledger"
	"github.com/MarcoPoloResearchLab/cellsync/internal/rows"
	"github.com/MarcoPoloResearchLab/cellsync/internal/schema"
	"github.com/MarcoPoloResearchLab/cellsync/internal/view"
	"github.com/MarcoPoloResearchLab/cellsync/internal/wire"
)

type heldGateway struct {
	mu       sync.Mutex
	listed   []rows.Row
	listErr  error
	submits  []gateway.SubmitRequest
	release  chan gateway.Outcome
	fetchRow rows.Row
}

func (g *heldGateway) Submit(ctx context.Context, request gateway.SubmitRequest) gateway.Outcome {
	g.mu.Lock()
	g.submits = append(g.submits, request)
	g.mu.Unlock()
	select {
	case outcome := <-g.release:
		return outcome
	case <-ctx.Done():
		return gateway.Outcome{Kind: gateway.OutcomeNetworkError, Reason: ctx.Err().Error()}
	}
}

func (g *heldGateway) Fetch(context.Context, rows.TableID, rows.RowID) gateway.Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	return gateway.Outcome{Kind: gateway.OutcomeCommitted, Row: g.fetchRow.Clone(), HasRow: true}
}

func (g *heldGateway) List(context.Context, rows.TableID, int64) ([]rows.Row, error) {
	return g.listed, g.listErr
}

type fakeChannel struct {
	messages chan channel.Message

	mu          sync.Mutex
	presences   []wire.Presence
	leaves      []string
	checkpoints []int64
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{messages: make(chan channel.Message, 8)}
}

func (c *fakeChannel) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (c *fakeChannel) Messages() <-chan channel.Message {
	return c.messages
}

func (c *fakeChannel) SetCheckpoint(sinceSeconds int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpoints = append(c.checkpoints, sinceSeconds)
}

func (c *fakeChannel) PublishPresence(presence wire.Presence) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presences = append(c.presences, presence)
	return true
}

func (c *fakeChannel) PublishLeave(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaves = append(c.leaves, userID)
	return true
}

func testSchema(t *testing.T) *schema.Registry {
	t.Helper()
	registry, err := schema.NewRegistry(schema.Table{
		ID: "tasks",
		Fields: []schema.Field{
			{ID: "status", Type: schema.FieldTypeSingleSelect, AllowedValues: []string{"draft", "active"}},
			{ID: "name", Type: schema.FieldTypeText},
		},
	})
	if err != nil {
		t.Fatalf("unexpected schema error: %v", err)
	}
	return registry
}

func openTestSession(t *testing.T, store *heldGateway, feed *fakeChannel) *Session {
	t.Helper()
	opened, err := Open(context.Background(), Config{
		Table:         "tasks",
		UserID:        "u1",
		DisplayName:   "Ada",
		FlushInterval: 10 * time.Millisecond,
	}, Dependencies{Schema: testSchema(t), Gateway: store, Channel: feed})
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	t.Cleanup(func() { _ = opened.Close() })
	return opened
}

func waitForCell(t *testing.T, stream <-chan view.CellView, match func(view.CellView) bool) view.CellView {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cell, ok := <-stream:
			if !ok {
				t.Fatalf("stream closed before the expected cell")
			}
			if match(cell) {
				return cell
			}
		case <-deadline:
			t.Fatalf("timed out waiting for cell")
			return view.CellView{}
		}
	}
}

func eventually(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestEditFlowsThroughPendingToCommitted(t *testing.T) {
	store := &heldGateway{
		listed:  []rows.Row{{ID: "R1", Version: 3, Fields: rows.Fields{"status": "draft"}, UpdatedAtSeconds: 1700000000}},
		release: make(chan gateway.Outcome, 1),
	}
	feed := newFakeChannel()
	opened := openTestSession(t, store, feed)
	ctx := context.Background()

	stream, stop, err := opened.Watch(ctx, "R1", "status")
	if err != nil {
		t.Fatalf("unexpected watch error: %v", err)
	}
	defer stop()
	waitForCell(t, stream, func(cell view.CellView) bool { return cell.Value == "draft" })

	token, err := opened.Edit(ctx, "R1", "status", "active")
	if err != nil {
		t.Fatalf("unexpected edit error: %v", err)
	}
	waitForCell(t, stream, func(cell view.CellView) bool { return cell.Pending && cell.Value == "active" })

	store.release <- gateway.Outcome{
		Kind:   gateway.OutcomeCommitted,
		Row:    rows.Row{ID: "R1", Version: 4, Fields: rows.Fields{"status": "active"}, Token: string(token)},
		HasRow: true,
	}
	committed := waitForCell(t, stream, func(cell view.CellView) bool { return !cell.Pending && cell.Committed == "active" })
	if committed.Value != "active" || committed.Errored() {
		t.Fatalf("unexpected committed cell %+v", committed)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.submits) != 1 || store.submits[0].BaseVersion != 3 || store.submits[0].Token != string(token) {
		t.Fatalf("unexpected submits %+v", store.submits)
	}
}

func TestEditValidationIsSynchronous(t *testing.T) {
	store := &heldGateway{listed: []rows.Row{{ID: "R1", Version: 1, Fields: rows.Fields{"status": "draft"}}}}
	opened := openTestSession(t, store, newFakeChannel())

	_, err := opened.Edit(context.Background(), "R1", "status", "archived")
	if !errors.Is(err, ledger.ErrValidationRejected) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, ok, _ := opened.Pending(context.Background(), "R1", "status"); ok {
		t.Fatalf("expected no pending change")
	}
}

func TestChannelMessagesReachLedgerAndPresence(t *testing.T) {
	store := &heldGateway{listed: []rows.Row{{ID: "R1", Version: 1, Fields: rows.Fields{"name": "a"}, UpdatedAtSeconds: 1700000000}}}
	feed := newFakeChannel()
	opened := openTestSession(t, store, feed)
	ctx := context.Background()

	feed.messages <- channel.Message{Kind: channel.KindConnected}
	feed.messages <- channel.Message{Kind: channel.KindRowEvent, Event: rows.Event{
		Type: rows.EventTypeUpdate,
		Row:  rows.Row{ID: "R1", Version: 2, Fields: rows.Fields{"name": "b"}, UpdatedAtSeconds: 1700000050},
	}}
	feed.messages <- channel.Message{Kind: channel.KindPresence, Presence: wire.Presence{UserID: "u2", DisplayName: "Bea", RowID: "R1", FieldID: "name"}}

	eventually(t, func() bool {
		cell, err := opened.Cell(ctx, "R1", "name")
		return err == nil && cell.Value == "b" && len(cell.Viewers) == 1
	})
	if connected, _ := opened.Connected(ctx); !connected {
		t.Fatalf("expected session to track the connection")
	}

	feed.messages <- channel.Message{Kind: channel.KindPresenceLeave, Presence: wire.Presence{UserID: "u2"}}
	eventually(t, func() bool {
		viewers, err := opened.ActiveUsers(ctx, "R1", "name")
		return err == nil && len(viewers) == 0
	})

	feed.messages <- channel.Message{Kind: channel.KindResync, Rows: []rows.Row{
		{ID: "R2", Version: 1, Fields: rows.Fields{"name": "new"}, UpdatedAtSeconds: 1700000090},
	}}
	eventually(t, func() bool {
		listed, err := opened.Rows(ctx)
		return err == nil && len(listed) == 2
	})
	eventually(t, func() bool {
		feed.mu.Lock()
		defer feed.mu.Unlock()
		return len(feed.checkpoints) > 0 && feed.checkpoints[len(feed.checkpoints)-1] == 1700000090
	})
}

func TestFocusBroadcastsAndCloseRetracts(t *testing.T) {
	store := &heldGateway{listed: []rows.Row{{ID: "R1", Version: 1, Fields: rows.Fields{}}}}
	feed := newFakeChannel()
	opened := openTestSession(t, store, feed)
	ctx := context.Background()

	if err := opened.Focus(ctx, "R1", "name"); err != nil {
		t.Fatalf("unexpected focus error: %v", err)
	}
	viewers, err := opened.ActiveUsers(ctx, "R1", "name")
	if err != nil || len(viewers) != 1 || viewers[0].UserID != "u1" {
		t.Fatalf("expected the local user on the cell, got %+v (%v)", viewers, err)
	}

	if err := opened.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	feed.mu.Lock()
	if len(feed.presences) == 0 || feed.presences[0].UserID != "u1" {
		t.Fatalf("expected the join to be broadcast, got %+v", feed.presences)
	}
	if len(feed.leaves) != 1 || feed.leaves[0] != "u1" {
		t.Fatalf("expected a leave on close, got %+v", feed.leaves)
	}
	feed.mu.Unlock()

	if _, err := opened.Cell(ctx, "R1", "name"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestOpenFailsWhenInitialLoadFails(t *testing.T) {
	store := &heldGateway{listErr: errors.New("offline")}
	_, err := Open(context.Background(), Config{Table: "tasks", UserID: "u1"}, Dependencies{
		Schema:  testSchema(t),
		Gateway: store,
		Channel: newFakeChannel(),
	})
	if err == nil {
		t.Fatalf("expected initial load error")
	}
}

func TestOpenValidatesDependencies(t *testing.T) {
	registry := testSchema(t)
	cases := []struct {
		name string
		cfg  Config
		deps Dependencies
	}{
		{name: "gateway", cfg: Config{Table: "tasks", UserID: "u1"}, deps: Dependencies{Schema: registry, Channel: newFakeChannel()}},
		{name: "channel", cfg: Config{Table: "tasks", UserID: "u1"}, deps: Dependencies{Schema: registry, Gateway: &heldGateway{}}},
		{name: "user", cfg: Config{Table: "tasks"}, deps: Dependencies{Schema: registry, Gateway: &heldGateway{}, Channel: newFakeChannel()}},
		{name: "table", cfg: Config{Table: "missing", UserID: "u1"}, deps: Dependencies{Schema: registry, Gateway: &heldGateway{}, Channel: newFakeChannel()}},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := Open(context.Background(), testCase.cfg, testCase.deps); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
