package session

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cellsync/internal/auth"
	"github.com/MarcoPoloResearchLab/cellsync/internal/channel"
	"github.com/MarcoPoloResearchLab/cellsync/internal/database"
	"github.com/MarcoPoloResearchLab/cellsync/internal/gateway"
	"github.com/MarcoPoloResearchLab/cellsync/internal/rows"
	"github.com/MarcoPoloResearchLab/cellsync/internal/server"
	"github.com/MarcoPoloResearchLab/cellsync/internal/users"
	"github.com/MarcoPoloResearchLab/cellsync/internal/view"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type liveStore struct {
	url    string
	issuer *auth.TokenIssuer
	rows   *rows.Service
}

func newLiveStore(t *testing.T) *liveStore {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	registry := testSchema(t)
	rowsService, err := rows.NewService(rows.ServiceConfig{Database: db, Schema: registry})
	if err != nil {
		t.Fatalf("failed to build rows service: %v", err)
	}
	directory, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build collaborator directory: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("roundtrip-secret"),
		Issuer:        "cellsync",
		Audience:      "cellsync-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: issuer,
		RowsService:    rowsService,
		Schema:         registry,
		Collaborators:  directory,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	httpServer := httptest.NewServer(handler)
	t.Cleanup(httpServer.Close)
	return &liveStore{url: httpServer.URL, issuer: issuer, rows: rowsService}
}

func (l *liveStore) open(t *testing.T, userID, displayName string) *Session {
	t.Helper()
	token, _, err := l.issuer.IssueToken(context.Background(), auth.Identity{UserID: userID, DisplayName: displayName})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	store, err := gateway.NewHTTPStore(l.url, token, nil)
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	registry, err := store.Schema(context.Background(), "tasks")
	if err != nil {
		t.Fatalf("failed to load schema: %v", err)
	}
	writes, err := gateway.New(gateway.Config{Store: store})
	if err != nil {
		t.Fatalf("failed to build gateway: %v", err)
	}
	realtime, err := channel.New(channel.Config{
		URL:   "ws" + strings.TrimPrefix(l.url, "http") + "/tables/tasks/realtime",
		Token: token,
		Resync: func(ctx context.Context, sinceSeconds int64) ([]rows.Row, error) {
			return writes.List(ctx, "tasks", sinceSeconds)
		},
		ReconnectDelay: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build channel: %v", err)
	}
	opened, err := Open(context.Background(), Config{
		Table:         "tasks",
		UserID:        userID,
		DisplayName:   displayName,
		FlushInterval: 10 * time.Millisecond,
		Throttle:      10 * time.Millisecond,
	}, Dependencies{Schema: registry, Gateway: writes, Channel: realtime})
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	t.Cleanup(func() { _ = opened.Close() })
	eventually(t, func() bool {
		connected, err := opened.Connected(context.Background())
		return err == nil && connected
	})
	return opened
}

func TestRoundTripEditReachesPeer(t *testing.T) {
	live := newLiveStore(t)
	if _, err := live.rows.InsertRow(context.Background(), rows.InsertRequest{TableID: "tasks", RowID: "R1", Fields: rows.Fields{"status": "draft"}}); err != nil {
		t.Fatalf("failed to seed row: %v", err)
	}
	writer := live.open(t, "u1", "Ada")
	reader := live.open(t, "u2", "Grace")
	ctx := context.Background()

	peerStream, stopPeer, err := reader.Watch(ctx, "R1", "status")
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	defer stopPeer()
	ownStream, stopOwn, err := writer.Watch(ctx, "R1", "status")
	if err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	defer stopOwn()

	if _, err := writer.Edit(ctx, "R1", "status", "active"); err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	waitForCell(t, ownStream, func(cell view.CellView) bool {
		return !cell.Pending && cell.Committed == "active"
	})
	waitForCell(t, peerStream, func(cell view.CellView) bool {
		return cell.Value == "active" && !cell.Pending
	})
	if _, ok, _ := writer.Pending(ctx, "R1", "status"); ok {
		t.Fatalf("echo of the writer's own commit must retire the pending change")
	}
}

func TestRoundTripConcurrentFieldEditsBothLand(t *testing.T) {
	live := newLiveStore(t)
	if _, err := live.rows.InsertRow(context.Background(), rows.InsertRequest{TableID: "tasks", RowID: "R1", Fields: rows.Fields{"status": "draft", "name": "a"}}); err != nil {
		t.Fatalf("failed to seed row: %v", err)
	}
	first := live.open(t, "u1", "Ada")
	second := live.open(t, "u2", "Grace")
	ctx := context.Background()

	if _, err := first.Edit(ctx, "R1", "name", "renamed"); err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	if _, err := second.Edit(ctx, "R1", "status", "active"); err != nil {
		t.Fatalf("edit failed: %v", err)
	}

	settled := func(s *Session) func() bool {
		return func() bool {
			listed, err := s.Rows(ctx)
			if err != nil || len(listed) != 1 {
				return false
			}
			row := listed[0]
			return row.Version == 3 && row.Fields["name"] == "renamed" && row.Fields["status"] == "active"
		}
	}
	eventually(t, settled(first))
	eventually(t, settled(second))

	stored, err := live.rows.GetRow(ctx, "tasks", "R1")
	if err != nil {
		t.Fatalf("get row failed: %v", err)
	}
	if stored.Version != 3 {
		t.Fatalf("expected two committed writes, got version %d", stored.Version)
	}
}

func TestRoundTripPresenceFollowsFocusAndClose(t *testing.T) {
	live := newLiveStore(t)
	if _, err := live.rows.InsertRow(context.Background(), rows.InsertRequest{TableID: "tasks", RowID: "R1", Fields: rows.Fields{}}); err != nil {
		t.Fatalf("failed to seed row: %v", err)
	}
	focused := live.open(t, "u1", "Ada")
	observer := live.open(t, "u2", "Grace")
	ctx := context.Background()

	if err := focused.Focus(ctx, "R1", "status"); err != nil {
		t.Fatalf("focus failed: %v", err)
	}
	eventually(t, func() bool {
		viewers, err := observer.ActiveUsers(ctx, "R1", "status")
		return err == nil && len(viewers) == 1 && viewers[0].UserID == "u1" && viewers[0].DisplayName == "Ada"
	})

	if err := focused.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	eventually(t, func() bool {
		everyone, err := observer.ActiveUsers(ctx, "", "")
		if err != nil {
			return false
		}
		for _, record := range everyone {
			if record.UserID == "u1" {
				return false
			}
		}
		return true
	})
}
