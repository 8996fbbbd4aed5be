package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cellsync/internal/auth"
	"github.com/MarcoPoloResearchLab/cellsync/internal/database"
	"github.com/MarcoPoloResearchLab/cellsync/internal/rows"
	"github.com/MarcoPoloResearchLab/cellsync/internal/schema"
	"github.com/MarcoPoloResearchLab/cellsync/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testServer struct {
	server   *httptest.Server
	issuer   *auth.TokenIssuer
	realtime *RealtimeDispatcher
	rows     *rows.Service
}

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	registry, err := schema.NewRegistry(schema.Table{
		ID: "tasks",
		Fields: []schema.Field{
			{ID: "name", Type: schema.FieldTypeText},
			{ID: "status", Type: schema.FieldTypeSingleSelect, AllowedValues: []string{"draft", "active", "blocked"}},
			{ID: "tags", Type: schema.FieldTypeMultiSelect, AllowedValues: []string{"a", "b", "x", "y"}},
			{ID: "estimate", Type: schema.FieldTypeNumber},
		},
	})
	if err != nil {
		t.Fatalf("failed to build schema: %v", err)
	}
	return registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	registry := testRegistry(t)
	rowsService, err := rows.NewService(rows.ServiceConfig{Database: db, Schema: registry})
	if err != nil {
		t.Fatalf("failed to build rows service: %v", err)
	}
	directory, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build collaborator directory: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "cellsync",
		Audience:      "cellsync-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}
	dispatcher := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		TokenValidator: issuer,
		RowsService:    rowsService,
		Schema:         registry,
		Collaborators:  directory,
		Realtime:       dispatcher,
		Logger:         zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testServer{server: server, issuer: issuer, realtime: dispatcher, rows: rowsService}
}

func (s *testServer) token(t *testing.T, userID, displayName string) string {
	t.Helper()
	token, _, err := s.issuer.IssueToken(context.Background(), auth.Identity{UserID: userID, DisplayName: displayName})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *testServer) seedRow(t *testing.T, rowID string, fields rows.Fields) rows.Row {
	t.Helper()
	row, err := s.rows.InsertRow(context.Background(), rows.InsertRequest{TableID: "tasks", RowID: rows.RowID(rowID), UserID: "seed", Fields: fields})
	if err != nil {
		t.Fatalf("failed to seed row: %v", err)
	}
	return row
}

func (s *testServer) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	request, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { _ = response.Body.Close() })
	return response
}
