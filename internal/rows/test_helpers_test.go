package rows

import (
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cellsync/internal/schema"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	testTableID = TableID("tasks")
	testUserID  = "user-1"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	registry, err := schema.NewRegistry(schema.Table{
		ID: testTableID.String(),
		Fields: []schema.Field{
			{ID: "name", Type: schema.FieldTypeText},
			{ID: "status", Type: schema.FieldTypeSingleSelect, AllowedValues: []string{"draft", "active", "blocked"}},
			{ID: "tags", Type: schema.FieldTypeMultiSelect},
			{ID: "estimate", Type: schema.FieldTypeNumber},
		},
	})
	if err != nil {
		t.Fatalf("unexpected registry error: %v", err)
	}
	return registry
}

func newTestService(t *testing.T, ids []string) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&RowRecord{}, &RowChange{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	now := time.Unix(1700000000, 0)
	service, err := NewService(ServiceConfig{
		Database:   db,
		Schema:     testRegistry(t),
		Clock:      func() time.Time { return now },
		IDProvider: &staticIDGenerator{ids: ids},
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, db
}

func mustRowID(t *testing.T, value string) RowID {
	t.Helper()
	id, err := NewRowID(value)
	if err != nil {
		t.Fatalf("unexpected row id error: %v", err)
	}
	return id
}

func mustVersion(t *testing.T, value int64) Version {
	t.Helper()
	version, err := NewVersion(value)
	if err != nil {
		t.Fatalf("unexpected version error: %v", err)
	}
	return version
}
