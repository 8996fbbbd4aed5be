package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

const maxIdentifierLength = 190

// Table describes the fields of one shared dataset.
type Table struct {
	ID     string
	Fields []Field
}

// Field returns the named field definition.
func (t Table) Field(fieldID string) (Field, bool) {
	for _, field := range t.Fields {
		if field.ID == fieldID {
			return field, true
		}
	}
	return Field{}, false
}

// Registry holds the read-only table definitions consumed by the store and the client engine.
type Registry struct {
	tables map[string]Table
}

// NewRegistry validates the provided tables and returns a Registry.
func NewRegistry(tables ...Table) (*Registry, error) {
	registry := &Registry{tables: make(map[string]Table, len(tables))}
	for _, table := range tables {
		normalized, err := normalizeTable(table)
		if err != nil {
			return nil, err
		}
		if _, exists := registry.tables[normalized.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate table %q", ErrInvalidDefinition, normalized.ID)
		}
		registry.tables[normalized.ID] = normalized
	}
	return registry, nil
}

// Table returns the definition for tableID.
func (r *Registry) Table(tableID string) (Table, error) {
	if r == nil {
		return Table{}, fmt.Errorf("%w: %s", ErrUnknownTable, tableID)
	}
	table, ok := r.tables[tableID]
	if !ok {
		return Table{}, fmt.Errorf("%w: %s", ErrUnknownTable, tableID)
	}
	return table, nil
}

// Field returns the definition of fieldID in tableID.
func (r *Registry) Field(tableID, fieldID string) (Field, error) {
	table, err := r.Table(tableID)
	if err != nil {
		return Field{}, err
	}
	field, ok := table.Field(fieldID)
	if !ok {
		return Field{}, fmt.Errorf("%w: %s.%s", ErrUnknownField, tableID, fieldID)
	}
	return field, nil
}

// TableIDs lists the registered tables in lexical order.
func (r *Registry) TableIDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.tables))
	for id := range r.tables {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type fileTable struct {
	ID     string      `mapstructure:"id"`
	Fields []fileField `mapstructure:"fields"`
}

type fileField struct {
	ID            string   `mapstructure:"id"`
	Type          string   `mapstructure:"type"`
	AllowedValues []string `mapstructure:"allowed_values"`
}

// LoadFile reads table definitions from a YAML, JSON or TOML file.
func LoadFile(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: schema path is required", ErrInvalidDefinition)
	}
	fileViper := viper.New()
	fileViper.SetConfigFile(path)
	if err := fileViper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("schema: read %s: %w", path, err)
	}

	var rawTables []fileTable
	if err := fileViper.UnmarshalKey("tables", &rawTables); err != nil {
		return nil, fmt.Errorf("schema: decode %s: %w", path, err)
	}
	if len(rawTables) == 0 {
		return nil, fmt.Errorf("%w: %s declares no tables", ErrInvalidDefinition, path)
	}

	tables := make([]Table, 0, len(rawTables))
	for _, rawTable := range rawTables {
		table := Table{ID: rawTable.ID, Fields: make([]Field, 0, len(rawTable.Fields))}
		for _, rawField := range rawTable.Fields {
			fieldType, err := ParseFieldType(rawField.Type)
			if err != nil {
				return nil, fmt.Errorf("table %s field %s: %w", rawTable.ID, rawField.ID, err)
			}
			table.Fields = append(table.Fields, Field{
				ID:            rawField.ID,
				Type:          fieldType,
				AllowedValues: rawField.AllowedValues,
			})
		}
		tables = append(tables, table)
	}
	return NewRegistry(tables...)
}

func normalizeTable(table Table) (Table, error) {
	tableID := strings.TrimSpace(table.ID)
	if tableID == "" || len(tableID) > maxIdentifierLength {
		return Table{}, fmt.Errorf("%w: invalid table id %q", ErrInvalidDefinition, table.ID)
	}
	normalized := Table{ID: tableID, Fields: make([]Field, 0, len(table.Fields))}
	seen := make(map[string]struct{}, len(table.Fields))
	for _, field := range table.Fields {
		fieldID := strings.TrimSpace(field.ID)
		if fieldID == "" || len(fieldID) > maxIdentifierLength {
			return Table{}, fmt.Errorf("%w: table %s has invalid field id %q", ErrInvalidDefinition, tableID, field.ID)
		}
		if _, dup := seen[fieldID]; dup {
			return Table{}, fmt.Errorf("%w: table %s has duplicate field %q", ErrInvalidDefinition, tableID, fieldID)
		}
		seen[fieldID] = struct{}{}
		if _, ok := variants[field.Type]; !ok {
			return Table{}, fmt.Errorf("%w: field %s.%s has unknown type %q", ErrInvalidDefinition, tableID, fieldID, field.Type)
		}
		allowed := make([]string, 0, len(field.AllowedValues))
		for _, value := range field.AllowedValues {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				allowed = append(allowed, trimmed)
			}
		}
		candidate := Field{ID: fieldID, Type: field.Type, AllowedValues: allowed}
		if len(allowed) > 0 && !candidate.isSelect() {
			return Table{}, fmt.Errorf("%w: field %s.%s declares allowed values but is %s", ErrInvalidDefinition, tableID, fieldID, field.Type)
		}
		normalized.Fields = append(normalized.Fields, candidate)
	}
	return normalized, nil
}
