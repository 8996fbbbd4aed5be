package rows

import (
	"errors"
	"fmt"
	"strings"
)

// EventType enumerates committed change kinds carried on the realtime feed.
type EventType string

const (
	// EventTypeInsert announces a newly created row.
	EventTypeInsert EventType = "insert"
	// EventTypeUpdate announces a field patch.
	EventTypeUpdate EventType = "update"
	// EventTypeDelete announces a soft removal.
	EventTypeDelete EventType = "delete"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidTableID indicates that a table identifier is empty or exceeds storage bounds.
	ErrInvalidTableID = errors.New("rows: invalid table id")
	// ErrInvalidRowID indicates that a row identifier is empty or exceeds storage bounds.
	ErrInvalidRowID = errors.New("rows: invalid row id")
	// ErrInvalidFieldID indicates that a field identifier is empty or exceeds storage bounds.
	ErrInvalidFieldID = errors.New("rows: invalid field id")
	// ErrInvalidVersion indicates that a version counter is not positive.
	ErrInvalidVersion = errors.New("rows: invalid version")
)

// TableID represents a validated table identifier.
type TableID string

// NewTableID validates raw input and returns a TableID.
func NewTableID(rawInput string) (TableID, error) {
	trimmed, err := validIdentifier(rawInput, ErrInvalidTableID)
	return TableID(trimmed), err
}

// String returns the underlying string identifier.
func (id TableID) String() string {
	return string(id)
}

// RowID represents a validated row identifier.
type RowID string

// NewRowID validates raw input and returns a RowID.
func NewRowID(rawInput string) (RowID, error) {
	trimmed, err := validIdentifier(rawInput, ErrInvalidRowID)
	return RowID(trimmed), err
}

// String returns the underlying string identifier.
func (id RowID) String() string {
	return string(id)
}

// FieldID represents a validated field identifier.
type FieldID string

// NewFieldID validates raw input and returns a FieldID.
func NewFieldID(rawInput string) (FieldID, error) {
	trimmed, err := validIdentifier(rawInput, ErrInvalidFieldID)
	return FieldID(trimmed), err
}

// String returns the underlying string identifier.
func (id FieldID) String() string {
	return string(id)
}

// Version is the per-row optimistic concurrency counter.
type Version int64

// NewVersion validates the value and returns a Version.
func NewVersion(value int64) (Version, error) {
	if value < 1 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidVersion, value)
	}
	return Version(value), nil
}

// Int64 exposes the raw counter.
func (v Version) Int64() int64 {
	return int64(v)
}

// Fields maps field identifiers to typed values.
type Fields map[string]any

// Clone returns a copy whose list values do not alias the receiver.
func (f Fields) Clone() Fields {
	if f == nil {
		return Fields{}
	}
	cloned := make(Fields, len(f))
	for key, value := range f {
		cloned[key] = CloneValue(value)
	}
	return cloned
}

// Row is one addressable record guarded by a version counter.
type Row struct {
	ID               RowID   `json:"id"`
	Version          Version `json:"version"`
	Fields           Fields  `json:"fields"`
	Deleted          bool    `json:"deleted,omitempty"`
	Token            string  `json:"token,omitempty"`
	UpdatedAtSeconds int64   `json:"updated_at_s,omitempty"`
}

// Value returns the stored value of a field.
func (r Row) Value(fieldID FieldID) (any, bool) {
	value, ok := r.Fields[fieldID.String()]
	return value, ok
}

// Clone returns a deep copy of the row.
func (r Row) Clone() Row {
	cloned := r
	cloned.Fields = r.Fields.Clone()
	return cloned
}

// Event is a committed change delivered on the realtime feed.
type Event struct {
	Type EventType `json:"eventType"`
	Row  Row       `json:"row"`
}

// CellKey addresses one field of one row.
type CellKey struct {
	RowID   RowID
	FieldID FieldID
}

// String renders the key as row/field for logging.
func (k CellKey) String() string {
	return k.RowID.String() + "/" + k.FieldID.String()
}

func validIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}
