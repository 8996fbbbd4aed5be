package rows

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/cellsync/internal/schema"
)

var (
	// ErrVersionConflict indicates that the caller's expected version does not match the stored version.
	ErrVersionConflict = errors.New("rows: version conflict")
	// ErrRowNotFound indicates that no row exists for the identifier.
	ErrRowNotFound = errors.New("rows: row not found")
	// ErrRowExists indicates that an insert collided with an existing row.
	ErrRowExists = errors.New("rows: row already exists")
	// ErrRowDeleted indicates that the row has been soft-removed.
	ErrRowDeleted = errors.New("rows: row deleted")
	// ErrEmptyPatch indicates that a patch carried no fields.
	ErrEmptyPatch = errors.New("rows: empty patch")
)

// ConflictError reports the versions involved in a rejected precondition.
type ConflictError struct {
	Expected Version
	Actual   Version
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version mismatch: expected %d, actual %d", e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error {
	return ErrVersionConflict
}

// WriteOutcome captures the decision from resolvePatch.
type WriteOutcome struct {
	UpdatedRecord *RowRecord
	AuditRecord   *RowChange
}

// resolvePatch applies a versioned patch to the stored record without touching storage.
func resolvePatch(existing *RowRecord, request PatchRequest, table schema.Table, appliedAt time.Time) (WriteOutcome, error) {
	if existing == nil {
		return WriteOutcome{}, fmt.Errorf("%w: %s", ErrRowNotFound, request.RowID)
	}
	if existing.IsDeleted {
		return WriteOutcome{}, fmt.Errorf("%w: %s", ErrRowDeleted, request.RowID)
	}
	if existing.Version != request.ExpectedVersion.Int64() {
		return WriteOutcome{}, &ConflictError{Expected: request.ExpectedVersion, Actual: Version(existing.Version)}
	}
	if len(request.Patch) == 0 {
		return WriteOutcome{}, ErrEmptyPatch
	}

	patch := NormalizeFields(request.Patch)
	if err := validateFields(table, patch); err != nil {
		return WriteOutcome{}, err
	}

	stored, err := decodeFields(existing.FieldsJSON)
	if err != nil {
		return WriteOutcome{}, err
	}
	for fieldID, value := range patch {
		stored[fieldID] = value
	}
	fieldsJSON, err := json.Marshal(stored)
	if err != nil {
		return WriteOutcome{}, err
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return WriteOutcome{}, err
	}

	updated := *existing
	updated.Version = existing.Version + 1
	updated.FieldsJSON = string(fieldsJSON)
	updated.LastWriteToken = request.Token
	updated.LastWriterID = request.UserID
	updated.UpdatedAtSeconds = maxInt64(appliedAt.Unix(), existing.UpdatedAtSeconds)

	previous := existing.Version
	audit := &RowChange{
		TableID:          existing.TableID,
		RowID:            existing.RowID,
		UserID:           request.UserID,
		WriteToken:       request.Token,
		Operation:        EventTypeUpdate,
		PatchJSON:        string(patchJSON),
		PreviousVersion:  &previous,
		NewVersion:       updated.Version,
		AppliedAtSeconds: appliedAt.Unix(),
	}
	return WriteOutcome{UpdatedRecord: &updated, AuditRecord: audit}, nil
}

// resolveDelete soft-removes the stored record under the same version precondition as a patch.
func resolveDelete(existing *RowRecord, request DeleteRequest, appliedAt time.Time) (WriteOutcome, error) {
	if existing == nil {
		return WriteOutcome{}, fmt.Errorf("%w: %s", ErrRowNotFound, request.RowID)
	}
	if existing.IsDeleted {
		return WriteOutcome{}, fmt.Errorf("%w: %s", ErrRowDeleted, request.RowID)
	}
	if existing.Version != request.ExpectedVersion.Int64() {
		return WriteOutcome{}, &ConflictError{Expected: request.ExpectedVersion, Actual: Version(existing.Version)}
	}

	updated := *existing
	updated.Version = existing.Version + 1
	updated.IsDeleted = true
	updated.LastWriteToken = request.Token
	updated.LastWriterID = request.UserID
	updated.UpdatedAtSeconds = maxInt64(appliedAt.Unix(), existing.UpdatedAtSeconds)

	previous := existing.Version
	audit := &RowChange{
		TableID:          existing.TableID,
		RowID:            existing.RowID,
		UserID:           request.UserID,
		WriteToken:       request.Token,
		Operation:        EventTypeDelete,
		PatchJSON:        "{}",
		PreviousVersion:  &previous,
		NewVersion:       updated.Version,
		AppliedAtSeconds: appliedAt.Unix(),
	}
	return WriteOutcome{UpdatedRecord: &updated, AuditRecord: audit}, nil
}

func validateFields(table schema.Table, fields Fields) error {
	for fieldID, value := range fields {
		field, ok := table.Field(fieldID)
		if !ok {
			return fmt.Errorf("%w: %s.%s", schema.ErrUnknownField, table.ID, fieldID)
		}
		if err := field.Validate(value); err != nil {
			return err
		}
	}
	return nil
}

func decodeFields(fieldsJSON string) (Fields, error) {
	fields := Fields{}
	if fieldsJSON == "" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return nil, err
	}
	return NormalizeFields(fields), nil
}

func maxInt64(left, right int64) int64 {
	if left > right {
		return left
	}
	return right
}
