package rows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/cellsync/internal/schema"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingSchema     = errors.New("schema registry is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable <operation>.<reason> code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "rows.service.new"
	opApplyPatch  = "rows.apply_patch"
	opInsertRow   = "rows.insert_row"
	opDeleteRow   = "rows.delete_row"
	opGetRow      = "rows.get_row"
	opListRows    = "rows.list_rows"
	fieldTableID  = "table_id"
	fieldRowID    = "row_id"
	queryTableRow = "table_id = ? AND row_id = ?"
	queryVersion  = "table_id = ? AND row_id = ? AND version = ?"

	reasonMissingDatabase = "missing_database"
	reasonUnknownTable    = "unknown_table"
	reasonInvalidRequest  = "invalid_request"
	reasonRowSelectFailed = "row_select_failed"
	reasonRowSaveFailed   = "row_save_failed"
	reasonAuditFailed     = "audit_insert_failed"
	reasonIDFailed        = "id_generation_failed"
	reasonDecodeFailed    = "row_decode_failed"
	reasonQueryFailed     = "query_failed"
	reasonConflict        = "version_conflict"
	reasonNotFound        = "row_not_found"
	reasonRowExists       = "row_exists"
	reasonRowDeleted      = "row_deleted"
	reasonValidation      = "validation_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the rows service.
type ServiceConfig struct {
	Database   *gorm.DB
	Schema     *schema.Registry
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// IDProvider issues audit change identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// Service is the backing store: per-row optimistic concurrency over SQL.
type Service struct {
	db         *gorm.DB
	schema     *schema.Registry
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Schema == nil {
		return nil, newServiceError(opServiceNew, "missing_schema", errMissingSchema)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		schema:     cfg.Schema,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// PatchRequest is a versioned field patch.
type PatchRequest struct {
	TableID         TableID
	RowID           RowID
	UserID          string
	Patch           Fields
	ExpectedVersion Version
	Token           string
}

// InsertRequest creates a row at version 1. An empty RowID is generated.
type InsertRequest struct {
	TableID TableID
	RowID   RowID
	UserID  string
	Fields  Fields
	Token   string
}

// DeleteRequest soft-removes a row under a version precondition.
type DeleteRequest struct {
	TableID         TableID
	RowID           RowID
	UserID          string
	ExpectedVersion Version
	Token           string
}

// ApplyPatch performs the version check and the mutation atomically.
func (s *Service) ApplyPatch(ctx context.Context, request PatchRequest) (Row, error) {
	if s.db == nil {
		s.logError(opApplyPatch, reasonMissingDatabase, errMissingDatabase)
		return Row{}, newServiceError(opApplyPatch, reasonMissingDatabase, errMissingDatabase)
	}
	table, err := s.schema.Table(request.TableID.String())
	if err != nil {
		return Row{}, newServiceError(opApplyPatch, reasonUnknownTable, err)
	}
	if request.ExpectedVersion < 1 {
		return Row{}, newServiceError(opApplyPatch, reasonInvalidRequest, fmt.Errorf("%w: %d", ErrInvalidVersion, request.ExpectedVersion))
	}

	var committed Row
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.lockRow(tx, request.TableID, request.RowID)
		if err != nil {
			s.logError(opApplyPatch, reasonRowSelectFailed, err, rowFields(request.TableID, request.RowID)...)
			return newServiceError(opApplyPatch, reasonRowSelectFailed, err)
		}

		outcome, err := resolvePatch(existing, request, table, s.clock().UTC())
		if err != nil {
			return s.rejection(opApplyPatch, err, request.TableID, request.RowID)
		}

		if err := s.saveVersioned(tx, opApplyPatch, outcome.UpdatedRecord, request.ExpectedVersion); err != nil {
			return err
		}
		if err := s.appendAudit(tx, opApplyPatch, outcome.AuditRecord); err != nil {
			return err
		}

		row, err := recordToRow(outcome.UpdatedRecord)
		if err != nil {
			s.logError(opApplyPatch, reasonDecodeFailed, err, rowFields(request.TableID, request.RowID)...)
			return newServiceError(opApplyPatch, reasonDecodeFailed, err)
		}
		committed = row
		return nil
	})
	if txErr != nil {
		return Row{}, txErr
	}
	return committed, nil
}

// InsertRow creates a new row at version 1.
func (s *Service) InsertRow(ctx context.Context, request InsertRequest) (Row, error) {
	if s.db == nil {
		s.logError(opInsertRow, reasonMissingDatabase, errMissingDatabase)
		return Row{}, newServiceError(opInsertRow, reasonMissingDatabase, errMissingDatabase)
	}
	table, err := s.schema.Table(request.TableID.String())
	if err != nil {
		return Row{}, newServiceError(opInsertRow, reasonUnknownTable, err)
	}

	rowID := request.RowID
	if rowID == "" {
		generated, idErr := s.idProvider.NewID()
		if idErr != nil {
			s.logError(opInsertRow, reasonIDFailed, idErr)
			return Row{}, newServiceError(opInsertRow, reasonIDFailed, idErr)
		}
		rowID = RowID(generated)
	}

	fields := NormalizeFields(request.Fields)
	if err := validateFields(table, fields); err != nil {
		return Row{}, s.rejection(opInsertRow, err, request.TableID, rowID)
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return Row{}, newServiceError(opInsertRow, reasonInvalidRequest, err)
	}

	now := s.clock().UTC().Unix()
	record := RowRecord{
		TableID:          request.TableID.String(),
		RowID:            rowID.String(),
		Version:          1,
		FieldsJSON:       string(fieldsJSON),
		LastWriteToken:   request.Token,
		LastWriterID:     request.UserID,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		createResult := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
		if createResult.Error != nil {
			s.logError(opInsertRow, reasonRowSaveFailed, createResult.Error, rowFields(request.TableID, rowID)...)
			return newServiceError(opInsertRow, reasonRowSaveFailed, createResult.Error)
		}
		if createResult.RowsAffected == 0 {
			return newServiceError(opInsertRow, reasonRowExists, fmt.Errorf("%w: %s", ErrRowExists, rowID))
		}
		return s.appendAudit(tx, opInsertRow, &RowChange{
			TableID:          record.TableID,
			RowID:            record.RowID,
			UserID:           request.UserID,
			WriteToken:       request.Token,
			Operation:        EventTypeInsert,
			PatchJSON:        record.FieldsJSON,
			NewVersion:       record.Version,
			AppliedAtSeconds: now,
		})
	})
	if txErr != nil {
		return Row{}, txErr
	}
	return recordToRow(&record)
}

// DeleteRow soft-removes a row; the row keeps its fields and gains a new version.
func (s *Service) DeleteRow(ctx context.Context, request DeleteRequest) (Row, error) {
	if s.db == nil {
		s.logError(opDeleteRow, reasonMissingDatabase, errMissingDatabase)
		return Row{}, newServiceError(opDeleteRow, reasonMissingDatabase, errMissingDatabase)
	}
	if _, err := s.schema.Table(request.TableID.String()); err != nil {
		return Row{}, newServiceError(opDeleteRow, reasonUnknownTable, err)
	}

	var committed Row
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.lockRow(tx, request.TableID, request.RowID)
		if err != nil {
			s.logError(opDeleteRow, reasonRowSelectFailed, err, rowFields(request.TableID, request.RowID)...)
			return newServiceError(opDeleteRow, reasonRowSelectFailed, err)
		}
		outcome, err := resolveDelete(existing, request, s.clock().UTC())
		if err != nil {
			return s.rejection(opDeleteRow, err, request.TableID, request.RowID)
		}
		if err := s.saveVersioned(tx, opDeleteRow, outcome.UpdatedRecord, request.ExpectedVersion); err != nil {
			return err
		}
		if err := s.appendAudit(tx, opDeleteRow, outcome.AuditRecord); err != nil {
			return err
		}
		row, err := recordToRow(outcome.UpdatedRecord)
		if err != nil {
			return newServiceError(opDeleteRow, reasonDecodeFailed, err)
		}
		committed = row
		return nil
	})
	if txErr != nil {
		return Row{}, txErr
	}
	return committed, nil
}

// GetRow returns the authoritative row.
func (s *Service) GetRow(ctx context.Context, tableID TableID, rowID RowID) (Row, error) {
	if s.db == nil {
		s.logError(opGetRow, reasonMissingDatabase, errMissingDatabase)
		return Row{}, newServiceError(opGetRow, reasonMissingDatabase, errMissingDatabase)
	}
	var record RowRecord
	err := s.db.WithContext(ctx).Where(queryTableRow, tableID.String(), rowID.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Row{}, newServiceError(opGetRow, reasonNotFound, fmt.Errorf("%w: %s", ErrRowNotFound, rowID))
	}
	if err != nil {
		s.logError(opGetRow, reasonQueryFailed, err, rowFields(tableID, rowID)...)
		return Row{}, newServiceError(opGetRow, reasonQueryFailed, err)
	}
	row, err := recordToRow(&record)
	if err != nil {
		s.logError(opGetRow, reasonDecodeFailed, err, rowFields(tableID, rowID)...)
		return Row{}, newServiceError(opGetRow, reasonDecodeFailed, err)
	}
	return row, nil
}

// ListRows returns rows of a table, restricted to those updated at or after sinceSeconds when positive.
func (s *Service) ListRows(ctx context.Context, tableID TableID, sinceSeconds int64) ([]Row, error) {
	if s.db == nil {
		s.logError(opListRows, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListRows, reasonMissingDatabase, errMissingDatabase)
	}
	if _, err := s.schema.Table(tableID.String()); err != nil {
		return nil, newServiceError(opListRows, reasonUnknownTable, err)
	}

	query := s.db.WithContext(ctx).Where(fieldTableID+" = ?", tableID.String())
	if sinceSeconds > 0 {
		query = query.Where("updated_at_s >= ?", sinceSeconds)
	}
	var records []RowRecord
	if err := query.Order(fieldRowID + " ASC").Find(&records).Error; err != nil {
		s.logError(opListRows, reasonQueryFailed, err, zap.String(fieldTableID, tableID.String()))
		return nil, newServiceError(opListRows, reasonQueryFailed, err)
	}

	result := make([]Row, 0, len(records))
	for index := range records {
		row, err := recordToRow(&records[index])
		if err != nil {
			s.logError(opListRows, reasonDecodeFailed, err, rowFields(tableID, RowID(records[index].RowID))...)
			return nil, newServiceError(opListRows, reasonDecodeFailed, err)
		}
		result = append(result, row)
	}
	return result, nil
}

func (s *Service) lockRow(tx *gorm.DB, tableID TableID, rowID RowID) (*RowRecord, error) {
	var existing RowRecord
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryTableRow, tableID.String(), rowID.String()).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

// saveVersioned writes the record only while the stored version still equals expected.
func (s *Service) saveVersioned(tx *gorm.DB, operation string, record *RowRecord, expected Version) error {
	result := tx.Model(&RowRecord{}).
		Where(queryVersion, record.TableID, record.RowID, expected.Int64()).
		Updates(map[string]any{
			"version":          record.Version,
			"fields_json":      record.FieldsJSON,
			"is_deleted":       record.IsDeleted,
			"last_write_token": record.LastWriteToken,
			"last_writer_id":   record.LastWriterID,
			"updated_at_s":     record.UpdatedAtSeconds,
		})
	if result.Error != nil {
		s.logError(operation, reasonRowSaveFailed, result.Error, rowFields(TableID(record.TableID), RowID(record.RowID))...)
		return newServiceError(operation, reasonRowSaveFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(operation, reasonConflict, &ConflictError{Expected: expected, Actual: Version(record.Version - 1)})
	}
	return nil
}

func (s *Service) appendAudit(tx *gorm.DB, operation string, audit *RowChange) error {
	changeID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, reasonIDFailed, err)
		return newServiceError(operation, reasonIDFailed, err)
	}
	audit.ChangeID = changeID
	if err := tx.Create(audit).Error; err != nil {
		s.logError(operation, reasonAuditFailed, err, rowFields(TableID(audit.TableID), RowID(audit.RowID))...)
		return newServiceError(operation, reasonAuditFailed, err)
	}
	return nil
}

// rejection wraps an expected domain refusal; these are not logged as errors.
func (s *Service) rejection(operation string, err error, tableID TableID, rowID RowID) error {
	reason := reasonInvalidRequest
	switch {
	case errors.Is(err, ErrVersionConflict):
		reason = reasonConflict
	case errors.Is(err, ErrRowNotFound):
		reason = reasonNotFound
	case errors.Is(err, ErrRowDeleted):
		reason = reasonRowDeleted
	case errors.Is(err, schema.ErrValidation), errors.Is(err, schema.ErrUnknownField):
		reason = reasonValidation
	}
	s.loggerOrDefault().Debug("rows write rejected",
		append(rowFields(tableID, rowID), zap.String("operation", operation), zap.String("reason", reason), zap.Error(err))...)
	return newServiceError(operation, reason, err)
}

func recordToRow(record *RowRecord) (Row, error) {
	fields, err := decodeFields(record.FieldsJSON)
	if err != nil {
		return Row{}, err
	}
	return Row{
		ID:               RowID(record.RowID),
		Version:          Version(record.Version),
		Fields:           fields,
		Deleted:          record.IsDeleted,
		Token:            record.LastWriteToken,
		UpdatedAtSeconds: record.UpdatedAtSeconds,
	}, nil
}

func rowFields(tableID TableID, rowID RowID) []zap.Field {
	return []zap.Field{
		zap.String(fieldTableID, tableID.String()),
		zap.String(fieldRowID, rowID.String()),
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("rows service error", attrs...)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
