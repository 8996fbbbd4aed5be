package rows

// RowRecord models the persisted row with its optimistic concurrency counter.
type RowRecord struct {
	TableID          string `gorm:"column:table_id;primaryKey;size:190;not null;index:idx_rows_table_updated,priority:1"`
	RowID            string `gorm:"column:row_id;primaryKey;size:190;not null"`
	Version          int64  `gorm:"column:version;not null;default:1"`
	FieldsJSON       string `gorm:"column:fields_json;type:text;not null"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null;default:false"`
	LastWriteToken   string `gorm:"column:last_write_token;size:64;not null;default:''"`
	LastWriterID     string `gorm:"column:last_writer_id;size:190;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_rows_table_updated,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (RowRecord) TableName() string {
	return "table_rows"
}

// RowChange captures an append-only audit trail for row modifications.
type RowChange struct {
	ChangeID         string    `gorm:"column:change_id;primaryKey;size:190;not null"`
	TableID          string    `gorm:"column:table_id;size:190;not null;index:idx_changes_row,priority:1"`
	RowID            string    `gorm:"column:row_id;size:190;not null;index:idx_changes_row,priority:2"`
	UserID           string    `gorm:"column:user_id;size:190;not null"`
	WriteToken       string    `gorm:"column:write_token;size:64;not null;default:''"`
	Operation        EventType `gorm:"column:op;size:16;not null"`
	PatchJSON        string    `gorm:"column:patch_json;type:text;not null"`
	PreviousVersion  *int64    `gorm:"column:prev_version"`
	NewVersion       int64     `gorm:"column:new_version;not null;index:idx_changes_row,priority:3"`
	AppliedAtSeconds int64     `gorm:"column:applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RowChange) TableName() string {
	return "row_changes"
}
