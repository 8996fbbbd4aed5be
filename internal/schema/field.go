package schema

import (
	"errors"
	"fmt"
	"strings"
)

// FieldType tags the declared type of a field.
type FieldType string

const (
	// FieldTypeText stores free-form text.
	FieldTypeText FieldType = "text"
	// FieldTypeNumber stores a float64 or null.
	FieldTypeNumber FieldType = "number"
	// FieldTypeSingleSelect stores one value from the allowed list.
	FieldTypeSingleSelect FieldType = "single-select"
	// FieldTypeMultiSelect stores a list of values from the allowed list.
	FieldTypeMultiSelect FieldType = "multi-select"
	// FieldTypeDate stores a calendar date formatted as YYYY-MM-DD.
	FieldTypeDate FieldType = "date"
	// FieldTypeBoolean stores a checkbox state.
	FieldTypeBoolean FieldType = "boolean"
	// FieldTypeURL stores an absolute http(s) URL.
	FieldTypeURL FieldType = "url"
	// FieldTypeEmail stores a single email address.
	FieldTypeEmail FieldType = "email"
)

var (
	// ErrValidation indicates that a value does not fit the declared field type.
	ErrValidation = errors.New("schema: validation rejected")
	// ErrUnknownTable indicates that the registry has no table with the requested id.
	ErrUnknownTable = errors.New("schema: unknown table")
	// ErrUnknownField indicates that a table has no field with the requested id.
	ErrUnknownField = errors.New("schema: unknown field")
	// ErrInvalidDefinition indicates a malformed table or field definition.
	ErrInvalidDefinition = errors.New("schema: invalid definition")
)

// variant binds one field type to its input coercion and stored-value validation.
type variant struct {
	coerce   func(field Field, raw any) (any, error)
	validate func(field Field, value any) error
}

var variants = map[FieldType]variant{
	FieldTypeText:         {coerce: coerceText, validate: validateText},
	FieldTypeNumber:       {coerce: coerceNumber, validate: validateNumber},
	FieldTypeSingleSelect: {coerce: coerceSingleSelect, validate: validateSingleSelect},
	FieldTypeMultiSelect:  {coerce: coerceMultiSelect, validate: validateMultiSelect},
	FieldTypeDate:         {coerce: coerceDate, validate: validateDate},
	FieldTypeBoolean:      {coerce: coerceBoolean, validate: validateBoolean},
	FieldTypeURL:          {coerce: coerceURL, validate: validateURL},
	FieldTypeEmail:        {coerce: coerceEmail, validate: validateEmail},
}

// ParseFieldType validates a raw type tag.
func ParseFieldType(rawInput string) (FieldType, error) {
	candidate := FieldType(strings.ToLower(strings.TrimSpace(rawInput)))
	if _, ok := variants[candidate]; !ok {
		return "", fmt.Errorf("%w: unknown field type %q", ErrInvalidDefinition, rawInput)
	}
	return candidate, nil
}

// Field describes one typed column of a table.
type Field struct {
	ID            string
	Type          FieldType
	AllowedValues []string
}

// Coerce converts raw user input into the canonical value for the field.
func (f Field) Coerce(raw any) (any, error) {
	v, ok := variants[f.Type]
	if !ok {
		return nil, fmt.Errorf("%w: field %s has unknown type %q", ErrInvalidDefinition, f.ID, f.Type)
	}
	value, err := v.coerce(f, raw)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", f.ID, err)
	}
	return value, nil
}

// Validate reports whether an already typed value fits the field.
func (f Field) Validate(value any) error {
	v, ok := variants[f.Type]
	if !ok {
		return fmt.Errorf("%w: field %s has unknown type %q", ErrInvalidDefinition, f.ID, f.Type)
	}
	if err := v.validate(f, value); err != nil {
		return fmt.Errorf("field %s: %w", f.ID, err)
	}
	return nil
}

func (f Field) allows(value string) bool {
	if len(f.AllowedValues) == 0 {
		return true
	}
	for _, allowed := range f.AllowedValues {
		if allowed == value {
			return true
		}
	}
	return false
}

func (f Field) isSelect() bool {
	return f.Type == FieldTypeSingleSelect || f.Type == FieldTypeMultiSelect
}
