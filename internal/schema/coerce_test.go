package schema

import (
	"errors"
	"reflect"
	"testing"
)

func TestMultiSelectCoercesDelimitedText(t *testing.T) {
	field := Field{ID: "tags", Type: FieldTypeMultiSelect}

	testCases := []struct {
		name  string
		input any
		want  []string
	}{
		{name: "comma-with-spaces", input: "x, y ,z", want: []string{"x", "y", "z"}},
		{name: "semicolon-and-pipe", input: "a;b|c", want: []string{"a", "b", "c"}},
		{name: "empty-string", input: "", want: []string{}},
		{name: "only-separators", input: " , ;| ", want: []string{}},
		{name: "nil", input: nil, want: []string{}},
		{name: "list-passthrough", input: []any{" p ", "q"}, want: []string{"p", "q"}},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			value, err := field.Coerce(testCase.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			list, ok := value.([]string)
			if !ok {
				t.Fatalf("expected []string, got %T (%v)", value, value)
			}
			if list == nil {
				t.Fatalf("expected empty list rather than nil")
			}
			if !reflect.DeepEqual(list, testCase.want) {
				t.Fatalf("want %v, got %v", testCase.want, list)
			}
		})
	}
}

func TestMultiSelectRejectsDisallowedValue(t *testing.T) {
	field := Field{ID: "tags", Type: FieldTypeMultiSelect, AllowedValues: []string{"x", "y"}}
	_, err := field.Coerce("x, nope")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestNumberCoercion(t *testing.T) {
	field := Field{ID: "estimate", Type: FieldTypeNumber}

	testCases := []struct {
		name    string
		input   any
		want    any
		wantErr bool
	}{
		{name: "numeric-string", input: " 12.5 ", want: 12.5},
		{name: "integer", input: 7, want: float64(7)},
		{name: "garbage-becomes-null", input: "twelve", want: nil},
		{name: "nan-becomes-null", input: "NaN", want: nil},
		{name: "empty-becomes-null", input: "", want: nil},
		{name: "boolean-rejected", input: true, wantErr: true},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			value, err := field.Coerce(testCase.input)
			if testCase.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if value != testCase.want {
				t.Fatalf("want %#v, got %#v", testCase.want, value)
			}
		})
	}
}

func TestBooleanCoercion(t *testing.T) {
	field := Field{ID: "done", Type: FieldTypeBoolean}
	for input, want := range map[string]bool{"true": true, "Yes": true, "1": true, "checked": true, "off": false, "": false} {
		value, err := field.Coerce(input)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", input, err)
		}
		if value != want {
			t.Fatalf("input %q: want %v, got %v", input, want, value)
		}
	}
	if _, err := field.Coerce("maybe"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for ambiguous input, got %v", err)
	}
	if value, _ := field.Coerce(0.0); value != false {
		t.Fatalf("expected zero to be unchecked, got %v", value)
	}
}

func TestSingleSelectRequiresAllowedValue(t *testing.T) {
	field := Field{ID: "status", Type: FieldTypeSingleSelect, AllowedValues: []string{"draft", "active"}}
	value, err := field.Coerce(" active ")
	if err != nil || value != "active" {
		t.Fatalf("expected active, got %v (%v)", value, err)
	}
	if _, err := field.Coerce("archived"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if value, err := field.Coerce(""); err != nil || value != nil {
		t.Fatalf("expected empty selection to clear the value, got %v (%v)", value, err)
	}
}

func TestDateURLAndEmailCoercion(t *testing.T) {
	date := Field{ID: "due", Type: FieldTypeDate}
	if value, err := date.Coerce("2024-03-09T15:04:05Z"); err != nil || value != "2024-03-09" {
		t.Fatalf("expected normalized date, got %v (%v)", value, err)
	}
	if _, err := date.Coerce("next week"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected date validation error, got %v", err)
	}

	link := Field{ID: "link", Type: FieldTypeURL}
	if value, err := link.Coerce(" https://example.com/a "); err != nil || value != "https://example.com/a" {
		t.Fatalf("expected trimmed url, got %v (%v)", value, err)
	}
	if _, err := link.Coerce("example.com"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected url validation error, got %v", err)
	}

	email := Field{ID: "owner", Type: FieldTypeEmail}
	if value, err := email.Coerce("Ada <ada@example.com>"); err != nil || value != "ada@example.com" {
		t.Fatalf("expected bare address, got %v (%v)", value, err)
	}
	if _, err := email.Coerce("not-an-address"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected email validation error, got %v", err)
	}
}

func TestValidateAcceptsDecodedJSONShapes(t *testing.T) {
	tags := Field{ID: "tags", Type: FieldTypeMultiSelect, AllowedValues: []string{"x", "y"}}
	if err := tags.Validate([]any{"x", "y"}); err != nil {
		t.Fatalf("expected decoded list to validate: %v", err)
	}
	if err := tags.Validate("x"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected scalar to be rejected for multi-select, got %v", err)
	}

	done := Field{ID: "done", Type: FieldTypeBoolean}
	if err := done.Validate(nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected null checkbox to be rejected, got %v", err)
	}
}
