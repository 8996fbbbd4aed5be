package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"net/mail"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

const (
	errFormatUnsupported = "%w: unsupported input %T"
	errFormatNotAllowed  = "%w: %q is not an allowed value"
)

var listSeparators = func(r rune) bool {
	return r == ',' || r == ';' || r == '|'
}

func coerceText(_ Field, raw any) (any, error) {
	switch typed := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return typed, nil
	case bool:
		return strconv.FormatBool(typed), nil
	case []string:
		return strings.Join(typed, ", "), nil
	default:
		if number, ok := toFloat(raw); ok {
			return strconv.FormatFloat(number, 'f', -1, 64), nil
		}
		return nil, fmt.Errorf(errFormatUnsupported, ErrValidation, raw)
	}
}

func validateText(_ Field, value any) error {
	switch value.(type) {
	case nil, string:
		return nil
	default:
		return fmt.Errorf("%w: expected text, got %T", ErrValidation, value)
	}
}

// coerceNumber maps numeric strings to float64; unparsable or NaN input becomes null.
func coerceNumber(_ Field, raw any) (any, error) {
	switch typed := raw.(type) {
	case nil:
		return nil, nil
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return nil, nil
		}
		parsed, err := strconv.ParseFloat(trimmed, 64)
		if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
			return nil, nil
		}
		return parsed, nil
	case bool:
		return nil, fmt.Errorf(errFormatUnsupported, ErrValidation, raw)
	default:
		number, ok := toFloat(raw)
		if !ok {
			return nil, fmt.Errorf(errFormatUnsupported, ErrValidation, raw)
		}
		if math.IsNaN(number) || math.IsInf(number, 0) {
			return nil, nil
		}
		return number, nil
	}
}

func validateNumber(_ Field, value any) error {
	if value == nil {
		return nil
	}
	number, ok := toFloat(value)
	if !ok {
		return fmt.Errorf("%w: expected number, got %T", ErrValidation, value)
	}
	if math.IsNaN(number) || math.IsInf(number, 0) {
		return fmt.Errorf("%w: number is not finite", ErrValidation)
	}
	return nil
}

func coerceSingleSelect(field Field, raw any) (any, error) {
	switch typed := raw.(type) {
	case nil:
		return nil, nil
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return nil, nil
		}
		if !field.allows(trimmed) {
			return nil, fmt.Errorf(errFormatNotAllowed, ErrValidation, trimmed)
		}
		return trimmed, nil
	default:
		return nil, fmt.Errorf(errFormatUnsupported, ErrValidation, raw)
	}
}

func validateSingleSelect(field Field, value any) error {
	switch typed := value.(type) {
	case nil:
		return nil
	case string:
		if !field.allows(typed) {
			return fmt.Errorf(errFormatNotAllowed, ErrValidation, typed)
		}
		return nil
	default:
		return fmt.Errorf("%w: expected select value, got %T", ErrValidation, value)
	}
}

// coerceMultiSelect splits delimited text into a list; empty input yields an empty list, never null.
func coerceMultiSelect(field Field, raw any) (any, error) {
	var candidates []string
	switch typed := raw.(type) {
	case nil:
		candidates = nil
	case string:
		candidates = strings.FieldsFunc(typed, listSeparators)
	case []string:
		candidates = typed
	case []any:
		candidates = make([]string, 0, len(typed))
		for _, element := range typed {
			text, ok := element.(string)
			if !ok {
				return nil, fmt.Errorf(errFormatUnsupported, ErrValidation, element)
			}
			candidates = append(candidates, text)
		}
	default:
		return nil, fmt.Errorf(errFormatUnsupported, ErrValidation, raw)
	}

	values := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		trimmed := strings.TrimSpace(candidate)
		if trimmed == "" {
			continue
		}
		if !field.allows(trimmed) {
			return nil, fmt.Errorf(errFormatNotAllowed, ErrValidation, trimmed)
		}
		values = append(values, trimmed)
	}
	return values, nil
}

func validateMultiSelect(field Field, value any) error {
	switch typed := value.(type) {
	case nil:
		return nil
	case []string:
		for _, element := range typed {
			if !field.allows(element) {
				return fmt.Errorf(errFormatNotAllowed, ErrValidation, element)
			}
		}
		return nil
	case []any:
		for _, element := range typed {
			text, ok := element.(string)
			if !ok {
				return fmt.Errorf("%w: expected text list element, got %T", ErrValidation, element)
			}
			if !field.allows(text) {
				return fmt.Errorf(errFormatNotAllowed, ErrValidation, text)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: expected list, got %T", ErrValidation, value)
	}
}

func coerceDate(_ Field, raw any) (any, error) {
	switch typed := raw.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return typed.UTC().Format(dateLayout), nil
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return nil, nil
		}
		if parsed, err := time.Parse(dateLayout, trimmed); err == nil {
			return parsed.Format(dateLayout), nil
		}
		if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
			return parsed.UTC().Format(dateLayout), nil
		}
		return nil, fmt.Errorf("%w: %q is not a date", ErrValidation, trimmed)
	default:
		return nil, fmt.Errorf(errFormatUnsupported, ErrValidation, raw)
	}
}

func validateDate(_ Field, value any) error {
	switch typed := value.(type) {
	case nil:
		return nil
	case string:
		if _, err := time.Parse(dateLayout, typed); err != nil {
			return fmt.Errorf("%w: %q is not a date", ErrValidation, typed)
		}
		return nil
	default:
		return fmt.Errorf("%w: expected date, got %T", ErrValidation, value)
	}
}

// coerceBoolean maps checkbox input; empty input is unchecked.
func coerceBoolean(_ Field, raw any) (any, error) {
	switch typed := raw.(type) {
	case nil:
		return false, nil
	case bool:
		return typed, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(typed)) {
		case "true", "yes", "y", "1", "on", "checked", "x":
			return true, nil
		case "false", "no", "n", "0", "off", "unchecked", "":
			return false, nil
		default:
			return nil, fmt.Errorf("%w: %q is not a boolean", ErrValidation, typed)
		}
	default:
		number, ok := toFloat(raw)
		if !ok {
			return nil, fmt.Errorf(errFormatUnsupported, ErrValidation, raw)
		}
		return number != 0, nil
	}
}

func validateBoolean(_ Field, value any) error {
	if _, ok := value.(bool); !ok {
		return fmt.Errorf("%w: expected boolean, got %T", ErrValidation, value)
	}
	return nil
}

func coerceURL(field Field, raw any) (any, error) {
	text, isNull, err := trimmedText(raw)
	if err != nil || isNull {
		return nil, err
	}
	if err := validateURL(field, text); err != nil {
		return nil, err
	}
	return text, nil
}

func validateURL(_ Field, value any) error {
	if value == nil {
		return nil
	}
	text, ok := value.(string)
	if !ok {
		return fmt.Errorf("%w: expected url, got %T", ErrValidation, value)
	}
	parsed, err := url.Parse(text)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("%w: %q is not an absolute http(s) url", ErrValidation, text)
	}
	return nil
}

func coerceEmail(_ Field, raw any) (any, error) {
	text, isNull, err := trimmedText(raw)
	if err != nil || isNull {
		return nil, err
	}
	address, parseErr := mail.ParseAddress(text)
	if parseErr != nil {
		return nil, fmt.Errorf("%w: %q is not an email address", ErrValidation, text)
	}
	return address.Address, nil
}

func validateEmail(_ Field, value any) error {
	if value == nil {
		return nil
	}
	text, ok := value.(string)
	if !ok {
		return fmt.Errorf("%w: expected email, got %T", ErrValidation, value)
	}
	address, err := mail.ParseAddress(text)
	if err != nil || address.Address != text {
		return fmt.Errorf("%w: %q is not an email address", ErrValidation, text)
	}
	return nil
}

func trimmedText(raw any) (string, bool, error) {
	switch typed := raw.(type) {
	case nil:
		return "", true, nil
	case string:
		trimmed := strings.TrimSpace(typed)
		return trimmed, trimmed == "", nil
	default:
		return "", false, fmt.Errorf(errFormatUnsupported, ErrValidation, raw)
	}
}

func toFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case uint:
		return float64(typed), true
	case uint32:
		return float64(typed), true
	case uint64:
		return float64(typed), true
	case json.Number:
		parsed, err := typed.Float64()
		return parsed, err == nil
	default:
		return 0, false
	}
}
