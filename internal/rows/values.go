package rows

import "encoding/json"

// NormalizeValue maps decoded JSON shapes onto the canonical value types:
// numbers become float64 and all-string lists become []string.
func NormalizeValue(value any) any {
	switch typed := value.(type) {
	case json.Number:
		if parsed, err := typed.Float64(); err == nil {
			return parsed
		}
		return typed.String()
	case int:
		return float64(typed)
	case int64:
		return float64(typed)
	case float32:
		return float64(typed)
	case []any:
		list := make([]string, 0, len(typed))
		for _, element := range typed {
			text, ok := element.(string)
			if !ok {
				return typed
			}
			list = append(list, text)
		}
		return list
	default:
		return value
	}
}

// NormalizeFields applies NormalizeValue to every entry.
func NormalizeFields(fields Fields) Fields {
	normalized := make(Fields, len(fields))
	for key, value := range fields {
		normalized[key] = NormalizeValue(value)
	}
	return normalized
}

// ValuesEqual compares two field values after normalization.
func ValuesEqual(left, right any) bool {
	left = NormalizeValue(left)
	right = NormalizeValue(right)
	leftList, leftIsList := left.([]string)
	rightList, rightIsList := right.([]string)
	if leftIsList || rightIsList {
		if !leftIsList || !rightIsList || len(leftList) != len(rightList) {
			return false
		}
		for index := range leftList {
			if leftList[index] != rightList[index] {
				return false
			}
		}
		return true
	}
	switch left.(type) {
	case nil, string, float64, bool:
		return left == right
	default:
		leftJSON, leftErr := json.Marshal(left)
		rightJSON, rightErr := json.Marshal(right)
		return leftErr == nil && rightErr == nil && string(leftJSON) == string(rightJSON)
	}
}

// CloneValue copies list values so the result does not alias value.
func CloneValue(value any) any {
	switch typed := value.(type) {
	case []string:
		return append([]string(nil), typed...)
	case []any:
		return append([]any(nil), typed...)
	default:
		return value
	}
}
