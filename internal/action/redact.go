package action

// maxFieldRunes bounds string fields recorded in snapshots. Longer values
// are truncated with an ellipsis marker so oversized payloads never reach
// the event trail or the push transport.
const maxFieldRunes = 400

// Redact truncates a string to the snapshot field budget.
func Redact(s string) string {
	runes := []rune(s)
	if len(runes) <= maxFieldRunes {
		return s
	}
	return string(runes[:maxFieldRunes]) + "…"
}

// RedactInput returns a copy of the input map with every string field
// truncated. Nested maps and string slices are redacted recursively;
// other value types pass through unchanged.
func RedactInput(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return Redact(val)
	case map[string]any:
		return RedactInput(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = Redact(item)
		}
		return out
	default:
		return v
	}
}
