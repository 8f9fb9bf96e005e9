package textutil

import "strings"

// NormalizeLocaleMap trims and lowercases the locale keys of a translation
// map and trims the values. Entries with empty keys or empty values are
// dropped. Returns nil when nothing survives.
func NormalizeLocaleMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	result := make(map[string]string, len(values))
	for key, value := range values {
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
