package flow

import (
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}|\{\s*([A-Za-z0-9_.\-]+)\s*\}`)

// Expand replaces {key} and {{key}} placeholders with values from vars. Keys match
// case-insensitively; unknown keys are left as written.
func Expand(text string, vars map[string]string) string {
	if !strings.Contains(text, "{") {
		return text
	}
	lower := make(map[string]string, len(vars))
	for k, v := range vars {
		lower[strings.ToLower(k)] = v
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(m string) string {
		sub := placeholderPattern.FindStringSubmatch(m)
		key := sub[1]
		if key == "" {
			key = sub[2]
		}
		if v, ok := lower[strings.ToLower(key)]; ok {
			return v
		}
		return m
	})
}
