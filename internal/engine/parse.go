package engine

import (
	"strconv"
	"strings"
)

// ParseKVBlock parses the engine's key="value" response lines into a map.
// Values keep their \uXXXX escapes decoded; filenames from the engine use
// them for non-ASCII characters.
func ParseKVBlock(lines []string) map[string]string {
	kv := make(map[string]string, len(lines))
	for _, line := range lines {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			continue
		}
		kv[key] = decodeValue(value)
	}
	return kv
}

// Section extracts the lines of the "--- n ---" block from a sectioned
// metadata response. Returns nil when the section is missing.
func Section(lines []string, n int) []string {
	marker := "--- " + strconv.Itoa(n) + " ---"
	var out []string
	in := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == marker:
			in = true
		case strings.HasPrefix(trimmed, "--- "):
			if in {
				return out
			}
		case in:
			out = append(out, line)
		}
	}
	if !in {
		return nil
	}
	return out
}

// decodeValue strips surrounding quotes and decodes \uXXXX and common
// backslash escapes. Malformed escapes are kept verbatim rather than
// dropping the value.
func decodeValue(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		if unquoted, err := strconv.Unquote(v); err == nil {
			return unquoted
		}
		v = v[1 : len(v)-1]
	}
	if !strings.Contains(v, `\u`) {
		return v
	}
	if unquoted, err := strconv.Unquote(`"` + strings.ReplaceAll(v, `"`, `\"`) + `"`); err == nil {
		return unquoted
	}
	return v
}
