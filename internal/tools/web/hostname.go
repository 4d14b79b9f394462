package web

import "strings"

// blockedHostnames are refused before any lookup happens.
var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
}

var blockedSuffixes = []string{".localhost", ".local", ".internal"}

func normalizeHostname(hostname string) string {
	normalized := strings.ToLower(strings.TrimSpace(hostname))
	normalized = strings.TrimSuffix(normalized, ".")
	normalized = strings.TrimPrefix(normalized, "[")
	return strings.TrimSuffix(normalized, "]")
}

// isBlockedHostname reports names that point at the local machine or a
// cloud metadata service regardless of what DNS says.
func isBlockedHostname(hostname string) bool {
	normalized := normalizeHostname(hostname)
	if normalized == "" {
		return false
	}
	if blockedHostnames[normalized] {
		return true
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(normalized, suffix) {
			return true
		}
	}
	return false
}
