package agent

import (
	"regexp"
	"strings"
)

// ToolResultGuard controls how tool output is redacted before it is appended
// to the transcript, persisted, and sent back to the model.
type ToolResultGuard struct {
	// MaxChars truncates longer payloads (0 = unlimited).
	MaxChars int `yaml:"max_chars" json:"max_chars"`

	// Denylist replaces the whole payload of matching tools.
	Denylist []string `yaml:"denylist" json:"denylist"`

	// RedactPatterns are regular expressions replaced inside payloads.
	RedactPatterns []string `yaml:"redact_patterns" json:"redact_patterns"`

	RedactionText  string `yaml:"redaction_text" json:"redaction_text"`
	TruncateSuffix string `yaml:"truncate_suffix" json:"truncate_suffix"`
}

func (g ToolResultGuard) active() bool {
	return g.MaxChars > 0 || len(g.Denylist) > 0 || len(g.RedactPatterns) > 0
}

// Apply rewrites the payload or failure message of r in place.
func (g ToolResultGuard) Apply(r *ExecutionResult) {
	if r == nil || !g.active() {
		return
	}
	if r.Outcome == OutcomeSuccess {
		r.Payload = g.apply(r.ToolName, r.Payload)
	} else {
		r.Message = g.apply(r.ToolName, r.Message)
	}
}

func (g ToolResultGuard) apply(toolName, content string) string {
	redaction := strings.TrimSpace(g.RedactionText)
	if redaction == "" {
		redaction = "[redacted]"
	}
	truncateSuffix := strings.TrimSpace(g.TruncateSuffix)
	if truncateSuffix == "" {
		truncateSuffix = "...[truncated]"
	}

	if len(g.Denylist) > 0 && matchesPattern(g.Denylist, toolName) {
		return redaction
	}

	if len(g.RedactPatterns) > 0 && content != "" {
		for _, pattern := range g.RedactPatterns {
			pattern = strings.TrimSpace(pattern)
			if pattern == "" {
				continue
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				continue
			}
			content = re.ReplaceAllString(content, redaction)
		}
	}

	if g.MaxChars > 0 && len(content) > g.MaxChars {
		content = content[:g.MaxChars] + truncateSuffix
	}
	return content
}
