package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	maxDetailParts = 4
	maxDetailChars = 120
)

type toolVerb struct {
	icon string
	verb string
	keys []string
}

var toolVerbs = map[string]toolVerb{
	"read_file":   {"📖", "Reading", []string{"path"}},
	"list_dir":    {"📂", "Listing", []string{"path"}},
	"write_file":  {"✏️", "Writing", []string{"path"}},
	"edit_file":   {"✏️", "Editing", []string{"path"}},
	"delete_file": {"🗑️", "Deleting", []string{"path"}},
	"exec":        {"💻", "Running", []string{"command", "cwd"}},
	"web_fetch":   {"🌐", "Fetching", []string{"url"}},
}

var fallbackKeys = []string{"path", "url", "command", "query", "name"}

// Summarize renders a call as one line for approval prompts and progress
// output, e.g. "💻 Running: ls -la". Unknown tools get a title made from
// their name. Arguments that are not a JSON object add no detail.
func Summarize(name string, args json.RawMessage) string {
	v, ok := toolVerbs[name]
	if !ok {
		v = toolVerb{icon: "🧩", verb: defaultTitle(name), keys: fallbackKeys}
	}
	line := v.icon + " " + v.verb

	var fields map[string]any
	if len(args) == 0 || json.Unmarshal(args, &fields) != nil {
		return line
	}
	var detail string
	if name == "read_file" {
		detail = readDetail(fields)
	} else {
		detail = joinDetail(fields, v.keys)
	}
	if detail != "" {
		line += ": " + detail
	}
	return line
}

func joinDetail(fields map[string]any, keys []string) string {
	var parts []string
	for _, key := range keys {
		if len(parts) == maxDetailParts {
			break
		}
		s := displayValue(fields[key])
		if s == "" {
			continue
		}
		if key == "path" || key == "cwd" {
			s = shortenHomePath(s)
		}
		s, _ = Truncate(strings.Join(strings.Fields(s), " "), maxDetailChars)
		parts = append(parts, s)
	}
	return strings.Join(parts, " · ")
}

// readDetail shows the byte window of a ranged read as "(offset+max)".
func readDetail(fields map[string]any) string {
	path, _ := fields["path"].(string)
	if path == "" {
		return ""
	}
	detail := shortenHomePath(path)
	offset, limit := displayValue(fields["offset"]), displayValue(fields["max_bytes"])
	switch {
	case offset != "" && limit != "":
		detail += fmt.Sprintf(" (%s+%s)", offset, limit)
	case offset != "":
		detail += " (" + offset + ")"
	case limit != "":
		detail += " (0+" + limit + ")"
	}
	return detail
}

func displayValue(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case []any:
		var items []string
		for _, item := range v {
			if s := displayValue(item); s != "" {
				items = append(items, s)
			}
		}
		return strings.Join(items, ", ")
	case map[string]any:
		for _, key := range []string{"name", "id", "path", "value"} {
			if inner, ok := v[key]; ok {
				return displayValue(inner)
			}
		}
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// defaultTitle turns read_file or web-search into "Read File" or "Web Search".
func defaultTitle(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool { return r == '_' || r == '-' || r == ' ' })
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// shortenHomePath writes paths under the home directory with a leading ~.
func shortenHomePath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	home = filepath.Clean(home)
	clean := filepath.Clean(path)
	if clean == home {
		return "~"
	}
	if rest, ok := strings.CutPrefix(clean, home+string(filepath.Separator)); ok {
		return "~" + string(filepath.Separator) + rest
	}
	return path
}
