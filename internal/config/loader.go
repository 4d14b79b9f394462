package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// includeKey lists files merged underneath the one that names them. Entries
// are relative to the including file and may be globs.
const includeKey = "$include"

// envRef matches ${NAME}, ${NAME:-default} and ${NAME:?message}. Bare $NAME
// is not expanded so $include survives.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?:(:-|:\?)([^}]*))?\}`)

// Load reads path and the files it includes, decodes the merged document over
// Default() and validates the result.
func Load(path string) (*Config, error) {
	cfg, _, err := LoadFiles(path)
	return cfg, err
}

// LoadFiles is Load that also reports every file read, path first.
func LoadFiles(path string) (*Config, []string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, errors.New("config path is required")
	}
	l := &loader{active: map[string]bool{}}
	doc, err := l.load(path)
	if err != nil {
		return nil, l.files, fmt.Errorf("load config %s: %w", path, err)
	}
	cfg, err := decode(doc)
	if err != nil {
		return nil, l.files, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, l.files, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, l.files, nil
}

type loader struct {
	active map[string]bool // files on the current include chain
	files  []string
}

func (l *loader) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if l.active[abs] {
		return nil, fmt.Errorf("include cycle at %s", abs)
	}
	l.active[abs] = true
	defer delete(l.active, abs)
	l.files = append(l.files, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	expanded, err := expandEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	doc, err := parse([]byte(expanded), abs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	patterns, err := takeIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	merged := map[string]any{}
	for _, pattern := range patterns {
		paths, err := resolveInclude(filepath.Dir(abs), pattern)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", abs, err)
		}
		for _, p := range paths {
			included, err := l.load(p)
			if err != nil {
				return nil, err
			}
			merged = merge(merged, included)
		}
	}
	return merge(merged, doc), nil
}

// expandEnv substitutes environment references. An unset or empty variable
// takes the :- default, fails with the :? message, or becomes "".
func expandEnv(s string) (string, error) {
	var missing []string
	out := envRef.ReplaceAllStringFunc(s, func(match string) string {
		m := envRef.FindStringSubmatch(match)
		if value := os.Getenv(m[1]); value != "" {
			return value
		}
		if m[2] == ":?" {
			msg := m[3]
			if msg == "" {
				msg = "is required"
			}
			missing = append(missing, m[1]+" "+msg)
			return ""
		}
		return m[3]
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("environment: %s", strings.Join(missing, "; "))
	}
	return out, nil
}

// parse decodes one file. .json and .json5 files are JSON5; anything else is
// a single YAML document.
func parse(data []byte, path string) (map[string]any, error) {
	doc := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, errors.New("expected a single YAML document")
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

func takeIncludes(doc map[string]any) ([]string, error) {
	value, ok := doc[includeKey]
	if !ok {
		return nil, nil
	}
	delete(doc, includeKey)

	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	case []any:
		patterns := make([]string, 0, len(v))
		for _, entry := range v {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings, got %T", includeKey, entry)
			}
			patterns = append(patterns, s)
		}
		return patterns, nil
	}
	return nil, fmt.Errorf("%s must be a string or a list of strings", includeKey)
}

// resolveInclude expands pattern relative to dir. A glob may match nothing;
// a plain path must exist.
func resolveInclude(dir, pattern string) ([]string, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, nil
	}
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(dir, pattern)
	}
	if !strings.ContainsAny(pattern, "*?[") {
		return []string{pattern}, nil
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", includeKey, pattern, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// merge overlays src onto dst. Nested maps merge key by key; everything
// else, lists included, is replaced.
func merge(dst, src map[string]any) map[string]any {
	for key, value := range src {
		if sub, ok := value.(map[string]any); ok {
			if existing, ok := dst[key].(map[string]any); ok {
				dst[key] = merge(existing, sub)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

// decode round-trips the merged document through YAML so durations and
// unknown keys are handled by the typed decoder.
func decode(doc map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("serialize config: %w", err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}
