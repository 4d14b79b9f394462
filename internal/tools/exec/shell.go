package exec

import (
	"errors"
	"regexp"
	"strings"
)

var (
	shellMetachars  = regexp.MustCompile("[;&|`$<>]")
	controlChars    = regexp.MustCompile(`[\r\n]`)
	quoteChars      = regexp.MustCompile(`["']`)
	bareNamePattern = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)
)

// Errors returned by ValidateShell.
var (
	ErrEmptyShell        = errors.New("shell is empty")
	ErrShellNullByte     = errors.New("shell contains a null byte")
	ErrShellControlChar  = errors.New("shell contains control characters")
	ErrShellMetachar     = errors.New("shell contains shell metacharacters")
	ErrShellQuote        = errors.New("shell contains quote characters")
	ErrShellOption       = errors.New("shell starts with a dash")
	ErrShellInvalidChars = errors.New("shell name contains invalid characters")
)

// ValidateShell checks that value names an executable, either a path or a
// bare name looked up on PATH, and returns it trimmed. The command text is
// passed with -c, so the shell value itself must not carry arguments.
func ValidateShell(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	switch {
	case trimmed == "":
		return "", ErrEmptyShell
	case strings.Contains(trimmed, "\x00"):
		return "", ErrShellNullByte
	case controlChars.MatchString(trimmed):
		return "", ErrShellControlChar
	case shellMetachars.MatchString(trimmed):
		return "", ErrShellMetachar
	case quoteChars.MatchString(trimmed):
		return "", ErrShellQuote
	case isLikelyPath(trimmed):
		return trimmed, nil
	case strings.HasPrefix(trimmed, "-"):
		return "", ErrShellOption
	case !bareNamePattern.MatchString(trimmed):
		return "", ErrShellInvalidChars
	}
	return trimmed, nil
}

func isLikelyPath(value string) bool {
	if strings.HasPrefix(value, ".") || strings.HasPrefix(value, "~") {
		return true
	}
	return strings.ContainsAny(value, `/\`)
}
