package commands

import (
	"strings"
	"unicode"
)

// Parser recognizes command lines. A command is a prefix, a name starting
// with an ASCII letter, and optional arguments after whitespace. Arguments
// may span lines so pasted JSON works.
type Parser struct {
	prefixes []string
}

// NewParser returns a parser for the given prefixes, "/" when none are given.
func NewParser(prefixes ...string) *Parser {
	if len(prefixes) == 0 {
		prefixes = []string{"/"}
	}
	return &Parser{prefixes: prefixes}
}

// ParseCommand returns nil when text is not a command. Names are lowercased.
func (p *Parser) ParseCommand(text string) *ParsedCommand {
	text = strings.TrimSpace(text)
	for _, prefix := range p.prefixes {
		body, ok := strings.CutPrefix(text, prefix)
		if !ok || body == "" || !isASCIILetter(body[0]) {
			continue
		}
		end := strings.IndexFunc(body, func(r rune) bool { return !isNameRune(r) })
		if end < 0 {
			return &ParsedCommand{Name: strings.ToLower(body), Prefix: prefix}
		}
		rest := body[end:]
		if r := []rune(rest)[0]; !unicode.IsSpace(r) {
			return nil
		}
		return &ParsedCommand{
			Name:   strings.ToLower(body[:end]),
			Args:   strings.TrimSpace(rest),
			Prefix: prefix,
		}
	}
	return nil
}

// IsCommand reports whether ParseCommand would accept text.
func (p *Parser) IsCommand(text string) bool {
	return p.ParseCommand(text) != nil
}

// SplitCommandArgs splits argument text at the first whitespace.
func SplitCommandArgs(text string) (head, rest string) {
	text = strings.TrimSpace(text)
	i := strings.IndexFunc(text, unicode.IsSpace)
	if i < 0 {
		return text, ""
	}
	return text[:i], strings.TrimSpace(text[i:])
}

func isASCIILetter(b byte) bool {
	return ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}

func isNameRune(r rune) bool {
	return r < unicode.MaxASCII && (isASCIILetter(byte(r)) || ('0' <= r && r <= '9') || r == '_' || r == '-')
}
