// Package syslogkv parses raw syslog-style lines: a numeric <PRI> tag, an
// optional timestamp/host prefix, and embedded key=value tokens.
package syslogkv

import (
	"strconv"
	"strings"
)

// Message is the parsed form of a syslog line. All parts are optional;
// malformed input degrades to partial output, never to an error.
type Message struct {
	// Priority is the numeric value of the leading <NNN> tag, or -1 when
	// the tag is missing or unparseable.
	Priority int

	// Timestamp is the raw "Mmm dd hh:mm:ss" prefix, untouched.
	Timestamp string

	// Host is the token following the timestamp prefix, when present.
	Host string

	// KV holds every key=value token found anywhere on the line. The last
	// occurrence of a duplicate key wins.
	KV map[string]string

	// Raw is the original line.
	Raw string
}

// Parser extracts structure from syslog lines.
type Parser struct {
	maxPairs int
}

// ParserConfig holds configuration for the parser.
type ParserConfig struct {
	// MaxPairs caps the number of key=value pairs extracted per line.
	MaxPairs int
}

// DefaultParserConfig returns the default parser configuration.
func DefaultParserConfig() ParserConfig {
	return ParserConfig{MaxPairs: 200}
}

// NewParser creates a new syslog key/value parser.
func NewParser(cfg ParserConfig) *Parser {
	if cfg.MaxPairs <= 0 {
		cfg.MaxPairs = 200
	}
	return &Parser{maxPairs: cfg.MaxPairs}
}

// Parse parses a syslog line. It is total: every input yields a Message.
func (p *Parser) Parse(line string) *Message {
	msg := &Message{
		Priority: -1,
		KV:       make(map[string]string),
		Raw:      line,
	}

	rest := strings.TrimSpace(line)

	// Leading <NNN> priority tag
	if strings.HasPrefix(rest, "<") {
		if end := strings.IndexByte(rest, '>'); end > 1 {
			if pri, err := strconv.Atoi(rest[1:end]); err == nil && pri >= 0 {
				msg.Priority = pri
				rest = strings.TrimSpace(rest[end+1:])
			}
		}
	}

	// Timestamp ("Mmm dd hh:mm:ss", three tokens) followed by the host.
	// Anything shorter is treated as having no prefix at all.
	tokens := strings.Fields(rest)
	if len(tokens) >= 4 {
		msg.Timestamp = strings.Join(tokens[0:3], " ")
		msg.Host = tokens[3]
	}

	// key=value tokens can appear anywhere after the priority tag; a value
	// is the longest run of non-whitespace after the '='.
	for _, token := range strings.Fields(rest) {
		eq := strings.IndexByte(token, '=')
		if eq <= 0 || eq == len(token)-1 {
			continue
		}
		key := token[:eq]
		if !isKey(key) {
			continue
		}
		msg.KV[key] = token[eq+1:]
		if len(msg.KV) >= p.maxPairs {
			break
		}
	}

	return msg
}

// isKey reports whether s looks like a key (letters, digits, '_', '-', '.').
func isKey(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.':
		default:
			return false
		}
	}
	return true
}
