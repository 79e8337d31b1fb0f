package models

import (
	"encoding/json"
	"strings"
)

// ParsePartialJSON turns the prefix of a JSON document, as produced while a model streams tool input,
// into the closest valid document: open strings, objects and arrays are closed and incomplete trailing
// tokens are dropped. It returns nil when nothing valid can be recovered.
func ParsePartialJSON(s string) json.RawMessage {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	for cut := len(s); cut > 0; cut-- {
		if fixed, ok := closeJSON(s[:cut]); ok {
			return fixed
		}
	}
	return nil
}

func closeJSON(s string) (json.RawMessage, bool) {
	var closers []byte
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			closers = append(closers, '}')
		case '[':
			closers = append(closers, ']')
		case '}', ']':
			if len(closers) == 0 {
				return nil, false
			}
			closers = closers[:len(closers)-1]
		}
	}
	if escaped {
		return nil, false
	}

	var sb strings.Builder
	sb.WriteString(s)
	if inString {
		sb.WriteByte('"')
	}
	res := strings.TrimRight(sb.String(), " \t\r\n")
	res = strings.TrimSuffix(res, ",")
	for i := len(closers) - 1; i >= 0; i-- {
		res += string(closers[i])
	}

	if !json.Valid([]byte(res)) {
		return nil, false
	}
	return json.RawMessage(res), true
}
