// Package jsonutil parses the loosely formed JSON that language models emit.
//
// Model output routinely carries fenced ```json blocks, line comments,
// single-quoted keys, trailing commas and stray control characters.
// Clean normalizes those into strict JSON; Unmarshal combines extraction,
// cleaning and decoding.
package jsonutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNoJSON is returned when no JSON object or array can be located in the input.
var ErrNoJSON = errors.New("no JSON value found")

var fencePattern = regexp.MustCompile("(?s)```([a-zA-Z0-9]*)[ \t]*\r?\n?(.*?)```")

// Extract returns the JSON payload embedded in s. A ```json fence wins,
// then the first fence whose body opens an object or array; otherwise the
// first balanced object or array in the text is returned.
func Extract(s string) (string, error) {
	s = strings.TrimPrefix(s, "\ufeff")
	if body, ok := fencedJSON(s); ok {
		return body, nil
	}

	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "", ErrNoJSON
	}

	start := strings.IndexAny(trimmed, "{[")
	if start < 0 {
		return "", ErrNoJSON
	}
	end := findClosing(trimmed, start)
	if end < 0 {
		// Unbalanced: hand back the tail and let the decoder report the error.
		return trimmed[start:], nil
	}
	return trimmed[start : end+1], nil
}

func fencedJSON(s string) (string, bool) {
	var fallback string
	for _, m := range fencePattern.FindAllStringSubmatch(s, -1) {
		body := strings.TrimSpace(m[2])
		if body == "" {
			continue
		}
		if strings.EqualFold(m[1], "json") {
			return body, true
		}
		if fallback == "" && (body[0] == '{' || body[0] == '[') {
			fallback = body
		}
	}
	return fallback, fallback != ""
}

// findClosing finds the bracket matching the one at start. It skips
// double- and single-quoted strings as well as // and /* */ comments.
func findClosing(s string, start int) int {
	depth := 0
	var quote byte
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '/':
			if i+1 >= len(s) {
				continue
			}
			switch s[i+1] {
			case '/':
				nl := strings.IndexByte(s[i:], '\n')
				if nl < 0 {
					return -1
				}
				i += nl
			case '*':
				end := strings.Index(s[i+2:], "*/")
				if end < 0 {
					return -1
				}
				i += end + 3
			}
		case '"', '\'':
			quote = c
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// Clean rewrites s into strict JSON. It strips the BOM and ASCII control
// characters other than HT/LF/CR, removes // and /* */ comments outside
// string literals, converts single-quoted strings to double-quoted ones and
// drops trailing commas before } or ].
func Clean(s string) string {
	s = stripControl(s)
	s = stripComments(s)
	s = requote(s)
	return dropTrailingCommas(s)
}

// Unmarshal extracts, cleans and decodes the JSON embedded in s into v.
func Unmarshal(s string, v any) error {
	raw, err := Extract(s)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(Clean(raw)), v); err != nil {
		return fmt.Errorf("decoding cleaned JSON: %w", err)
	}
	return nil
}

func stripControl(s string) string {
	s = strings.ReplaceAll(s, "\ufeff", "")
	return strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

func stripComments(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var quote byte
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == quote:
				quote = 0
			}
			continue
		}
		if c == '/' && i+1 < len(s) {
			switch s[i+1] {
			case '/':
				for i < len(s) && s[i] != '\n' {
					i++
				}
				if i < len(s) {
					b.WriteByte('\n')
				}
				continue
			case '*':
				end := strings.Index(s[i+2:], "*/")
				if end < 0 {
					return b.String()
				}
				i += end + 3
				continue
			}
		}
		if c == '"' || c == '\'' {
			quote = c
		}
		b.WriteByte(c)
	}
	return b.String()
}

// requote converts single-quoted string literals into double-quoted ones,
// escaping embedded double quotes and unescaping \'.
func requote(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inDouble := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inDouble {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inDouble = false
			}
			continue
		}
		switch c {
		case '"':
			inDouble = true
			b.WriteByte(c)
		case '\'':
			b.WriteByte('"')
			i++
			for ; i < len(s); i++ {
				d := s[i]
				if d == '\\' && i+1 < len(s) {
					if s[i+1] == '\'' {
						b.WriteByte('\'')
					} else {
						b.WriteByte(d)
						b.WriteByte(s[i+1])
					}
					i++
					continue
				}
				if d == '\'' {
					break
				}
				if d == '"' {
					b.WriteString(`\"`)
					continue
				}
				b.WriteByte(d)
			}
			b.WriteByte('"')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func dropTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
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
		if c == '"' {
			inString = true
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && isSpace(s[j]) {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
