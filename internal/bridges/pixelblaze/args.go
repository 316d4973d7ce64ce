package pixelblaze

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// argDelimiter separates arguments in a command payload.
const argDelimiter = "="

// argument is one command argument: the text as received and, when it
// looked like a literal, its parsed value.
type argument struct {
	raw   string
	value any
}

// arguments gives typed access to command arguments with defaults for
// anything not supplied.
type arguments []argument

// parseArgs splits a payload such as "sliderSpeed=0.5=True" into
// arguments. Parts are trimmed and empty parts dropped. Parts that start
// like a literal (a bracket, a digit, True or False) are decoded; the
// rest stay strings.
func parseArgs(payload string) arguments {
	var args arguments
	for part := range strings.SplitSeq(payload, argDelimiter) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		arg := argument{raw: part, value: part}
		if looksLiteral(part) {
			if v, err := parseLiteral(part); err == nil {
				arg.value = v
			}
		}
		args = append(args, arg)
	}
	return args
}

func looksLiteral(s string) bool {
	switch {
	case strings.HasPrefix(s, "True"), strings.HasPrefix(s, "False"):
		return true
	case s[0] == '[' || s[0] == '{' || s[0] == '(':
		return true
	case s[0] >= '0' && s[0] <= '9':
		return true
	case s[0] == '-' && len(s) > 1 && s[1] >= '0' && s[1] <= '9':
		return true
	}
	return false
}

// parseLiteral decodes a JSON value, also accepting the single-quoted
// strings, tuples and True/False/None spellings common in hand-typed
// payloads.
func parseLiteral(s string) (any, error) {
	normalised, err := normaliseLiteral(s)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal([]byte(normalised), &v); err != nil {
		return nil, err
	}
	return v, nil
}

var errUnterminated = errors.New("unterminated string")

// normaliseLiteral rewrites a literal into JSON outside of string contents.
func normaliseLiteral(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '"' || c == '\'':
			end := closingQuote(s, i)
			if end < 0 {
				return "", errUnterminated
			}
			body := s[i+1 : end]
			if c == '\'' {
				body = strings.ReplaceAll(body, `\'`, `'`)
				body = strings.ReplaceAll(body, `"`, `\"`)
			}
			b.WriteByte('"')
			b.WriteString(body)
			b.WriteByte('"')
			i = end + 1

		case c == '(':
			b.WriteByte('[')
			i++
		case c == ')':
			b.WriteByte(']')
			i++

		case isIdentByte(c):
			j := i
			for j < len(s) && isIdentByte(s[j]) {
				j++
			}
			switch word := s[i:j]; word {
			case "True":
				b.WriteString("true")
			case "False":
				b.WriteString("false")
			case "None":
				b.WriteString("null")
			default:
				b.WriteString(word)
			}
			i = j

		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), nil
}

// closingQuote returns the index of the quote closing the string opened
// at start, or -1.
func closingQuote(s string, start int) int {
	quote := s[start]
	for i := start + 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case quote:
			return i
		}
	}
	return -1
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// Has reports whether argument i was supplied.
func (a arguments) Has(i int) bool {
	return i < len(a)
}

// Value returns the decoded argument, or def.
func (a arguments) Value(i int, def any) any {
	if !a.Has(i) {
		return def
	}
	return a[i].value
}

// String returns the argument exactly as received, or def.
func (a arguments) String(i int, def string) string {
	if !a.Has(i) {
		return def
	}
	return a[i].raw
}

// Float returns the argument as a number, or def.
func (a arguments) Float(i int, def float64) (float64, error) {
	if !a.Has(i) {
		return def, nil
	}
	switch v := a[i].value.(type) {
	case float64:
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	}
	f, err := strconv.ParseFloat(a[i].raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidArgument, a[i].raw)
	}
	return f, nil
}

// Int returns the argument truncated to an integer, or def.
func (a arguments) Int(i int, def int) (int, error) {
	f, err := a.Float(i, float64(def))
	return int(f), err
}

// Bool returns the argument as a flag, or def. Strings are true when they
// read yes, true, t or 1 in any case.
func (a arguments) Bool(i int, def bool) bool {
	if !a.Has(i) {
		return def
	}
	switch v := a[i].value.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	}
	switch strings.ToLower(a[i].raw) {
	case "yes", "true", "t", "1":
		return true
	}
	return false
}

// Object returns the argument as a JSON object.
func (a arguments) Object(i int) (map[string]any, error) {
	if !a.Has(i) {
		return nil, fmt.Errorf("%w: missing object argument %d", ErrInvalidArgument, i+1)
	}
	obj, ok := a[i].value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an object", ErrInvalidArgument, a[i].raw)
	}
	return obj, nil
}

// Floats returns the argument as a list of numbers.
func (a arguments) Floats(i int) ([]float64, error) {
	if !a.Has(i) {
		return nil, fmt.Errorf("%w: missing list argument %d", ErrInvalidArgument, i+1)
	}
	list, ok := a[i].value.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a list", ErrInvalidArgument, a[i].raw)
	}
	out := make([]float64, 0, len(list))
	for _, item := range list {
		f, ok := item.(float64)
		if !ok {
			return nil, fmt.Errorf("%w: %q holds a non-number", ErrInvalidArgument, a[i].raw)
		}
		out = append(out, f)
	}
	return out, nil
}

// Required returns ErrInvalidArgument unless argument i was supplied.
func (a arguments) Required(i int, name string) error {
	if !a.Has(i) {
		return fmt.Errorf("%w: %s is required", ErrInvalidArgument, name)
	}
	return nil
}
