package breakpoint

import (
	"strconv"
	"strings"
)

// EncodeLogMessage converts a user-facing logpoint message with inline
// {expression} placeholders into the wire pair of a positional format
// string and an expression list:
//
//	"a={a} total={a+b}"  ->  "a=$0 total=$1", ["a", "a+b"]
//
// A literal dollar sign is escaped as $$ so decoding stays unambiguous.
// Braces nest: the placeholder ends at the matching close brace.
func EncodeLogMessage(message string) (format string, expressions []string) {
	var b strings.Builder
	for i := 0; i < len(message); i++ {
		c := message[i]
		switch c {
		case '$':
			b.WriteString("$$")
		case '{':
			depth := 1
			j := i + 1
			for j < len(message) && depth > 0 {
				switch message[j] {
				case '{':
					depth++
				case '}':
					depth--
				}
				j++
			}
			if depth != 0 {
				// Unterminated placeholder: keep it literal.
				b.WriteByte(c)
				continue
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(len(expressions)))
			expressions = append(expressions, message[i+1:j-1])
			i = j - 1
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), expressions
}

// DecodeLogMessage is the exact inverse of EncodeLogMessage. Positional
// references without a matching expression are kept literally so a
// malformed server record still renders something inspectable.
func DecodeLogMessage(format string, expressions []string) string {
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '$' || i+1 >= len(format) {
			b.WriteByte(c)
			continue
		}
		next := format[i+1]
		if next == '$' {
			b.WriteByte('$')
			i++
			continue
		}
		if next < '0' || next > '9' {
			b.WriteByte(c)
			continue
		}
		j := i + 1
		for j < len(format) && format[j] >= '0' && format[j] <= '9' {
			j++
		}
		idx, _ := strconv.Atoi(format[i+1 : j])
		if idx < len(expressions) {
			b.WriteByte('{')
			b.WriteString(expressions[idx])
			b.WriteByte('}')
		} else {
			b.WriteString(format[i:j])
		}
		i = j - 1
	}
	return b.String()
}
