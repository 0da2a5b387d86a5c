package octave

import (
	"fmt"
	"strings"
)

// Quote renders s as a double-quoted Octave string literal.
//
// Quotes and backslashes are escaped and every control character is written
// as an escape sequence, so the literal always stays on one line and
// evaluates back to exactly s.
func Quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if c < 0x20 || c == 0x7f {
				// Fixed width so a following digit is never read as part of the escape.
				fmt.Fprintf(&b, `\%03o`, c)
				continue
			}
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// Cell renders the quoted items as an Octave cell array literal.
func Cell(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = Quote(item)
	}
	return "{" + strings.Join(quoted, ",") + "}"
}

// Call builds a single statement invoking command with already-rendered arguments.
func Call(command string, args ...string) string {
	return command + "(" + strings.Join(args, ", ") + ");"
}
