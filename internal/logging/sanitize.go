package logging

import "strings"

// maxFieldLen bounds remote output copied into a single log field.
const maxFieldLen = 512

// Sanitize flattens remote command output for a log field: line breaks and
// tabs become spaces, other control characters are dropped, and the result
// is truncated so one chatty host cannot flood the log.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(min(len(s), maxFieldLen))
	n := 0
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			r = ' '
		case r < 32 || r == 0x7f:
			continue
		}
		if n >= maxFieldLen {
			b.WriteString("...")
			break
		}
		b.WriteRune(r)
		n++
	}
	return strings.TrimSpace(b.String())
}
