package lifecycle

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxTraceLength bounds the error trace stored on a failed run.
const MaxTraceLength = 4000

const truncatedMarker = "\n...[truncated]"

// Trace renders the error chain, one cause per line, followed by stack when
// given. The result never exceeds MaxTraceLength bytes.
func Trace(err error, stack []byte) string {
	var b strings.Builder
	depth := 0
	for e := err; e != nil; e = errors.Unwrap(e) {
		if depth > 0 {
			b.WriteString("\ncaused by: ")
		}
		fmt.Fprintf(&b, "%T: %s", e, e.Error())
		depth++
	}
	if len(stack) > 0 {
		b.WriteString("\n\n")
		b.Write(stack)
	}
	return Truncate(b.String(), MaxTraceLength)
}

// Truncate cuts s to at most limit bytes on a rune boundary, marking the cut.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - len(truncatedMarker)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedMarker
}
