// Package chat adapts session output for chat transports: scrubbing,
// coalescing, chunking, and the Discord bot that drives it all.
package chat

import (
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

// Scrub renders a raw PTY chunk as chat text. ANSI sequences are
// stripped, CRLF folds to LF, a bare CR keeps only what the program
// rewrote the line to, and leftover control bytes are dropped.
func Scrub(s string) string {
	s = ansi.Strip(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if j := strings.LastIndexByte(line, '\r'); j >= 0 {
			line = line[j+1:]
		}
		lines[i] = dropControls(line)
	}
	return strings.Join(lines, "\n")
}

func dropControls(line string) string {
	var b strings.Builder
	b.Grow(len(line))
	for _, r := range line {
		if r == '\t' || (r >= 0x20 && r != 0x7f) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Chunk splits text into pieces of at most limit bytes, preferring to
// cut at a newline; hard cuts back off to a rune boundary.
func Chunk(text string, limit int) []string {
	var out []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit+1], '\n')
		drop := 1
		if cut <= 0 {
			cut, drop = limit, 0
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		out = append(out, text[:cut])
		text = text[cut+drop:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}
