package ingest

import (
	"strings"
)

// normalizeText makes extracted text stable for chunking: valid UTF-8, unix line endings,
// no control characters, runs of blanks collapsed within a line and at most one empty line
// between paragraphs. Line structure is kept because headings and tables depend on it.
func normalizeText(text string) string {
	text = strings.ToValidUTF8(text, "�")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = cleanLine(line)
		if line == "" {
			blank++
			if blank > 1 || len(out) == 0 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// cleanLine keeps leading indentation (list nesting) and collapses the rest.
func cleanLine(line string) string {
	line = strings.Map(func(r rune) rune {
		switch {
		case r == '\t':
			return ' '
		case r < 0x20 || r == 0x7f:
			return -1
		}
		return r
	}, line)

	body := strings.TrimLeft(line, " ")
	if body == "" {
		return ""
	}
	indent := line[:len(line)-len(body)]
	return indent + strings.Join(strings.Fields(body), " ")
}
