package chunker

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	numberedHeading = regexp.MustCompile(`^(\d+(?:\.\d+)*)\.?\s+\p{Lu}`)
	listItem        = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)]|[a-z][.)])\s+`)
)

type heading struct {
	offset int
	level  int
	title  string
}

// scanHeadings walks the text once and returns the detected headings in offset order.
func scanHeadings(text string) []heading {
	var out []heading
	offset := 0
	for offset <= len(text) {
		nl := strings.IndexByte(text[offset:], '\n')
		line := text[offset:]
		if nl >= 0 {
			line = text[offset : offset+nl]
		}
		if level, title, ok := parseHeading(line); ok {
			out = append(out, heading{offset: offset, level: level, title: title})
		}
		if nl < 0 {
			break
		}
		offset += nl + 1
	}
	return out
}

// parseHeading recognises markdown headings, numbered headings ("2.1 Title") and short ALL-CAPS lines.
func parseHeading(line string) (int, string, bool) {
	line = strings.TrimRight(line, " \t\r")
	trimmed := strings.TrimLeft(line, " \t")
	if trimmed == "" || len(trimmed) > 100 {
		return 0, "", false
	}

	if strings.HasPrefix(trimmed, "#") {
		level := 0
		for level < len(trimmed) && trimmed[level] == '#' {
			level++
		}
		if level > 6 || level == len(trimmed) || trimmed[level] != ' ' {
			return 0, "", false
		}
		title := strings.TrimSpace(trimmed[level:])
		return level, title, title != ""
	}

	if m := numberedHeading.FindStringSubmatch(trimmed); m != nil && len(trimmed) <= 80 {
		if strings.HasSuffix(trimmed, ".") || strings.HasSuffix(trimmed, ",") {
			return 0, "", false
		}
		return strings.Count(m[1], ".") + 1, trimmed, true
	}

	if len(trimmed) <= 60 && isAllCaps(trimmed) {
		return 1, trimmed, true
	}
	return 0, "", false
}

func isAllCaps(s string) bool {
	letters := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			if !unicode.IsUpper(r) {
				return false
			}
			letters++
		}
	}
	return letters >= 3 && !strings.HasSuffix(s, ".")
}

// pathTracker yields the enclosing heading path for increasing offsets.
type pathTracker struct {
	headings []heading
	next     int
	stack    []heading
}

func (p *pathTracker) at(offset int) []string {
	for p.next < len(p.headings) && p.headings[p.next].offset <= offset {
		h := p.headings[p.next]
		for len(p.stack) > 0 && p.stack[len(p.stack)-1].level >= h.level {
			p.stack = p.stack[:len(p.stack)-1]
		}
		p.stack = append(p.stack, h)
		p.next++
	}
	if len(p.stack) == 0 {
		return nil
	}
	path := make([]string, len(p.stack))
	for i, h := range p.stack {
		path[i] = h.title
	}
	return path
}

// lineShape reports whether most non-empty lines of the span look like table rows or list items.
func lineShape(text string) (isTable, isList bool) {
	var lines, tableLines, listLines int
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines++
		if strings.Count(line, "|") >= 2 || strings.Contains(line, "\t") {
			tableLines++
		}
		if listItem.MatchString(line) {
			listLines++
		}
	}
	if lines == 0 {
		return false, false
	}
	return tableLines*2 > lines, listLines*2 > lines
}
