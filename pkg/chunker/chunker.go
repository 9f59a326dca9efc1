package chunker

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/xhad/dossier/internal/models"
	"github.com/xhad/dossier/internal/types"
)

// Options control chunk size, overlap and boundary snapping. Sizes are in bytes.
// A zero MaxSize and a negative Overlap or BoundaryWindow select the defaults; zero
// Overlap and BoundaryWindow are honoured as given.
type Options struct {
	MaxSize        int
	Overlap        int
	BoundaryWindow int
	// MinSize is the shortest chunk boundary snapping may produce before the final chunk.
	MinSize int
}

type Option func(*Options)

func WithMaxSize(n int) Option        { return func(o *Options) { o.MaxSize = n } }
func WithOverlap(n int) Option        { return func(o *Options) { o.Overlap = n } }
func WithBoundaryWindow(n int) Option { return func(o *Options) { o.BoundaryWindow = n } }
func WithMinSize(n int) Option        { return func(o *Options) { o.MinSize = n } }

// Span is a half-open byte range [Start, End) of the source text.
type Span struct {
	Start int
	End   int
}

type Chunker struct {
	opts Options
}

const (
	DefaultMaxSize        = 1000
	DefaultOverlap        = 200
	DefaultBoundaryWindow = 200
)

// DefaultOptions returns the options New starts from.
func DefaultOptions() Options {
	return Options{MaxSize: DefaultMaxSize, Overlap: DefaultOverlap, BoundaryWindow: DefaultBoundaryWindow}
}

func New(opts ...Option) (*Chunker, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return NewWithConfig(o)
}

func NewWithConfig(opts Options) (*Chunker, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Chunker{opts: opts}, nil
}

func (o Options) withDefaults() Options {
	if o.MaxSize == 0 {
		o.MaxSize = DefaultMaxSize
	}
	if o.Overlap < 0 {
		o.Overlap = DefaultOverlap
	}
	if o.BoundaryWindow < 0 {
		o.BoundaryWindow = DefaultBoundaryWindow
	}
	if o.MinSize == 0 {
		o.MinSize = o.Overlap + (o.MaxSize-o.Overlap)/2
	}
	return o
}

func (o Options) validate() error {
	switch {
	case o.MaxSize < 1:
		return errors.New("max size must be positive")
	case o.MaxSize < o.Overlap+utf8.UTFMax:
		return fmt.Errorf("max size %d must be at least overlap %d + %d", o.MaxSize, o.Overlap, utf8.UTFMax)
	case o.MinSize > o.MaxSize:
		return fmt.Errorf("min size %d exceeds max size %d", o.MinSize, o.MaxSize)
	}
	return nil
}

func (c *Chunker) Options() Options {
	return c.opts
}

// Chunk splits the document content into ordered chunks with positional headers.
// Errors are returned as *types.ChunkingError.
func (c *Chunker) Chunk(doc models.Document) ([]models.Chunk, error) {
	headings := scanHeadings(doc.Content)
	spans, err := split(doc.Content, c.opts, headingStarts(headings))
	if err != nil {
		return nil, &types.ChunkingError{DocumentID: doc.ID, Err: err}
	}

	tracker := pathTracker{headings: headings}
	chunks := make([]models.Chunk, 0, len(spans))
	for i, sp := range spans {
		text := doc.Content[sp.Start:sp.End]
		path := tracker.at(sp.Start)
		isTable, isList := lineShape(text)
		chunks = append(chunks, models.Chunk{
			ID:         fmt.Sprintf("%s:%d", doc.ID, i),
			DocumentID: doc.ID,
			CaseID:     doc.CaseID,
			Index:      i,
			Start:      sp.Start,
			End:        sp.End,
			Text:       text,
			Header:     header(doc.Title, path, i, len(spans)),
			Meta: models.ChunkMeta{
				HeadingPath: path,
				IsTable:     isTable,
				IsList:      isList,
			},
		})
	}
	return chunks, nil
}

// Split returns the chunk spans for text.
func Split(text string, opts Options) ([]Span, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return split(text, opts, headingStarts(scanHeadings(text)))
}

func headingStarts(hs []heading) map[int]bool {
	starts := make(map[int]bool, len(hs))
	for _, h := range hs {
		starts[h.offset] = true
	}
	return starts
}

func split(text string, o Options, headingAt map[int]bool) ([]Span, error) {
	n := len(text)
	if n == 0 {
		return nil, nil
	}

	var spans []Span
	start := 0
	for {
		if n-start <= o.MaxSize {
			spans = append(spans, Span{Start: start, End: n})
			return spans, nil
		}

		hardEnd := floorRune(text, start+o.MaxSize, start+o.Overlap+1)
		lo := max(hardEnd-o.BoundaryWindow, start+max(o.MinSize, o.Overlap+1))
		end := hardEnd
		if lo <= hardEnd {
			end = snap(text, lo, hardEnd, headingAt)
		}
		spans = append(spans, Span{Start: start, End: end})

		next := ceilRune(text, end-o.Overlap, end)
		if next <= start {
			return nil, fmt.Errorf("no progress at offset %d", start)
		}
		start = next
	}
}

// Boundary kinds in descending priority.
const (
	boundaryHeading = iota
	boundaryParagraph
	boundaryLine
	boundarySentence
	boundarySpace
	boundaryKinds
)

// snap returns the latest position in [lo, hi] for the highest priority boundary kind present,
// or hi when the window holds no boundary.
func snap(text string, lo, hi int, headingAt map[int]bool) int {
	var best [boundaryKinds]int
	for i := range best {
		best[i] = -1
	}
	for p := hi; p >= lo && p > 0; p-- {
		if best[boundaryHeading] < 0 && text[p-1] == '\n' && headingAt[p] {
			best[boundaryHeading] = p
			break
		}
		prev := text[p-1]
		switch {
		case prev == '\n' && p >= 2 && text[p-2] == '\n':
			if best[boundaryParagraph] < 0 {
				best[boundaryParagraph] = p
			}
		case prev == '\n':
			if best[boundaryLine] < 0 {
				best[boundaryLine] = p
			}
		case (prev == ' ' || prev == '\t') && p >= 2 && strings.IndexByte(".!?", text[p-2]) >= 0:
			if best[boundarySentence] < 0 {
				best[boundarySentence] = p
			}
		case prev == ' ' || prev == '\t':
			if best[boundarySpace] < 0 {
				best[boundarySpace] = p
			}
		}
	}
	for _, p := range best {
		if p >= 0 {
			return p
		}
	}
	return hi
}

// floorRune moves i back to a rune start, at most utf8.UTFMax-1 bytes and never below floor.
func floorRune(text string, i, floor int) int {
	for k := 0; k < utf8.UTFMax-1 && i > floor && i < len(text) && !utf8.RuneStart(text[i]); k++ {
		i--
	}
	return i
}

// ceilRune moves i forward to a rune start, at most utf8.UTFMax-1 bytes and never past limit.
func ceilRune(text string, i, limit int) int {
	for k := 0; k < utf8.UTFMax-1 && i < limit && i < len(text) && !utf8.RuneStart(text[i]); k++ {
		i++
	}
	return i
}

func header(title string, path []string, index, total int) string {
	parts := make([]string, 0, len(path)+2)
	if t := strings.TrimSpace(title); t != "" {
		parts = append(parts, t)
	}
	parts = append(parts, path...)
	if len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("Part %d of %d", index+1, total))
	}
	return "[" + strings.Join(parts, " › ") + "]"
}
