package models

import "strings"

// ChunkMeta holds structural information detected while chunking.
type ChunkMeta struct {
	HeadingPath []string `json:"heading_path,omitempty"`
	IsTable     bool     `json:"is_table,omitempty"`
	IsList      bool     `json:"is_list,omitempty"`
}

// Chunk is a bounded contiguous span of a document's text.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	CaseID     string    `json:"case_id"`
	Index      int       `json:"index"`
	Start      int       `json:"start"`
	End        int       `json:"end"`
	Text       string    `json:"text"`
	Header     string    `json:"header"`
	Embedding  []float32 `json:"-"`
	Meta       ChunkMeta `json:"meta"`
}

// Content is the self-describing form of the chunk: positional header followed by the span.
func (c Chunk) Content() string {
	if c.Header == "" {
		return c.Text
	}
	var b strings.Builder
	b.Grow(len(c.Header) + len(c.Text) + 1)
	b.WriteString(c.Header)
	b.WriteByte('\n')
	b.WriteString(c.Text)
	return b.String()
}

func (c Chunk) HasEmbedding() bool {
	return len(c.Embedding) > 0
}
