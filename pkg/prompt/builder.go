package prompt

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/xhad/dossier/internal/models"
	"github.com/xhad/dossier/internal/types"
)

const defaultSystemTemplate = "You are an analyst writing one section of a structured case report. " +
	"Use only the information in the provided context. When the context does not cover something, say so " +
	"instead of guessing. Refer to retrieved passages as [Source n]."

type BuilderConfig struct {
	SystemTemplate string
	// MaxContextChars bounds the context block: prior sections, retrieved chunks and inline documents.
	MaxContextChars int
}

// Section describes the section being written.
type Section struct {
	ID           string
	Title        string
	Instructions string
}

// Dependency is the output of an earlier section this one builds on.
type Dependency struct {
	ID      string
	Title   string
	Content string
}

type Input struct {
	CaseID       string
	Section      Section
	Dependencies []Dependency
	Results      []models.SearchResult
	// Inline documents are included in full (budget permitting) instead of being retrieved.
	Inline []models.Document
}

// Source is one piece of context that made it into the prompt.
type Source struct {
	Label string
	Text  string
	// Prior marks text from an earlier generated section rather than case evidence.
	Prior bool
}

type Prompt struct {
	System  string
	User    string
	Sources []Source
}

// Message converts p to the generator's prompt type.
func (p Prompt) Message() types.Prompt {
	return types.Prompt{System: p.System, User: p.User}
}

// SourceTexts returns the evidence texts in prompt order. Prior sections are left out.
func (p Prompt) SourceTexts() []string {
	out := make([]string, 0, len(p.Sources))
	for _, s := range p.Sources {
		if s.Prior {
			continue
		}
		out = append(out, s.Text)
	}
	return out
}

type Builder struct {
	config BuilderConfig
}

func NewWithConfig(config BuilderConfig) *Builder {
	if config.SystemTemplate == "" {
		config.SystemTemplate = defaultSystemTemplate
	}
	if config.MaxContextChars <= 0 {
		config.MaxContextChars = 24000
	}
	return &Builder{config: config}
}

// Build assembles the prompt for one section. Prior sections come first, then retrieved
// chunks in score order, then inline documents cut to whatever budget is left. The output
// depends only on the input.
func (b *Builder) Build(in Input) Prompt {
	var system strings.Builder
	system.WriteString(b.config.SystemTemplate)
	if in.Section.Title != "" {
		system.WriteString(fmt.Sprintf("\n\nYou are writing the section %q.", in.Section.Title))
	}
	if ins := strings.TrimSpace(in.Section.Instructions); ins != "" {
		system.WriteString("\n")
		system.WriteString(ins)
	}

	budget := b.config.MaxContextChars
	var (
		ctxb    strings.Builder
		sources []Source
	)

	var deps strings.Builder
	for _, d := range in.Dependencies {
		content := strings.TrimSpace(d.Content)
		if content == "" || budget <= 0 {
			continue
		}
		content = truncate(content, budget)
		budget -= utf8.RuneCountInString(content)
		deps.WriteString(fmt.Sprintf("### %s\n%s\n\n", d.Title, content))
		sources = append(sources, Source{Label: "Section: " + d.Title, Text: content, Prior: true})
	}
	if deps.Len() > 0 {
		ctxb.WriteString("## Prior sections\n\n")
		ctxb.WriteString(deps.String())
	}

	var chunks strings.Builder
	n := 0
	for _, r := range ranked(in.Results) {
		text := strings.TrimSpace(r.Chunk.Text)
		size := utf8.RuneCountInString(text)
		if text == "" || size > budget {
			continue
		}
		budget -= size
		n++
		label := sourceLabel(n, r)
		chunks.WriteString(fmt.Sprintf("%s\n%s\n\n", label, text))
		sources = append(sources, Source{Label: label, Text: text})
	}
	if chunks.Len() > 0 {
		ctxb.WriteString("## Retrieved context\n\n")
		ctxb.WriteString(chunks.String())
	}

	var inline strings.Builder
	for _, d := range in.Inline {
		content := strings.TrimSpace(d.Content)
		if content == "" || budget <= 0 {
			continue
		}
		content = truncate(content, budget)
		budget -= utf8.RuneCountInString(content)
		label := fmt.Sprintf("[Document | %s]", d.Title)
		inline.WriteString(fmt.Sprintf("%s\n%s\n\n", label, content))
		sources = append(sources, Source{Label: label, Text: content})
	}
	if inline.Len() > 0 {
		ctxb.WriteString("## Case documents\n\n")
		ctxb.WriteString(inline.String())
	}

	var user strings.Builder
	if ctxb.Len() == 0 {
		user.WriteString("No case context is available for this section.\n\n")
	} else {
		user.WriteString(ctxb.String())
	}
	user.WriteString(fmt.Sprintf("## Task\nWrite the %q section of the report for case %s.", in.Section.Title, in.CaseID))

	return Prompt{
		System:  system.String(),
		User:    user.String(),
		Sources: sources,
	}
}

func sourceLabel(n int, r models.SearchResult) string {
	header := strings.Trim(r.Chunk.Header, "[]")
	if header == "" {
		header = r.Chunk.ID
	}
	return fmt.Sprintf("[Source %d | %s | score %.2f]", n, header, r.Score)
}

func ranked(results []models.SearchResult) []models.SearchResult {
	out := append([]models.SearchResult(nil), results...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Chunk.ID < out[j].Chunk.ID
	})
	return out
}

// truncate cuts s to at most n runes, preferring the last whitespace in the final tenth.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	cut := 0
	for i := range s {
		if n == 0 {
			cut = i
			break
		}
		n--
	}
	head := s[:cut]
	if i := strings.LastIndexAny(head, " \n\t"); i > 0 && i >= len(head)*9/10 {
		head = head[:i]
	}
	return head
}
