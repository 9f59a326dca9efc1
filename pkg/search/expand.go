package search

import (
	"sort"
	"strings"
	"unicode"
)

var stopwords = map[string]bool{
	"a": true, "about": true, "after": true, "all": true, "also": true, "an": true, "and": true,
	"any": true, "are": true, "as": true, "at": true, "be": true, "been": true, "before": true,
	"but": true, "by": true, "can": true, "did": true, "do": true, "does": true, "for": true,
	"from": true, "had": true, "has": true, "have": true, "he": true, "her": true, "his": true,
	"how": true, "if": true, "in": true, "into": true, "is": true, "it": true, "its": true,
	"not": true, "of": true, "on": true, "or": true, "our": true, "she": true, "so": true,
	"than": true, "that": true, "the": true, "their": true, "them": true, "then": true,
	"there": true, "these": true, "they": true, "this": true, "to": true, "was": true,
	"we": true, "were": true, "what": true, "when": true, "where": true, "which": true,
	"while": true, "who": true, "will": true, "with": true, "would": true, "you": true,
	"your": true,
}

// IsStopword reports whether w (lowercase) carries no retrieval signal.
func IsStopword(w string) bool {
	return stopwords[w]
}

// Tokenize splits s into lowercase letter/digit runs.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// KeywordTerms returns the distinct non-stopword terms of query, in order of appearance.
func KeywordTerms(query string) []string {
	var terms []string
	seen := make(map[string]bool)
	for _, tok := range Tokenize(query) {
		if len([]rune(tok)) < 3 || stopwords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		terms = append(terms, tok)
	}
	return terms
}

// SubQueries expands query into at most max distinct queries: the query itself, then the
// section expansions, then one variant per synonym of every synonym key found in the query.
func SubQueries(query string, expansions []string, synonyms map[string][]string, max int) []string {
	if max < 1 {
		max = 1
	}
	var out []string
	seen := make(map[string]bool)
	add := func(q string) {
		q = strings.Join(strings.Fields(q), " ")
		k := strings.ToLower(q)
		if q == "" || seen[k] || len(out) >= max {
			return
		}
		seen[k] = true
		out = append(out, q)
	}

	add(query)
	for _, e := range expansions {
		add(e)
	}

	lower := strings.ToLower(query)
	keys := make([]string, 0, len(synonyms))
	for k := range synonyms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lk := strings.ToLower(k)
		idx := wordIndex(lower, lk)
		if idx < 0 {
			continue
		}
		for _, syn := range synonyms[k] {
			add(lower[:idx] + strings.ToLower(syn) + lower[idx+len(lk):])
		}
	}
	return out
}

// wordIndex finds phrase in s on word boundaries.
func wordIndex(s, phrase string) int {
	if phrase == "" {
		return -1
	}
	from := 0
	for {
		i := strings.Index(s[from:], phrase)
		if i < 0 {
			return -1
		}
		i += from
		end := i + len(phrase)
		if (i == 0 || !isWordByte(s[i-1])) && (end == len(s) || !isWordByte(s[end])) {
			return i
		}
		from = i + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || b >= 0x80 || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z') || ('0' <= b && b <= '9')
}
