package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Category groups keys by the operation that produced them; each category has its own TTL.
type Category string

const (
	CategoryEmbedding Category = "embedding"
	CategorySearch    Category = "search"
	CategoryChunks    Category = "chunks"
	CategoryPrompt    Category = "prompt"
)

// DefaultTTLs are used for categories without a configured TTL.
var DefaultTTLs = map[Category]time.Duration{
	CategoryEmbedding: 7 * 24 * time.Hour,
	CategorySearch:    5 * time.Minute,
	CategoryChunks:    time.Hour,
	CategoryPrompt:    30 * time.Minute,
}

type scopeKind byte

const (
	scopeGlobal   scopeKind = 'g'
	scopeCase     scopeKind = 'c'
	scopeDocument scopeKind = 'd'
)

// Scope decides which invalidation call reaches a key.
type Scope struct {
	kind scopeKind
	id   string
}

func Global() Scope                    { return Scope{kind: scopeGlobal} }
func CaseScope(caseID string) Scope    { return Scope{kind: scopeCase, id: caseID} }
func DocumentScope(docID string) Scope { return Scope{kind: scopeDocument, id: docID} }

var idEscaper = strings.NewReplacer("%", "%25", ":", "%3A", "*", "%2A", "?", "%3F", "[", "%5B", "]", "%5D")

func (s Scope) prefix(ns string) string {
	if s.kind == scopeGlobal {
		return ns + ":g:"
	}
	return ns + ":" + string(s.kind) + ":" + idEscaper.Replace(s.id) + ":"
}

// Key identifies one cache entry. Build keys with NewKey so equal arguments give equal keys.
type Key struct {
	Scope    Scope
	Category Category
	Hash     string
}

// NewKey hashes the normalized arguments into a deterministic key.
func NewKey(scope Scope, category Category, args ...string) Key {
	h := sha256.New()
	for i, a := range args {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(a))
	}
	return Key{Scope: scope, Category: category, Hash: hex.EncodeToString(h.Sum(nil))}
}

func (k Key) render(ns string) string {
	return k.Scope.prefix(ns) + string(k.Category) + ":" + k.Hash
}

// NormalizeText trims and collapses whitespace so trivially different inputs share a key.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
