// Package qntm derives compact semantic keys for chunks.
//
// Extraction is deterministic: the same text always yields the same
// keys, so re-ingesting unchanged content never churns the key tables.
// When a key-extraction backend is bound, its suggestions are merged in
// on top of the deterministic base set, validated and capped.
package qntm

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"atlas/internal/backend"
	"atlas/internal/logging"
)

const (
	minKeyLen = 3
	maxKeyLen = 32

	// DefaultMaxKeys bounds keys per chunk.
	DefaultMaxKeys = 8
)

// Resolver is the slice of the registry the extractor uses.
type Resolver interface {
	ResolveJSONCompleter(ctx context.Context, capability backend.Capability) (backend.JSONCompleter, error)
}

type Extractor struct {
	resolver Resolver // nil disables enrichment
	maxKeys  int
	logger   *slog.Logger
}

func New(resolver Resolver, maxKeys int, logger *slog.Logger) *Extractor {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &Extractor{
		resolver: resolver,
		maxKeys:  maxKeys,
		logger:   logging.Default(logger).With("component", "qntm"),
	}
}

// Extract returns keys for one chunk. The deterministic base set always
// comes first; enrichment failures degrade to the base set silently.
func (e *Extractor) Extract(ctx context.Context, text, filePath string) []string {
	keys := Deterministic(text, filePath, e.maxKeys)

	if e.resolver == nil {
		return keys
	}
	completer, err := e.resolver.ResolveJSONCompleter(ctx, backend.CapKeyExtraction)
	if err != nil {
		return keys
	}
	extra, err := e.enrich(ctx, completer, text)
	if err != nil {
		e.logger.Debug("key enrichment failed", "error", err)
		return keys
	}
	return mergeKeys(keys, extra, e.maxKeys)
}

const enrichSystem = `You tag text fragments with short semantic keys.
Reply with a JSON object: {"keys": ["...", ...]}.
Keys are lowercase, dot-separated words, at most 32 characters, at most 5 keys.`

func (e *Extractor) enrich(ctx context.Context, completer backend.JSONCompleter, text string) ([]string, error) {
	if len(text) > 4000 {
		text = text[:4000]
	}
	raw, err := completer.CompleteJSON(ctx, enrichSystem, text)
	if err != nil {
		return nil, err
	}
	var reply struct {
		Keys []string `json:"keys"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, err
	}
	var out []string
	for _, k := range reply.Keys {
		if key, ok := normalizeKey(k); ok {
			out = append(out, key)
		}
	}
	return out, nil
}

// Deterministic extracts up to maxKeys keys from text alone: the file
// stem plus the most frequent non-stopword tokens, ties broken
// lexically.
func Deterministic(text, filePath string, maxKeys int) []string {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}

	counts := make(map[string]int)
	for _, tok := range tokenize(text) {
		counts[tok]++
	}

	ranked := make([]string, 0, len(counts))
	for tok := range counts {
		ranked = append(ranked, tok)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if counts[ranked[i]] != counts[ranked[j]] {
			return counts[ranked[i]] > counts[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})

	var keys []string
	if stem, ok := normalizeKey(fileStem(filePath)); ok {
		keys = append(keys, "file."+stem)
	}
	for _, tok := range ranked {
		if len(keys) >= maxKeys {
			break
		}
		keys = append(keys, tok)
	}
	return keys
}

// tokenize splits text into candidate key tokens: ASCII letters,
// digits, '_' and '-', lowercased, length-bounded, stopwords and pure
// numbers dropped.
func tokenize(text string) []string {
	var tokens []string
	var current strings.Builder
	flush := func() {
		tok := current.String()
		current.Reset()
		if len(tok) < minKeyLen || len(tok) > maxKeyLen {
			return
		}
		if stopwords[tok] || isNumeric(tok) {
			return
		}
		tokens = append(tokens, tok)
	}
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case c >= 'A' && c <= 'Z':
			current.WriteByte(c + ('a' - 'A'))
		case (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' || c == '-':
			current.WriteByte(c)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

func isNumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func fileStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

var keyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// normalizeKey lowercases and validates one key.
func normalizeKey(k string) (string, bool) {
	k = strings.ToLower(strings.TrimSpace(k))
	if len(k) < minKeyLen || len(k) > maxKeyLen {
		return "", false
	}
	if !keyPattern.MatchString(k) {
		return "", false
	}
	return k, true
}

func mergeKeys(base, extra []string, maxKeys int) []string {
	seen := make(map[string]bool, len(base))
	out := make([]string, 0, maxKeys)
	for _, k := range base {
		if !seen[k] && len(out) < maxKeys {
			seen[k] = true
			out = append(out, k)
		}
	}
	for _, k := range extra {
		if !seen[k] && len(out) < maxKeys {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// stopwords are common English words excluded from deterministic keys.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "had": true,
	"was": true, "one": true, "our": true, "out": true, "has": true,
	"have": true, "this": true, "that": true, "with": true, "from": true,
	"they": true, "will": true, "would": true, "there": true, "their": true,
	"what": true, "about": true, "which": true, "when": true, "were": true,
	"been": true, "more": true, "also": true, "into": true, "than": true,
	"then": true, "them": true, "these": true, "some": true, "such": true,
	"only": true, "over": true, "most": true, "other": true, "where": true,
}
