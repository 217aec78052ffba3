package qntm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"atlas/internal/backend"
	"atlas/internal/logging"
)

func TestDeterministicStable(t *testing.T) {
	text := "session tokens rotate hourly; session tokens expire after rotation"
	a := Deterministic(text, "/docs/auth.md", 8)
	b := Deterministic(text, "/docs/auth.md", 8)
	if len(a) == 0 {
		t.Fatal("no keys extracted")
	}
	if len(a) != len(b) {
		t.Fatalf("runs disagree: %v vs %v", a, b)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("key %d differs: %q vs %q", i, a[i], b[i])
		}
	}
}

func TestDeterministicRanksByFrequency(t *testing.T) {
	text := "cache cache cache eviction eviction policy"
	keys := Deterministic(text, "/docs/cache.md", 4)
	if keys[0] != "file.cache" {
		t.Fatalf("first key = %q, want file stem", keys[0])
	}
	if keys[1] != "cache" || keys[2] != "eviction" {
		t.Fatalf("keys = %v, want frequency order", keys)
	}
}

func TestDeterministicDropsStopwordsAndNumbers(t *testing.T) {
	keys := Deterministic("the 12345 and that with token", "/x/y.md", 8)
	for _, k := range keys {
		switch k {
		case "the", "and", "that", "with", "12345":
			t.Fatalf("stopword or number leaked: %q", k)
		}
	}
}

func TestNormalizeKey(t *testing.T) {
	cases := map[string]struct {
		want string
		ok   bool
	}{
		"Auth.Session":  {"auth.session", true},
		"  spaced  ":    {"", false},
		"ok-key_1":      {"ok-key_1", true},
		"ab":            {"", false},
		".leading":      {"", false},
		"häßlich":       {"", false},
		"verylongkeythatgoesonandonandonpastlimit": {"", false},
	}
	for in, want := range cases {
		got, ok := normalizeKey(in)
		if ok != want.ok || got != want.want {
			t.Errorf("normalizeKey(%q) = (%q, %v), want (%q, %v)", in, got, ok, want.want, want.ok)
		}
	}
}

type fakeResolver struct {
	completer backend.JSONCompleter
	err       error
}

func (f *fakeResolver) ResolveJSONCompleter(ctx context.Context, c backend.Capability) (backend.JSONCompleter, error) {
	return f.completer, f.err
}

type fakeCompleter struct {
	reply json.RawMessage
	err   error
}

func (f *fakeCompleter) ID() string                           { return "fake" }
func (f *fakeCompleter) Capabilities() []backend.Capability   { return []backend.Capability{backend.CapKeyExtraction} }
func (f *fakeCompleter) Ready(ctx context.Context) error      { return nil }
func (f *fakeCompleter) Close() error                         { return nil }
func (f *fakeCompleter) CompleteJSON(ctx context.Context, system, user string) (json.RawMessage, error) {
	return f.reply, f.err
}

func TestExtractMergesEnrichment(t *testing.T) {
	resolver := &fakeResolver{completer: &fakeCompleter{
		reply: json.RawMessage(`{"keys":["auth.rotation","BAD KEY","auth.rotation"]}`),
	}}
	e := New(resolver, 8, logging.Discard())

	keys := e.Extract(context.Background(), "token rotation schedule", "/docs/auth.md")
	found := false
	for _, k := range keys {
		if k == "auth.rotation" {
			found = true
		}
		if k == "bad key" {
			t.Fatal("invalid key passed validation")
		}
	}
	if !found {
		t.Fatalf("enriched key missing from %v", keys)
	}
}

func TestExtractDegradesWithoutBackend(t *testing.T) {
	e := New(&fakeResolver{err: errors.New("unbound")}, 8, logging.Discard())
	keys := e.Extract(context.Background(), "plain deterministic text", "/d/p.md")
	if len(keys) == 0 {
		t.Fatal("deterministic keys must survive resolver failure")
	}

	bad := New(&fakeResolver{completer: &fakeCompleter{err: errors.New("model down")}}, 8, logging.Discard())
	keys = bad.Extract(context.Background(), "plain deterministic text", "/d/p.md")
	if len(keys) == 0 {
		t.Fatal("deterministic keys must survive enrichment failure")
	}
}
