package hashembed

import (
	"context"
	"testing"
)

func TestEmbedDeterministic(t *testing.T) {
	e := New("dev", 32)
	a, err := e.Embed(context.Background(), []string{"hello world"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, err := e.Embed(context.Background(), []string{"hello world"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(a[0]) != 32 {
		t.Fatalf("dims = %d, want 32", len(a[0]))
	}
	for i := range a[0] {
		if a[0][i] != b[0][i] {
			t.Fatalf("component %d differs between runs", i)
		}
	}
}

func TestEmbedNormalized(t *testing.T) {
	e := New("dev", 0)
	vecs, err := e.Embed(context.Background(), []string{"some text to embed", ""})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	for n, vec := range vecs {
		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm < 0.99 || norm > 1.01 {
			t.Fatalf("vector %d norm = %f, want 1", n, norm)
		}
	}
}

func TestOverlapScoresHigher(t *testing.T) {
	e := New("dev", 64)
	vecs, err := e.Embed(context.Background(), []string{
		"the quick brown fox",
		"the quick brown dog",
		"entirely unrelated words here",
	})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	sim := func(a, b []float32) float64 {
		var dot float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		return dot
	}
	if sim(vecs[0], vecs[1]) <= sim(vecs[0], vecs[2]) {
		t.Fatal("overlapping texts should score higher than unrelated")
	}
}
