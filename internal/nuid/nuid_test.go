package nuid

import "testing"

func TestNextLength(t *testing.T) {
	g := New()
	id := g.Next()
	if len(id) != totalLen {
		t.Fatalf("expected length %d, got %d (%q)", totalLen, len(id), id)
	}
}

func TestMonotonicWithinPrefix(t *testing.T) {
	g := New()
	prefix := string(g.prefix[:])

	var last string
	for i := 0; i < 1000; i++ {
		id := g.Next()
		if id[:preLen] != prefix {
			// prefix rotated; monotonicity resets, stop comparing.
			break
		}
		if last != "" && id <= last {
			t.Fatalf("sequence not increasing: %q then %q", last, id)
		}
		last = id
	}
}

func TestUniqueAcrossManyCalls(t *testing.T) {
	g := New()
	seen := make(map[string]bool, 5000)
	for i := 0; i < 5000; i++ {
		id := g.Next()
		if seen[id] {
			t.Fatalf("duplicate id generated: %q", id)
		}
		seen[id] = true
	}
}

func TestGlobalResettable(t *testing.T) {
	ResetGlobal()
	a := Global()
	ResetGlobal()
	b := Global()
	if a == b {
		t.Fatal("expected ResetGlobal to force a new generator instance")
	}
}
