package nimbus

import "testing"

func TestServerPoolDefaultSeed(t *testing.T) {
	sp, err := newServerPool(&Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sp.size() != 1 {
		t.Fatalf("expected a single default endpoint, got %d", sp.size())
	}
}

func TestServerPoolDedup(t *testing.T) {
	sp, err := newServerPool(&Options{
		NoRandomize: true,
		Servers:     []string{"nimbus://a:4222", "nimbus://A:4222", "nimbus://localhost:4222", "nimbus://127.0.0.1:4222"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sp.size() != 2 {
		t.Fatalf("expected 2 distinct endpoints after dedup, got %d", sp.size())
	}
}

func TestServerPoolExplicitURLMovedToFront(t *testing.T) {
	sp, err := newServerPool(&Options{
		NoRandomize: true,
		Servers:     []string{"nimbus://a:4222", "nimbus://b:4222", "nimbus://c:4222"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sp.current().url != "nimbus://a:4222" {
		t.Fatalf("expected explicit first url to stay current, got %s", sp.current().url)
	}
}

func TestServerPoolNextRotates(t *testing.T) {
	sp, _ := newServerPool(&Options{
		NoRandomize: true,
		Servers:     []string{"nimbus://a:4222", "nimbus://b:4222"},
	})
	first := sp.current().url
	next := sp.next(-1)
	if next == nil {
		t.Fatal("expected a next endpoint")
	}
	if next.url == first {
		t.Fatalf("expected rotation to a different endpoint, got same %s", first)
	}
	if sp.size() != 2 {
		t.Fatalf("expected endpoint retained after rotation (unlimited reconnects), got size %d", sp.size())
	}
}

func TestServerPoolNextRemovesExhausted(t *testing.T) {
	sp, _ := newServerPool(&Options{
		NoRandomize: true,
		Servers:     []string{"nimbus://a:4222", "nimbus://b:4222"},
	})
	sp.current().reconnects = 5
	next := sp.next(3)
	if next == nil || next.url != "nimbus://b:4222" {
		t.Fatalf("expected rotation to b, got %+v", next)
	}
	if sp.size() != 1 {
		t.Fatalf("expected exhausted endpoint removed, size=%d", sp.size())
	}
}

func TestServerPoolMergeAdvertised(t *testing.T) {
	sp, _ := newServerPool(&Options{
		NoRandomize: true,
		Servers:     []string{"nimbus://a:4222"},
	})
	added, err := sp.mergeAdvertised("a:4222", []string{"a:4222", "d:4222"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !added {
		t.Fatal("expected new endpoint to be reported as added")
	}
	if sp.size() != 2 {
		t.Fatalf("expected 2 endpoints after merge, got %d", sp.size())
	}

	// A subsequent merge that drops the implicit, non-current "d" endpoint
	// should remove it.
	_, err = sp.mergeAdvertised("a:4222", []string{"a:4222"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sp.size() != 1 {
		t.Fatalf("expected stale implicit endpoint removed, got size %d", sp.size())
	}
}
