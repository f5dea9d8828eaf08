package lock

import (
	"sync"
	"testing"
	"time"
)

func TestLockIdentityAcrossOverlappingHolds(t *testing.T) {
	s := NewService()
	tok := For("key", "record")

	var wg sync.WaitGroup
	seen := make([]*entry, 4)
	ready := make(chan struct{})

	h0 := s.ReadLock(tok, "owner-0")
	seen[0] = h0.e

	for i := 1; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-ready
			h := s.ReadLock(tok, "owner-x")
			seen[i] = h.e
			h.Unlock()
		}(i)
	}
	close(ready)
	wg.Wait()
	h0.Unlock()

	for i := 1; i < 4; i++ {
		if seen[i] != seen[0] {
			t.Fatalf("expected identical lock instance while holder overlaps, got different entries")
		}
	}
}

func TestWriteLockExcludesReaders(t *testing.T) {
	s := NewService()
	tok := For("a")

	wl := s.WriteLock(tok, "writer")

	gotLock := make(chan struct{})
	go func() {
		rl := s.ReadLock(tok, "reader")
		close(gotLock)
		rl.Unlock()
	}()

	select {
	case <-gotLock:
		t.Fatal("reader should not acquire while writer holds the token")
	case <-time.After(50 * time.Millisecond):
	}

	wl.Unlock()

	select {
	case <-gotLock:
	case <-time.After(time.Second):
		t.Fatal("reader should acquire after writer releases")
	}
}

func TestReentrantWriteLock(t *testing.T) {
	s := NewService()
	tok := For("a")

	first := s.WriteLock(tok, "owner")
	done := make(chan struct{})
	go func() {
		second := s.WriteLock(tok, "owner")
		second.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reentrant write lock by the same owner must not deadlock")
	}
	first.Unlock()
}

func TestEvictionAfterLastRelease(t *testing.T) {
	s := NewService()
	tok := For("a")
	h := s.ReadLock(tok, "o")
	if s.Size() != 1 {
		t.Fatalf("expected 1 cached token, got %d", s.Size())
	}
	h.Unlock()
	if s.Size() != 0 {
		t.Fatalf("expected eviction after last release, got size %d", s.Size())
	}
}

func TestSortTokensDeterministic(t *testing.T) {
	toks := []Token{For("b"), For("a"), For("c")}
	sorted := SortTokens(toks)
	sorted2 := SortTokens([]Token{toks[2], toks[1], toks[0]})
	for i := range sorted {
		if sorted[i] != sorted2[i] {
			t.Fatal("SortTokens must produce a deterministic order regardless of input order")
		}
	}
}
