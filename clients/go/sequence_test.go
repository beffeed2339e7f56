package addonrules

import (
	"sync"
	"testing"
)

func TestSequenceTrackerNext(t *testing.T) {
	var tr SequenceTracker
	for want := int64(1); want <= 5; want++ {
		if got := tr.Next(); got != want {
			t.Fatalf("Next() = %d, want %d", got, want)
		}
	}
}

func TestSequenceTrackerAccept(t *testing.T) {
	var tr SequenceTracker

	steps := []struct {
		sequence int64
		want     bool
	}{
		{1, true},
		{3, true},
		{2, false}, // stale: superseded by 3
		{3, true},  // duplicate of the latest is not stale
		{4, true},
		{1, false},
	}
	for _, step := range steps {
		if got := tr.Accept(step.sequence); got != step.want {
			t.Errorf("Accept(%d) = %v, want %v", step.sequence, got, step.want)
		}
	}
	if got := tr.Last(); got != 4 {
		t.Errorf("Last() = %d, want 4", got)
	}
}

func TestSequenceTrackerZeroValue(t *testing.T) {
	var tr SequenceTracker
	if got := tr.Last(); got != 0 {
		t.Fatalf("Last() = %d, want 0", got)
	}
	if !tr.Accept(0) {
		t.Fatal("Accept(0) = false, want true on fresh tracker")
	}
}

func TestSequenceTrackerConcurrentNext(t *testing.T) {
	var tr SequenceTracker
	const (
		goroutines = 8
		perG       = 100
	)

	var (
		mu   sync.Mutex
		seen = make(map[int64]bool, goroutines*perG)
		wg   sync.WaitGroup
	)
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perG {
				seq := tr.Next()
				mu.Lock()
				if seen[seq] {
					t.Errorf("Next() returned duplicate sequence %d", seq)
				}
				seen[seq] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != goroutines*perG {
		t.Fatalf("got %d unique sequences, want %d", len(seen), goroutines*perG)
	}
}
