package unread

import (
	"sync"
	"testing"
)

func TestIncrementAndGlobal(t *testing.T) {
	l := NewLedger()

	l.Increment(7)
	l.Increment(7)
	if got := l.Increment(9); got != 1 {
		t.Fatalf("expected count 1 for contact 9, got %d", got)
	}

	if got := l.Count(7); got != 2 {
		t.Errorf("expected count 2 for contact 7, got %d", got)
	}
	if got := l.GlobalCount(); got != 3 {
		t.Errorf("expected global 3, got %d", got)
	}
}

func TestClearReturnsRemovedCount(t *testing.T) {
	l := NewLedger()
	l.Increment(7)
	l.Increment(7)
	l.Increment(9)

	if got := l.Clear(7); got != 2 {
		t.Fatalf("Clear(7) = %d, want 2", got)
	}
	if got := l.Count(7); got != 0 {
		t.Errorf("expected count 0 after clear, got %d", got)
	}
	if got := l.GlobalCount(); got != 1 {
		t.Errorf("expected global 1 after clear, got %d", got)
	}

	// Clearing again removes nothing and must not push the aggregate down.
	if got := l.Clear(7); got != 0 {
		t.Errorf("second Clear(7) = %d, want 0", got)
	}
	if got := l.GlobalCount(); got != 1 {
		t.Errorf("expected global 1 after repeated clear, got %d", got)
	}
}

func TestClearThenIncrement(t *testing.T) {
	tests := []struct {
		name  string
		seed  int
		after int
	}{
		{"from empty", 0, 3},
		{"from existing", 4, 2},
		{"no increments", 5, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLedger()
			l.Increment(1) // unrelated contact
			for i := 0; i < tt.seed; i++ {
				l.Increment(7)
			}
			before := l.GlobalCount()

			cleared := l.Clear(7)
			for i := 0; i < tt.after; i++ {
				l.Increment(7)
			}

			if want := before + tt.after - cleared; l.GlobalCount() != want {
				t.Fatalf("global = %d, want %d", l.GlobalCount(), want)
			}
			if l.GlobalCount() != l.Sum() {
				t.Fatalf("global %d drifted from sum %d", l.GlobalCount(), l.Sum())
			}
			if l.Count(7) != tt.after {
				t.Errorf("count = %d, want %d", l.Count(7), tt.after)
			}
		})
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	l := NewLedger()
	l.Increment(3)

	snap := l.Snapshot()
	snap[3] = 100

	if l.Count(3) != 1 {
		t.Fatal("ledger mutated through snapshot")
	}
}

func TestConcurrentIncrementAndClear(t *testing.T) {
	l := NewLedger()
	var wg sync.WaitGroup

	for g := 0; g < 50; g++ {
		wg.Add(2)
		go func(id int64) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				l.Increment(id % 5)
			}
		}(int64(g))
		go func(id int64) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				l.Clear(id % 5)
			}
		}(int64(g))
	}
	wg.Wait()

	if l.GlobalCount() != l.Sum() {
		t.Fatalf("global %d drifted from sum %d", l.GlobalCount(), l.Sum())
	}
	for id, n := range l.Snapshot() {
		if n < 0 {
			t.Errorf("negative count %d for contact %d", n, id)
		}
	}
}
