package ledger

import (
	"path/filepath"
	"testing"

	"github.com/go-kit/kit/log"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replica.ledger")
	l, err := Open(path, log.NewNopLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestInitialValues(t *testing.T) {
	l := openTestLedger(t)
	if v := l.GetLastTried(); v != -1 {
		t.Fatalf("GetLastTried() = %d, want -1", v)
	}
	if v := l.GetNextBal(); v != -1 {
		t.Fatalf("GetNextBal() = %d, want -1", v)
	}
	if v := l.GetPrevVote(); v != SentinelVote {
		t.Fatalf("GetPrevVote() = %+v, want sentinel", v)
	}
	if _, ok := l.GetDecree(); ok {
		t.Fatalf("GetDecree() reported present before any SetDecree")
	}
}

func TestMonotonicityEnforced(t *testing.T) {
	l := openTestLedger(t)
	l.SetLastTried(5)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on decreasing last_tried")
		}
	}()
	l.SetLastTried(3)
}

func TestDecreeIdempotent(t *testing.T) {
	l := openTestLedger(t)
	l.SetDecree(42)
	l.SetDecree(42) // must not panic: spec.md §8 property 6
	if v, ok := l.GetDecree(); !ok || v != 42 {
		t.Fatalf("GetDecree() = (%d, %v), want (42, true)", v, ok)
	}
}

func TestDecreeConflictPanics(t *testing.T) {
	l := openTestLedger(t)
	l.SetDecree(42)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on conflicting SetDecree")
		}
	}()
	l.SetDecree(43)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replica.ledger")
	l, err := Open(path, log.NewNopLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l.SetLastTried(7)
	l.SetNextBal(7)
	l.SetPrevVote(Vote{BallotID: 7, Decree: 99, Voter: "B"})
	l.SetDecree(99)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path, log.NewNopLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if v := reopened.GetLastTried(); v != 7 {
		t.Fatalf("GetLastTried() after reopen = %d, want 7", v)
	}
	if v := reopened.GetPrevVote(); v != (Vote{BallotID: 7, Decree: 99, Voter: "B"}) {
		t.Fatalf("GetPrevVote() after reopen = %+v", v)
	}
	if v, ok := reopened.GetDecree(); !ok || v != 99 {
		t.Fatalf("GetDecree() after reopen = (%d, %v), want (99, true)", v, ok)
	}
}
