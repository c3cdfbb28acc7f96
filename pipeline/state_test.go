package pipeline

import "testing"

func TestAdvanceLegalPaths(t *testing.T) {
	paths := [][]State{
		// Full success.
		{StateScanned, StateFiltered, StateBackedUp, StateExtracted,
			StateTranslating, StateValidated, StateCommitted, StateRecorded},
		// Skip at content checks.
		{StateScanned, StateRecorded},
		// Skip with no translatable comments.
		{StateScanned, StateFiltered, StateBackedUp, StateExtracted, StateRecorded},
		// Structural error during extraction.
		{StateScanned, StateFiltered, StateBackedUp, StateRecorded},
		// Translation failure.
		{StateScanned, StateFiltered, StateBackedUp, StateExtracted,
			StateTranslating, StateRolledBack, StateRecorded},
		// Validation failure.
		{StateScanned, StateFiltered, StateBackedUp, StateExtracted,
			StateTranslating, StateValidated, StateRolledBack, StateRecorded},
	}

	for _, path := range paths {
		cur := path[0]
		for _, next := range path[1:] {
			got, err := advance(cur, next)
			if err != nil {
				t.Fatalf("advance(%s, %s): %v", cur, next, err)
			}
			cur = got
		}
		if cur != StateRecorded {
			t.Errorf("path ended in %s, want recorded", cur)
		}
	}
}

func TestAdvanceIllegal(t *testing.T) {
	cases := []struct{ from, to State }{
		{StateScanned, StateCommitted},
		{StateFiltered, StateExtracted},   // extraction only after the backup exists
		{StateCommitted, StateRolledBack}, // committed files never roll back
		{StateRecorded, StateScanned},     // recorded is terminal
		{StateTranslating, StateCommitted},
	}
	for _, c := range cases {
		if got, err := advance(c.from, c.to); err == nil {
			t.Errorf("advance(%s, %s) = %s, want error", c.from, c.to, got)
		} else if got != c.from {
			t.Errorf("failed advance moved state to %s", got)
		}
	}
}

func TestFileJobPanicsOnIllegalEdge(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on illegal transition")
		}
	}()
	job := newFileJob("a.c")
	job.to(StateCommitted)
}

func TestStateString(t *testing.T) {
	if got := StateBackedUp.String(); got != "backed-up" {
		t.Errorf("String = %q", got)
	}
	if got := State(99).String(); got != "state(99)" {
		t.Errorf("String = %q", got)
	}
}
