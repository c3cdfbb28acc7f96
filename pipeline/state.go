package pipeline

import "fmt"

// State is the position of one file in its processing lifecycle. Every file
// ends in StateRecorded exactly once, whatever path it took to get there.
type State int

const (
	StateScanned State = iota
	StateFiltered
	StateBackedUp
	StateExtracted
	StateTranslating
	StateValidated
	StateCommitted
	StateRolledBack
	StateRecorded
)

var stateNames = map[State]string{
	StateScanned:     "scanned",
	StateFiltered:    "filtered",
	StateBackedUp:    "backed-up",
	StateExtracted:   "extracted",
	StateTranslating: "translating",
	StateValidated:   "validated",
	StateCommitted:   "committed",
	StateRolledBack:  "rolled-back",
	StateRecorded:    "recorded",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions lists the legal successor states. Skips jump straight to
// StateRecorded; failures after the backup point go through StateRolledBack
// so the pristine bytes are put back before the outcome is recorded. The
// post-backup skips, a structurally malformed file or one whose comments
// hold nothing translatable, record directly because the file was never
// modified.
var transitions = map[State][]State{
	StateScanned:     {StateFiltered, StateRecorded},
	StateFiltered:    {StateBackedUp, StateRecorded},
	StateBackedUp:    {StateExtracted, StateRolledBack, StateRecorded},
	StateExtracted:   {StateTranslating, StateRolledBack, StateRecorded},
	StateTranslating: {StateValidated, StateRolledBack},
	StateValidated:   {StateCommitted, StateRolledBack},
	StateCommitted:   {StateRecorded},
	StateRolledBack:  {StateRecorded},
	StateRecorded:    nil,
}

// advance validates the edge from cur to next and returns next. An illegal
// edge is a programming error surfaced loudly rather than masked.
func advance(cur, next State) (State, error) {
	for _, s := range transitions[cur] {
		if s == next {
			return next, nil
		}
	}
	return cur, fmt.Errorf("illegal state transition %s -> %s", cur, next)
}

// fileJob tracks one file's position in the lifecycle.
type fileJob struct {
	path  string
	state State
}

func newFileJob(path string) *fileJob {
	return &fileJob{path: path, state: StateScanned}
}

// to advances the job. The call sites form a fixed graph, so an illegal
// edge is a bug; it panics rather than silently corrupting the lifecycle.
func (j *fileJob) to(next State) {
	s, err := advance(j.state, next)
	if err != nil {
		panic(err)
	}
	j.state = s
}
