package engine

import (
	"github.com/speakeasy-api/fence"
)

// stepperSet accumulates advanced cursors with fingerprint deduplication and
// a hard cap. First occurrences win, so merge order stays deterministic
// across runs.
type stepperSet struct {
	steppers []*fence.Stepper
	seen     map[uint64]bool
	limit    int

	// dropped counts cursors rejected by the cap, for logging.
	dropped int
}

func newStepperSet(limit int) *stepperSet {
	return &stepperSet{
		seen:  make(map[uint64]bool),
		limit: limit,
	}
}

// add inserts s unless its fingerprint was seen or the cap is reached.
func (ss *stepperSet) add(s *fence.Stepper) bool {
	fp := s.Fingerprint()
	if ss.seen[fp] {
		return false
	}
	if ss.limit > 0 && len(ss.steppers) >= ss.limit {
		ss.dropped++
		return false
	}
	ss.seen[fp] = true
	ss.steppers = append(ss.steppers, s)
	return true
}

func (ss *stepperSet) empty() bool {
	return len(ss.steppers) == 0
}

// take hands out the accumulated cursors. The set must not be reused after.
func (ss *stepperSet) take() []*fence.Stepper {
	out := ss.steppers
	ss.steppers = nil
	return out
}
