package fence

import (
	"fmt"
	"unicode/utf8"
)

// Skip-until states: scanning free text, then done once the trigger machine
// has accepted.
const (
	skipScan StateID = 0
	skipDone StateID = 1
)

// skipUntilMachine consumes ungoverned text until its trigger machine anchors
// a match. Anchoring happens when a trigger cursor completes its first
// structural element (a leaf finishing, or a composite folding its first
// child); from that point the trigger machine governs all input and the
// free-scan alternative is gone. Partial trigger matches that break before
// anchoring fall back to free text.
type skipUntilMachine struct {
	machineCore
	trigger Machine
	free    Machine
}

// SkipUntil wraps trigger so that arbitrary text may precede it. The overall
// machine accepts once the trigger machine accepts. The trigger must consume
// at least one rune.
func SkipUntil(trigger Machine, opts ...Option) Machine {
	if trigger == nil {
		panic("fence: skip-until trigger cannot be nil")
	}
	if AcceptsEmpty(trigger) {
		panic("fence: skip-until trigger must consume input")
	}
	m := &skipUntilMachine{
		trigger: trigger,
		free:    AnyText(0, 0),
	}
	m.kind = KindSkipUntil
	applyOptions(&m.machineCore, opts)
	return m
}

func (m *skipUntilMachine) Start() StateID { return skipScan }

func (m *skipUntilMachine) Edges(from StateID) []Edge {
	if from == skipScan {
		return []Edge{{Inner: m.trigger, To: skipDone}}
	}
	return nil
}

func (m *skipUntilMachine) Accepting(s StateID) bool { return s == skipDone }

func (m *skipUntilMachine) Steppers() []*Stepper {
	return []*Stepper{{machine: m, state: skipScan, target: noState}}
}

func (m *skipUntilMachine) With(opts ...Option) Machine {
	c := *m
	applyOptions(&c.machineCore, opts)
	return &c
}

func (m *skipUntilMachine) String() string {
	return fmt.Sprintf("skipuntil(%s)", m.trigger)
}

// freePrefix returns a settled cursor describing the ungoverned text that
// preceded the anchor. It keeps the raw reconstruction invariant intact.
func (m *skipUntilMachine) freePrefix(prefix string) *Stepper {
	n := utf8.RuneCountInString(prefix)
	return &Stepper{
		machine:  m.free,
		state:    StateID(n),
		target:   noState,
		consumed: n,
		raw:      prefix,
	}
}
