package fence

import (
	"fmt"
	"unicode"
)

// literalMachine matches an exact phrase one rune at a time.
type literalMachine struct {
	machineCore
	phrase []rune
	text   string
}

// Literal returns a machine that accepts exactly phrase. With
// WithCaseInsensitive the comparison folds case per rune. The phrase must be
// non-empty.
func Literal(phrase string, opts ...Option) Machine {
	if phrase == "" {
		panic("fence: literal phrase cannot be empty")
	}
	m := &literalMachine{phrase: []rune(phrase), text: phrase}
	m.kind = KindLiteral
	applyOptions(&m.machineCore, opts)
	return m
}

func (m *literalMachine) Start() StateID { return 0 }

func (m *literalMachine) Edges(from StateID) []Edge { return nil }

func (m *literalMachine) Accepting(s StateID) bool {
	return int(s) == len(m.phrase)
}

func (m *literalMachine) Steppers() []*Stepper {
	return []*Stepper{{machine: m, state: 0, target: noState}}
}

func (m *literalMachine) With(opts ...Option) Machine {
	return Literal(m.text, append(coreOptions(&m.machineCore), opts...)...)
}

func (m *literalMachine) String() string {
	return fmt.Sprintf("literal(%q)", m.text)
}

// Phrase returns the matched text. Used by formatters.
func (m *literalMachine) Phrase() string { return m.text }

func (m *literalMachine) matchAt(i int, r rune) bool {
	want := m.phrase[i]
	if want == r {
		return true
	}
	if m.foldCase {
		return unicode.ToLower(want) == unicode.ToLower(r)
	}
	return false
}
