package fence

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// Class describes the character membership of a CharClass machine. Chars
// lists individual runes, Ranges holds inclusive [lo, hi] pairs, and Any
// matches every rune.
type Class struct {
	Chars  string
	Ranges [][2]rune
	Any    bool
}

func (c Class) empty() bool {
	return !c.Any && c.Chars == "" && len(c.Ranges) == 0
}

// charSetMachine matches runes of a character class with repetition bounds.
type charSetMachine struct {
	machineCore
	class  Class
	set    map[rune]bool
	min    int
	max    int // max <= 0 means unbounded
}

// CharClass returns a machine accepting between min and max runes of the
// class. A max of zero or less means unbounded. The class must not be empty.
func CharClass(class Class, min, max int, opts ...Option) Machine {
	if class.empty() {
		panic("fence: character class cannot be empty")
	}
	if min < 0 {
		panic("fence: character class min cannot be negative")
	}
	if max > 0 && max < min {
		panic(fmt.Sprintf("fence: character class bounds inverted (min %d, max %d)", min, max))
	}
	for _, r := range class.Ranges {
		if r[0] > r[1] {
			panic(fmt.Sprintf("fence: character range inverted (%q, %q)", r[0], r[1]))
		}
	}
	m := &charSetMachine{class: class, min: min, max: max}
	m.kind = KindCharSet
	applyOptions(&m.machineCore, opts)
	m.set = make(map[rune]bool, len(class.Chars))
	for _, r := range class.Chars {
		if m.foldCase {
			r = unicode.ToLower(r)
		}
		m.set[r] = true
	}
	return m
}

// CharSet returns a machine accepting between min and max runes drawn from
// chars.
func CharSet(chars string, min, max int, opts ...Option) Machine {
	return CharClass(Class{Chars: chars}, min, max, opts...)
}

// CharRange returns a machine accepting between min and max runes in the
// inclusive range [lo, hi].
func CharRange(lo, hi rune, min, max int, opts ...Option) Machine {
	return CharClass(Class{Ranges: [][2]rune{{lo, hi}}}, min, max, opts...)
}

// AnyText returns a machine accepting between min and max arbitrary runes.
func AnyText(min, max int, opts ...Option) Machine {
	return CharClass(Class{Any: true}, min, max, opts...)
}

func (m *charSetMachine) Start() StateID { return 0 }

func (m *charSetMachine) Edges(from StateID) []Edge { return nil }

func (m *charSetMachine) Accepting(s StateID) bool {
	n := int(s)
	return n >= m.min && (m.max <= 0 || n <= m.max)
}

func (m *charSetMachine) Steppers() []*Stepper {
	return []*Stepper{{machine: m, state: 0, target: noState}}
}

func (m *charSetMachine) With(opts ...Option) Machine {
	// Rebuild so case folding is reflected in the stored set.
	return CharClass(m.class, m.min, m.max, append(coreOptions(&m.machineCore), opts...)...)
}

func (m *charSetMachine) String() string {
	var b strings.Builder
	b.WriteString("charset[")
	if m.class.Any {
		b.WriteString("any")
	} else {
		runes := make([]rune, 0, len(m.set))
		for r := range m.set {
			runes = append(runes, r)
		}
		sort.Slice(runes, func(i, j int) bool { return runes[i] < runes[j] })
		for _, r := range runes {
			b.WriteRune(r)
		}
		for _, rr := range m.class.Ranges {
			fmt.Fprintf(&b, "%c-%c", rr[0], rr[1])
		}
	}
	b.WriteString("]")
	if m.max <= 0 {
		fmt.Fprintf(&b, "{%d,}", m.min)
	} else {
		fmt.Fprintf(&b, "{%d,%d}", m.min, m.max)
	}
	return b.String()
}

func (m *charSetMachine) member(r rune) bool {
	if m.class.Any {
		return true
	}
	if m.foldCase {
		r = unicode.ToLower(r)
	}
	if m.set[r] {
		return true
	}
	for _, rr := range m.class.Ranges {
		if r >= rr[0] && r <= rr[1] {
			return true
		}
	}
	return false
}
