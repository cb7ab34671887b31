// Package gramfmt renders fence machines as indented outlines. The output is
// meant for humans inspecting a compiled grammar, not for parsing back.
package gramfmt

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/speakeasy-api/fence"
)

// Config controls outline rendering.
type Config struct {
	// MaxDepth bounds nesting. Subtrees below the limit render as "...".
	MaxDepth int
	// MaxWidth bounds each line in display cells. Longer lines are cut
	// with an ellipsis; tree glyphs count toward the width.
	MaxWidth int
	// ShowStates appends state and accept counts to composite nodes.
	ShowStates bool
}

// DefaultConfig returns the settings used by Render.
func DefaultConfig() Config {
	return Config{MaxDepth: 24, MaxWidth: 96}
}

func (c Config) validate() error {
	if c.MaxDepth < 1 {
		return fmt.Errorf("gramfmt: MaxDepth must be at least 1, got %d", c.MaxDepth)
	}
	if c.MaxWidth < 8 {
		return fmt.Errorf("gramfmt: MaxWidth must be at least 8, got %d", c.MaxWidth)
	}
	return nil
}

// Render returns the outline of m using DefaultConfig.
func Render(m fence.Machine) string {
	out, err := RenderWith(m, DefaultConfig())
	if err != nil {
		panic(err) // default config always validates
	}
	return out
}

// RenderWith returns the outline of m. Each node is one line: the machine
// kind with its detail, then markers for ident, optionality and case
// folding. Refs render by name and are never resolved, so rendering a
// machine from a partially defined grammar is safe.
func RenderWith(m fence.Machine, cfg Config) (string, error) {
	if err := cfg.validate(); err != nil {
		return "", err
	}
	if m == nil {
		return "", fmt.Errorf("gramfmt: nil machine")
	}
	r := renderer{cfg: cfg}
	r.line("", m)
	r.children("", m, 1)
	return r.b.String(), nil
}

// RenderGrammar outlines every named rule in g, in name order.
func RenderGrammar(g *fence.Grammar, cfg Config) (string, error) {
	if err := cfg.validate(); err != nil {
		return "", err
	}
	if g == nil {
		return "", fmt.Errorf("gramfmt: nil grammar")
	}
	var b strings.Builder
	for _, name := range g.Names() {
		m, ok := g.Lookup(name)
		if !ok {
			continue
		}
		out, err := RenderWith(m, cfg)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%s:\n", name)
		for _, ln := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
			b.WriteString("  ")
			b.WriteString(ln)
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}

type renderer struct {
	b   strings.Builder
	cfg Config
}

// line writes one outline row for m under the given glyph prefix.
func (r *renderer) line(prefix string, m fence.Machine) {
	label := r.label(m)
	full := prefix + label
	if runewidth.StringWidth(full) > r.cfg.MaxWidth {
		full = runewidth.Truncate(full, r.cfg.MaxWidth, "…")
	}
	r.b.WriteString(full)
	r.b.WriteByte('\n')
}

func (r *renderer) label(m fence.Machine) string {
	var b strings.Builder
	switch m.Kind() {
	case fence.KindLiteral, fence.KindCharSet, fence.KindRef:
		// Leaf String() carries the detail: the phrase, the class and
		// bounds, or the rule name.
		b.WriteString(m.String())
	default:
		b.WriteString(m.Kind().String())
		if r.cfg.ShowStates {
			states, accepts := graphSize(m)
			fmt.Fprintf(&b, "{states:%d, accepts:%d}", states, accepts)
		}
	}
	if id := m.Ident(); id != "" {
		fmt.Fprintf(&b, " ident=%s", id)
	}
	if m.Optional() {
		b.WriteString(" optional")
	}
	if !m.CaseSensitive() {
		b.WriteString(" fold")
	}
	return b.String()
}

// children recurses into the distinct inner machines of m. Leaves and refs
// have none; a repeat body that appears on several edges renders once.
func (r *renderer) children(prefix string, m fence.Machine, depth int) {
	if m.Kind() == fence.KindRef {
		return
	}
	inner := innerMachines(m)
	if len(inner) == 0 {
		return
	}
	if depth >= r.cfg.MaxDepth {
		r.b.WriteString(prefix + "└── ...\n")
		return
	}
	for i, child := range inner {
		glyph, cont := "├── ", "│   "
		if i == len(inner)-1 {
			glyph, cont = "└── ", "    "
		}
		r.line(prefix+glyph, child)
		r.children(prefix+cont, child, depth+1)
	}
}

// innerMachines walks the reachable states of m breadth first and returns
// each distinct inner machine in discovery order.
func innerMachines(m fence.Machine) []fence.Machine {
	var out []fence.Machine
	seenMachine := map[fence.Machine]bool{}
	seenState := map[fence.StateID]bool{m.Start(): true}
	queue := []fence.StateID{m.Start()}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for _, e := range m.Edges(s) {
			if e.Inner != nil && !seenMachine[e.Inner] {
				seenMachine[e.Inner] = true
				out = append(out, e.Inner)
			}
			if !seenState[e.To] {
				seenState[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return out
}

// graphSize counts reachable states and how many of them accept.
func graphSize(m fence.Machine) (states, accepts int) {
	seen := map[fence.StateID]bool{m.Start(): true}
	queue := []fence.StateID{m.Start()}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		states++
		if m.Accepting(s) {
			accepts++
		}
		for _, e := range m.Edges(s) {
			if !seenState(seen, e.To) {
				queue = append(queue, e.To)
			}
		}
	}
	return states, accepts
}

func seenState(seen map[fence.StateID]bool, s fence.StateID) bool {
	if seen[s] {
		return true
	}
	seen[s] = true
	return false
}
