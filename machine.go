// Package fence builds grammar state machines and drives cursors (steppers)
// through them one character at a time. Machines are immutable graphs whose
// edges are themselves machines; steppers are cheap cursors that branch on
// ambiguity and can be advanced, cloned, and compared in parallel.
package fence

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// StateID identifies a state within a single machine's graph.
type StateID int

// noState marks a stepper that is not currently traversing an edge.
const noState StateID = -1

// Edge connects a state to a target state. The inner machine validates the
// text consumed while traversing the edge.
type Edge struct {
	Inner Machine
	To    StateID
}

// Machine is a grammar fragment. Implementations live in this package only;
// the set of kinds is closed (see Kind).
type Machine interface {
	Kind() Kind
	Ident() string
	Optional() bool
	CaseSensitive() bool

	Start() StateID
	Edges(from StateID) []Edge
	Accepting(s StateID) bool

	// Steppers returns the initial cursors for this machine, one per first
	// branch. The result is always ready to consume input.
	Steppers() []*Stepper

	// With returns a copy of the machine with the options applied. The
	// receiver is unchanged, so shared fragments can be relabeled safely.
	With(opts ...Option) Machine

	String() string

	core() *machineCore
}

// machineCore carries the configuration shared by every machine kind.
type machineCore struct {
	kind     Kind
	ident    string
	optional bool
	foldCase bool
}

func (c *machineCore) Kind() Kind          { return c.kind }
func (c *machineCore) Ident() string       { return c.ident }
func (c *machineCore) Optional() bool      { return c.optional }
func (c *machineCore) CaseSensitive() bool { return !c.foldCase }
func (c *machineCore) core() *machineCore  { return c }

// Option configures a machine at construction time.
type Option func(*machineCore)

// WithIdent labels a machine. Labels surface in segmentation output.
func WithIdent(ident string) Option {
	return func(c *machineCore) { c.ident = ident }
}

// WithOptional marks a machine skippable by its parent.
func WithOptional() Option {
	return func(c *machineCore) { c.optional = true }
}

// WithCaseInsensitive makes character comparison case-folding.
func WithCaseInsensitive() Option {
	return func(c *machineCore) { c.foldCase = true }
}

func applyOptions(c *machineCore, opts []Option) {
	for _, o := range opts {
		o(c)
	}
}

// coreOptions reconstructs the option list that produced a core. Used by
// With implementations that rebuild leaf machines.
func coreOptions(c *machineCore) []Option {
	var opts []Option
	if c.ident != "" {
		opts = append(opts, WithIdent(c.ident))
	}
	if c.optional {
		opts = append(opts, WithOptional())
	}
	if c.foldCase {
		opts = append(opts, WithCaseInsensitive())
	}
	return opts
}

// graphMachine is the generic composite: an immutable state graph with
// machine-validated edges. Sequence, Union, Repeat, and Delimited all build
// one of these.
type graphMachine struct {
	machineCore
	start StateID
	graph map[StateID][]Edge
	ends  map[StateID]bool
}

func (m *graphMachine) Start() StateID            { return m.start }
func (m *graphMachine) Edges(from StateID) []Edge { return m.graph[from] }
func (m *graphMachine) Accepting(s StateID) bool  { return m.ends[s] }

func (m *graphMachine) Steppers() []*Stepper {
	return initialSteppers(m)
}

func (m *graphMachine) With(opts ...Option) Machine {
	c := *m
	applyOptions(&c.machineCore, opts)
	return &c
}

func (m *graphMachine) String() string {
	if m.ident != "" {
		return fmt.Sprintf("%s(%s)", m.kind, m.ident)
	}
	states := len(m.graph)
	return fmt.Sprintf("%s{states:%d}", m.kind, states)
}

// states returns all state ids in deterministic order. Used by formatters.
func (m *graphMachine) states() []StateID {
	ids := make([]StateID, 0, len(m.graph)+1)
	seen := map[StateID]bool{}
	add := func(s StateID) {
		if !seen[s] {
			seen[s] = true
			ids = append(ids, s)
		}
	}
	add(m.start)
	for s, edges := range m.graph {
		add(s)
		for _, e := range edges {
			add(e.To)
		}
	}
	for s := range m.ends {
		add(s)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Grammar is an arena of named machines. Refs resolve at stepping time, so
// definitions may be mutually recursive as long as every name is defined
// before the first stepper runs.
type Grammar struct {
	mu   sync.RWMutex
	defs map[string]Machine
}

// NewGrammar creates an empty arena.
func NewGrammar() *Grammar {
	return &Grammar{defs: make(map[string]Machine)}
}

// Define registers a machine under a name. Redefinition is an error.
func (g *Grammar) Define(name string, m Machine) error {
	if name == "" {
		return fmt.Errorf("grammar rule name cannot be empty")
	}
	if m == nil {
		return fmt.Errorf("grammar rule %q cannot be nil", name)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.defs[name]; ok {
		return fmt.Errorf("grammar rule %q already defined", name)
	}
	g.defs[name] = m
	return nil
}

// Lookup returns the machine registered under name.
func (g *Grammar) Lookup(name string) (Machine, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m, ok := g.defs[name]
	return m, ok
}

// Names returns all defined rule names in sorted order.
func (g *Grammar) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.defs))
	for n := range g.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Ref returns a late-bound machine that resolves name on first use.
func (g *Grammar) Ref(name string, opts ...Option) Machine {
	m := &refMachine{g: g, name: name}
	m.kind = KindRef
	applyOptions(&m.machineCore, opts)
	return m
}

// refMachine defers resolution to stepping time so grammars can be recursive.
type refMachine struct {
	machineCore
	g    *Grammar
	name string
}

func (m *refMachine) resolve() Machine {
	t, ok := m.g.Lookup(m.name)
	if !ok {
		panic("fence: undefined grammar rule " + strconv.Quote(m.name))
	}
	return t
}

func (m *refMachine) Ident() string {
	if m.ident != "" {
		return m.ident
	}
	return m.name
}

func (m *refMachine) Start() StateID            { return m.resolve().Start() }
func (m *refMachine) Edges(from StateID) []Edge { return m.resolve().Edges(from) }
func (m *refMachine) Accepting(s StateID) bool  { return m.resolve().Accepting(s) }
func (m *refMachine) Steppers() []*Stepper      { return m.resolve().Steppers() }

func (m *refMachine) With(opts ...Option) Machine {
	c := *m
	applyOptions(&c.machineCore, opts)
	return &c
}

func (m *refMachine) String() string {
	return fmt.Sprintf("ref(%s)", m.name)
}

// AcceptsEmpty reports whether m can match the empty string, either because
// it is optional or because an empty-consuming path reaches an end state.
func AcceptsEmpty(m Machine) bool {
	return acceptsEmpty(m, make(map[Machine]int8))
}

const (
	emptyInProgress int8 = iota + 1
	emptyYes
	emptyNo
)

func acceptsEmpty(m Machine, memo map[Machine]int8) bool {
	if m == nil {
		return true
	}
	switch memo[m] {
	case emptyInProgress, emptyNo:
		// A cycle must consume to make progress.
		return false
	case emptyYes:
		return true
	}
	memo[m] = emptyInProgress
	ok := computeEmpty(m, memo)
	if ok {
		memo[m] = emptyYes
	} else {
		memo[m] = emptyNo
	}
	return ok
}

func computeEmpty(m Machine, memo map[Machine]int8) bool {
	if m.Optional() {
		return true
	}
	switch t := m.(type) {
	case *literalMachine:
		return false
	case *charSetMachine:
		return t.min == 0
	case *skipUntilMachine:
		return false
	case *refMachine:
		return acceptsEmpty(t.resolve(), memo)
	case *graphMachine:
		return emptyPath(t, t.start, make(map[StateID]bool), memo)
	default:
		return false
	}
}

func emptyPath(m *graphMachine, s StateID, vis map[StateID]bool, memo map[Machine]int8) bool {
	if m.ends[s] {
		return true
	}
	if vis[s] {
		return false
	}
	vis[s] = true
	for _, e := range m.graph[s] {
		if acceptsEmpty(e.Inner, memo) && emptyPath(m, e.To, vis, memo) {
			return true
		}
	}
	return false
}

// Match reports whether m accepts text in full. Convenience for tests and
// grammar authors; generation paths use steppers directly.
func Match(m Machine, text string) bool {
	if text == "" {
		return AcceptsEmpty(m)
	}
	for _, s := range m.Steppers() {
		if s.Accepts(text) {
			return true
		}
	}
	return false
}
