package fence

// Stepper is a cursor over a machine. It tracks the current state, the edge
// being traversed (target plus a live sub-cursor validating the edge's inner
// machine), the folded history of completed children, and the exact text
// consumed so far. Cursors never mutate once produced: every advance returns
// fresh cursors, so any number of them can share one machine graph.
type Stepper struct {
	machine Machine
	state   StateID
	target  StateID
	sub     *Stepper

	// history holds completed children in completion order. Entries are
	// frozen; clones share them.
	history []*Stepper

	// scans holds in-flight trigger attempts while a skip-until machine is
	// still scanning.
	scans []*Stepper

	consumed  int
	raw       string
	remaining string
	tokens    []int
}

// Machine returns the shared machine this cursor walks.
func (s *Stepper) Machine() Machine { return s.machine }

// State returns the current state id.
func (s *Stepper) State() StateID { return s.state }

// Raw returns the exact text consumed by this cursor.
func (s *Stepper) Raw() string { return s.raw }

// Consumed returns the number of runes consumed.
func (s *Stepper) Consumed() int { return s.consumed }

// Remaining returns residue text left over after the machine accepted
// mid-token. Empty for live cursors.
func (s *Stepper) Remaining() string { return s.remaining }

// Ident returns the machine's label.
func (s *Stepper) Ident() string { return s.machine.Ident() }

// Tokens returns the token ids recorded on this cursor. The slice is shared;
// callers must not modify it.
func (s *Stepper) Tokens() []int { return s.tokens }

// PushToken records a token id. The orchestration layer calls this on fresh
// cursors before publishing them, never on shared ones.
func (s *Stepper) PushToken(id int) { s.tokens = append(s.tokens, id) }

// Clone deep-copies the live parts of the cursor. The machine graph and
// frozen history entries are shared; slices are re-backed so appends on the
// clone never alias the original.
func (s *Stepper) Clone() *Stepper {
	c := *s
	if s.sub != nil {
		c.sub = s.sub.Clone()
	}
	if len(s.history) > 0 {
		c.history = make([]*Stepper, len(s.history))
		copy(c.history, s.history)
	}
	if len(s.scans) > 0 {
		c.scans = make([]*Stepper, len(s.scans))
		for i, a := range s.scans {
			c.scans[i] = a.Clone()
		}
	}
	if len(s.tokens) > 0 {
		c.tokens = append([]int(nil), s.tokens...)
	}
	return &c
}

// cloneShell copies the cursor without its live sub-cursor. Callers set sub
// explicitly.
func (s *Stepper) cloneShell() *Stepper {
	c := *s
	c.sub = nil
	if len(s.history) > 0 {
		c.history = make([]*Stepper, len(s.history))
		copy(c.history, s.history)
	}
	if len(s.scans) > 0 {
		c.scans = make([]*Stepper, len(s.scans))
		for i, a := range s.scans {
			c.scans[i] = a.Clone()
		}
	}
	if len(s.tokens) > 0 {
		c.tokens = append([]int(nil), s.tokens...)
	}
	return &c
}

// Accepted reports whether the cursor sits in an accepting configuration:
// the current state accepts, or the live child accepts and folding it would
// land on an accepting state.
func (s *Stepper) Accepted() bool {
	switch m := s.machine.(type) {
	case *literalMachine:
		return int(s.state) == len(m.phrase)
	case *charSetMachine:
		return m.Accepting(s.state)
	case *skipUntilMachine:
		return s.state == skipDone
	default:
		if s.sub == nil {
			return s.machine.Accepting(s.state)
		}
		return s.sub.Accepted() && s.machine.Accepting(s.target)
	}
}

// continuable reports whether the cursor could still consume more input.
func (s *Stepper) continuable() bool {
	switch m := s.machine.(type) {
	case *literalMachine:
		return int(s.state) < len(m.phrase)
	case *charSetMachine:
		return m.max <= 0 || int(s.state) < m.max
	default:
		return true
	}
}

// startMatched reports whether the cursor has anchored a structural match:
// a leaf matched fully, or a composite folded its first child. Skip-until
// uses this to commit to its trigger.
func (s *Stepper) startMatched() bool {
	switch s.machine.(type) {
	case *literalMachine, *charSetMachine:
		return s.Accepted()
	default:
		return len(s.history) > 0 || s.Accepted()
	}
}

// Step feeds one rune to the cursor and returns every successor. The
// receiver is never modified. Residue cursors are terminal and return nil.
func (s *Stepper) Step(r rune) []*Stepper {
	if s.remaining != "" {
		return nil
	}
	switch m := s.machine.(type) {
	case *literalMachine:
		return s.stepLiteral(m, r)
	case *charSetMachine:
		return s.stepCharSet(m, r)
	case *skipUntilMachine:
		return s.stepSkip(m, r)
	default:
		return s.stepGraph(r)
	}
}

func (s *Stepper) stepLiteral(m *literalMachine, r rune) []*Stepper {
	i := int(s.state)
	if i >= len(m.phrase) || !m.matchAt(i, r) {
		return nil
	}
	c := s.Clone()
	c.state++
	c.consumed++
	c.raw += string(r)
	return []*Stepper{c}
}

func (s *Stepper) stepCharSet(m *charSetMachine, r rune) []*Stepper {
	if m.max > 0 && int(s.state) >= m.max {
		return nil
	}
	if !m.member(r) {
		return nil
	}
	c := s.Clone()
	c.state++
	c.consumed++
	c.raw += string(r)
	return []*Stepper{c}
}

// stepGraph advances a composite cursor. A settled cursor (no live child)
// first branches into the consumable edges leaving its state; a cursor with
// a live child feeds the rune down. When the child accepts, both futures are
// kept: the folded parent and, if the child can grow, the unfolded one.
func (s *Stepper) stepGraph(r rune) []*Stepper {
	if s.sub == nil {
		var out []*Stepper
		for _, b := range s.branchEdges() {
			out = append(out, b.Step(r)...)
		}
		return out
	}
	var out []*Stepper
	for _, sn := range s.sub.Step(r) {
		p := s.cloneShell()
		p.sub = sn
		p.consumed++
		p.raw += string(r)
		if sn.Accepted() {
			out = append(out, p.fold()...)
			if sn.continuable() {
				out = append(out, p)
			}
		} else {
			out = append(out, p)
		}
	}
	return out
}

// fold freezes the accepted child into history and lands on the edge target.
// Accepting states reachable from there without consuming input yield
// additional bare cursors, so acceptance is visible immediately.
func (s *Stepper) fold() []*Stepper {
	base := s.cloneShell()
	base.history = append(base.history, s.sub)
	base.state = s.target
	base.target = noState
	out := []*Stepper{base}
	return append(out, base.epsilonAccepts()...)
}

// epsilonAccepts returns bare cursors for every accepting state reachable
// from the current one through empty-accepting edges.
func (s *Stepper) epsilonAccepts() []*Stepper {
	m := s.machine
	memo := make(map[Machine]int8)
	vis := map[StateID]bool{s.state: true}
	var out []*Stepper
	var walk func(from StateID)
	walk = func(from StateID) {
		for _, e := range m.Edges(from) {
			if vis[e.To] || !acceptsEmpty(e.Inner, memo) {
				continue
			}
			vis[e.To] = true
			if m.Accepting(e.To) {
				b := s.cloneShell()
				b.state = e.To
				b.target = noState
				out = append(out, b)
			}
			walk(e.To)
		}
	}
	walk(s.state)
	return out
}

// branchEdges expands a settled cursor into one cursor per consumable edge
// attempt reachable from the current state. Empty-accepting inners may be
// skipped over, so later edges are reachable too.
func (s *Stepper) branchEdges() []*Stepper {
	m := s.machine
	memo := make(map[Machine]int8)
	vis := make(map[StateID]bool)
	var out []*Stepper
	var walk func(from StateID)
	walk = func(from StateID) {
		if vis[from] {
			return
		}
		vis[from] = true
		for _, e := range m.Edges(from) {
			for _, init := range e.Inner.Steppers() {
				b := s.cloneShell()
				b.state = from
				b.target = e.To
				b.sub = init
				out = append(out, b)
			}
			if acceptsEmpty(e.Inner, memo) {
				walk(e.To)
			}
		}
	}
	walk(s.state)
	return out
}

// initialSteppers builds the consuming-ready cursors of a composite machine.
func initialSteppers(m Machine) []*Stepper {
	root := &Stepper{machine: m, state: m.Start(), target: noState}
	return root.branchEdges()
}

// stepSkip drives a skip-until cursor. Before the anchor, a free path
// consumes anything while trigger attempts ride along; the first attempt to
// anchor wins, the free path and younger attempts are dropped, and the
// ungoverned prefix is folded into history. After the anchor the trigger
// machine governs like a normal edge.
func (s *Stepper) stepSkip(m *skipUntilMachine, r rune) []*Stepper {
	if s.state == skipDone {
		return nil
	}
	if s.sub != nil {
		var out []*Stepper
		for _, sn := range s.sub.Step(r) {
			p := s.cloneShell()
			p.sub = sn
			p.consumed++
			p.raw += string(r)
			if sn.Accepted() {
				f := p.cloneShell()
				f.history = append(f.history, sn)
				f.state = skipDone
				f.target = noState
				out = append(out, f)
				if sn.continuable() {
					out = append(out, p)
				}
			} else {
				out = append(out, p)
			}
		}
		return out
	}

	try := make([]*Stepper, 0, len(s.scans)+1)
	try = append(try, s.scans...)
	try = append(try, m.trigger.Steppers()...)

	var anchored []*Stepper
	var alive []*Stepper
	for _, a := range try {
		for _, an := range a.Step(r) {
			if an.startMatched() {
				anchored = append(anchored, an)
			} else {
				alive = append(alive, an)
			}
		}
		if len(anchored) > 0 {
			// Oldest attempt wins; drop everything younger.
			break
		}
	}

	if len(anchored) > 0 {
		var out []*Stepper
		for _, an := range anchored {
			p := s.cloneShell()
			p.consumed++
			p.raw += string(r)
			p.scans = nil
			if prefix := p.raw[:len(p.raw)-len(an.raw)]; prefix != "" {
				p.history = append(p.history, m.freePrefix(prefix))
			}
			if an.Accepted() {
				f := p.cloneShell()
				f.history = append(f.history, an)
				f.state = skipDone
				f.target = noState
				out = append(out, f)
				if an.continuable() {
					c := p.cloneShell()
					c.sub = an
					c.target = skipDone
					out = append(out, c)
				}
			} else {
				p.sub = an
				p.target = skipDone
				out = append(out, p)
			}
		}
		return out
	}

	p := s.cloneShell()
	p.consumed++
	p.raw += string(r)
	p.scans = alive
	return []*Stepper{p}
}

// Consume feeds text through the cursor and every branch it spawns, and
// returns the surviving cursors. The receiver is unchanged. A cursor whose
// machine accepts mid-pass but cannot grow further is parked with the
// unconsumed residue recorded, which is the seam token healing works
// through.
func (s *Stepper) Consume(text string) []*Stepper {
	if s.remaining != "" {
		return nil
	}
	frontier := []*Stepper{s}
	var parked []*Stepper
	runes := []rune(text)
	for i, r := range runes {
		next := make([]*Stepper, 0, len(frontier))
		for _, st := range frontier {
			succ := st.Step(r)
			if len(succ) == 0 && st.Accepted() {
				pk := st.Clone()
				pk.remaining = string(runes[i:])
				parked = append(parked, pk)
			}
			next = append(next, succ...)
		}
		frontier = dedupSteppers(next)
		if len(frontier) == 0 {
			break
		}
	}
	return dedupSteppers(append(frontier, parked...))
}

// Accepts reports whether the cursor consumes text in full and ends
// accepted.
func (s *Stepper) Accepts(text string) bool {
	for _, c := range s.Consume(text) {
		if c.remaining == "" && c.Accepted() {
			return true
		}
	}
	return false
}

// dedupSteppers drops cursors whose fingerprints repeat, keeping the first
// occurrence so ordering stays deterministic.
func dedupSteppers(in []*Stepper) []*Stepper {
	if len(in) < 2 {
		return in
	}
	seen := make(map[uint64]bool, len(in))
	out := in[:0]
	for _, s := range in {
		fp := s.Fingerprint()
		if seen[fp] {
			continue
		}
		seen[fp] = true
		out = append(out, s)
	}
	return out
}

// Span is a labelled piece of consumed text.
type Span struct {
	Ident string
	Text  string
}

// Segments walks the fold history and returns the labelled spans in the
// order they were consumed. Nested labels follow their enclosing span.
func (s *Stepper) Segments() []Span {
	var out []Span
	s.spanInto(&out)
	return out
}

func (s *Stepper) childSpans(out *[]Span) {
	for _, h := range s.history {
		h.spanInto(out)
	}
	if s.sub != nil {
		s.sub.spanInto(out)
	}
}

func (s *Stepper) spanInto(out *[]Span) {
	if id := s.machine.Ident(); id != "" {
		*out = append(*out, Span{Ident: id, Text: s.raw})
	}
	s.childSpans(out)
}
