package fence

// Sequence returns a machine that accepts the concatenation of its parts in
// order. Optional or empty-accepting parts may be skipped.
func Sequence(parts ...Machine) Machine {
	return buildChain(KindSequence, parts, nil)
}

// Union returns a machine that accepts any one of its alternatives. All
// alternatives are explored in parallel; declaration order fixes branch
// order everywhere downstream.
func Union(alts ...Machine) Machine {
	if len(alts) == 0 {
		panic("fence: union needs at least one alternative")
	}
	for _, a := range alts {
		if a == nil {
			panic("fence: union alternative cannot be nil")
		}
	}
	m := newGraph(KindUnion)
	edges := make([]Edge, len(alts))
	for i, a := range alts {
		edges[i] = Edge{Inner: a, To: 1}
	}
	m.graph[0] = edges
	m.ends[1] = true
	return m
}

// Repeat returns a machine accepting between min and max repetitions of body,
// with sep between consecutive items when given. A max of zero or less means
// unbounded.
func Repeat(body Machine, min, max int, sep Machine, opts ...Option) Machine {
	if body == nil {
		panic("fence: repeat body cannot be nil")
	}
	if min < 0 {
		panic("fence: repeat min cannot be negative")
	}
	if max > 0 && max < min {
		panic("fence: repeat bounds inverted")
	}
	rest := body
	if sep != nil {
		rest = Sequence(sep, body)
	}

	m := newGraph(KindRepeat)
	applyOptions(&m.machineCore, opts)

	if max <= 0 {
		// Chain up to min matches, then loop in place.
		loop := StateID(min)
		if loop == 0 {
			loop = 1
		}
		for i := StateID(0); i < loop; i++ {
			inner := rest
			if i == 0 {
				inner = body
			}
			m.graph[i] = []Edge{{Inner: inner, To: i + 1}}
		}
		m.graph[loop] = append(m.graph[loop], Edge{Inner: rest, To: loop})
		m.ends[loop] = true
		if min == 0 {
			m.ends[0] = true
		}
		return m
	}

	for i := StateID(0); i < StateID(max); i++ {
		inner := rest
		if i == 0 {
			inner = body
		}
		m.graph[i] = []Edge{{Inner: inner, To: i + 1}}
	}
	for i := min; i <= max; i++ {
		m.ends[StateID(i)] = true
	}
	return m
}

// Delimited returns open body close as a single machine. When no identifier
// option is given the body's label is carried so segmentation still sees it.
func Delimited(open, body, close Machine, opts ...Option) Machine {
	if open == nil || body == nil || close == nil {
		panic("fence: delimited parts cannot be nil")
	}
	m := buildChain(KindDelimited, []Machine{open, body, close}, opts)
	if m.core().ident == "" {
		m.core().ident = body.Ident()
	}
	return m
}

func buildChain(kind Kind, parts []Machine, opts []Option) Machine {
	if len(parts) == 0 {
		panic("fence: " + kind.String() + " needs at least one part")
	}
	for _, p := range parts {
		if p == nil {
			panic("fence: " + kind.String() + " part cannot be nil")
		}
	}
	m := newGraph(kind)
	applyOptions(&m.machineCore, opts)
	for i, p := range parts {
		m.graph[StateID(i)] = []Edge{{Inner: p, To: StateID(i + 1)}}
	}
	m.ends[StateID(len(parts))] = true
	return m
}

func newGraph(kind Kind) *graphMachine {
	m := &graphMachine{
		graph: make(map[StateID][]Edge),
		ends:  make(map[StateID]bool),
	}
	m.kind = kind
	return m
}
