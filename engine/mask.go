package engine

import (
	"container/list"
	"context"
	"encoding/binary"
	"hash/fnv"
	"sort"
	"time"

	"github.com/speakeasy-api/fence"
	"github.com/speakeasy-api/fence/vocab"
)

// maskCache is a small LRU over computed legal sets, keyed by the fingerprint
// of the active cursor set. Values hold grammar-legal ids only; control-token
// policy depends on acceptance state and is applied by the caller.
type maskCache struct {
	max int
	ll  *list.List
	m   map[uint64]*list.Element
}

type maskEntry struct {
	key   uint64
	legal []int
}

// newMaskCache returns nil when max is zero, which disables caching. All
// methods tolerate a nil receiver.
func newMaskCache(max int) *maskCache {
	if max <= 0 {
		return nil
	}
	return &maskCache{
		max: max,
		ll:  list.New(),
		m:   make(map[uint64]*list.Element, max),
	}
}

func (c *maskCache) get(key uint64) ([]int, bool) {
	if c == nil {
		return nil, false
	}
	el, ok := c.m[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*maskEntry).legal, true
}

func (c *maskCache) put(key uint64, legal []int) {
	if c == nil {
		return
	}
	if el, ok := c.m[key]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*maskEntry).legal = legal
		return
	}
	el := c.ll.PushFront(&maskEntry{key: key, legal: legal})
	c.m[key] = el
	if c.ll.Len() > c.max {
		last := c.ll.Back()
		c.ll.Remove(last)
		delete(c.m, last.Value.(*maskEntry).key)
	}
}

// frontierFingerprint folds the cursor fingerprints into one cache key. The
// active set has deterministic order, so the order-sensitive fold is stable.
func frontierFingerprint(steppers []*fence.Stepper) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, s := range steppers {
		binary.LittleEndian.PutUint64(buf[:], s.Fingerprint())
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

// legalState is one computed view of what the sampler may pick right now.
type legalState struct {
	legal  []int        // grammar-legal ids, sorted ascending
	allow  map[int]bool // legal ids plus eligible control ids
	finish bool         // acceptance reachable without more input
}

// allowed computes the current legal state: the grammar-legal token set from
// the trie walk, plus control tokens whenever the grammar can finish or
// nothing else is legal.
func (e *Engine) allowed(ctx context.Context) (*legalState, error) {
	if e.closed {
		return nil, ErrClosed
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if len(e.active) == 0 && !(len(e.emitted) == 0 && e.emptyOK) {
		return nil, ErrNoSteppers
	}

	st := &legalState{
		legal:  e.legalTokens(e.active),
		finish: e.Accepted(),
	}
	st.allow = make(map[int]bool, len(st.legal)+len(e.opts.ControlTokens))
	for _, id := range st.legal {
		st.allow[id] = true
	}
	if st.finish || len(st.legal) == 0 {
		for _, id := range e.opts.ControlTokens {
			st.allow[id] = true
		}
	}
	return st, nil
}

// legalTokens returns every token id whose full surface keeps at least one
// cursor alive, by walking the vocabulary trie and the cursor set together.
// Results are cached by frontier fingerprint.
func (e *Engine) legalTokens(active []*fence.Stepper) []int {
	key := frontierFingerprint(active)
	if legal, ok := e.masks.get(key); ok {
		e.opts.Metrics.recMaskHit()
		return legal
	}

	start := time.Now()
	var legal []int
	e.walkMask(e.idx.Root(), active, &legal)
	sort.Ints(legal)
	e.masks.put(key, legal)
	e.opts.Metrics.recMaskBuild(time.Since(start))
	e.log.With(map[string]any{
		"legal":    len(legal),
		"steppers": len(active),
	}).Debugf("computed legal set")
	return legal
}

// walkMask descends the trie and the live cursors in lockstep. A terminal
// node reached with survivors marks its ids legal. When a chain hook is set,
// cursors that have accepted splice in the next phase's cursors, so a token
// whose surface straddles the phase boundary stays legal.
func (e *Engine) walkMask(n *vocab.Node, live []*fence.Stepper, out *[]int) {
	if e.chain != nil && anyAcceptedClean(live) {
		live = dedupFrontier(append(append([]*fence.Stepper(nil), live...), e.chain()...))
	}
	for i := 0; i < n.Len(); i++ {
		r := n.Rune(i)
		var next []*fence.Stepper
		for _, s := range live {
			next = append(next, s.Step(r)...)
		}
		if len(next) == 0 {
			continue
		}
		next = dedupFrontier(next)
		if len(next) > e.opts.MaxSteppers {
			next = next[:e.opts.MaxSteppers]
		}
		child := n.Child(i)
		if ids := child.Terminal(); len(ids) > 0 {
			*out = append(*out, ids...)
		}
		e.walkMask(child, next, out)
	}
}

func anyAcceptedClean(steppers []*fence.Stepper) bool {
	for _, s := range steppers {
		if s.Remaining() == "" && s.Accepted() {
			return true
		}
	}
	return false
}

// dedupFrontier drops cursors with repeated fingerprints, keeping the first
// occurrence.
func dedupFrontier(in []*fence.Stepper) []*fence.Stepper {
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
