// Package engine orchestrates grammar-constrained token generation: it masks
// logits against a machine's legal continuations, verifies sampled tokens,
// advances the cursor set, and reconstructs the accepted output.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/speakeasy-api/fence"
	"github.com/speakeasy-api/fence/vocab"
)

// Engine drives one constrained generation. It is not safe for concurrent
// use; run one engine per generation stream.
type Engine struct {
	machine fence.Machine
	idx     *vocab.Index
	opts    Options
	log     Logger
	runID   string

	active  []*fence.Stepper
	emitted []int
	emptyOK bool

	masks *maskCache

	// chain supplies the next phase's cursors during a session, letting a
	// token surface straddle the phase boundary. Nil outside sessions.
	chain func() []*fence.Stepper

	closed bool
}

// New builds an engine over a machine and a vocabulary index. The index may
// be shared across engines; the machine graph is never mutated.
func New(m fence.Machine, idx *vocab.Index, opts ...Options) (*Engine, error) {
	opt := DefaultOptions()
	if len(opts) > 0 {
		opt = opts[0]
	}
	opt.fillDefaults()
	if err := opt.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if m == nil {
		return nil, errors.New("nil machine")
	}
	if idx == nil {
		return nil, errors.New("nil vocabulary index")
	}

	runID := opt.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	e := &Engine{
		machine: m,
		idx:     idx,
		opts:    opt,
		log:     opt.newLogger().With(map[string]any{"run": runID}),
		runID:   runID,
		active:  m.Steppers(),
		emptyOK: fence.AcceptsEmpty(m),
		masks:   newMaskCache(opt.MaskCacheSize),
	}
	if len(e.active) == 0 && !e.emptyOK {
		return nil, errors.New("machine has no consumable paths")
	}

	e.log.With(map[string]any{
		"steppers": len(e.active),
		"vocab":    idx.Size(),
		"controls": previewInts(opt.ControlTokens, opt.LogMaxTokens),
	}).Infof("engine ready")
	return e, nil
}

// RunID returns the identifier tagging this generation's log lines.
func (e *Engine) RunID() string { return e.runID }

// Emitted returns a copy of the token ids accepted so far.
func (e *Engine) Emitted() []int {
	return append([]int(nil), e.emitted...)
}

// ProcessLogits masks a logits row: every position whose token no cursor can
// fully consume is set to -Inf on a copy. When ids is nil, positions are
// token ids; otherwise logits[i] scores ids[i].
func (e *Engine) ProcessLogits(ctx context.Context, ids []int, logits []float32) ([]float32, error) {
	masked, _, err := e.maskWith(ctx, ids, logits)
	return masked, err
}

func (e *Engine) maskWith(ctx context.Context, ids []int, logits []float32) ([]float32, *legalState, error) {
	if len(logits) == 0 {
		return nil, nil, errors.New("empty logits")
	}
	if ids != nil && len(ids) != len(logits) {
		return nil, nil, fmt.Errorf("ids/logits length mismatch: %d vs %d", len(ids), len(logits))
	}
	st, err := e.allowed(ctx)
	if err != nil {
		return nil, nil, err
	}
	if len(st.allow) == 0 {
		return nil, nil, fmt.Errorf("%d live steppers: %w", len(e.active), ErrNoLegalTokens)
	}

	masked := make([]float32, len(logits))
	copy(masked, logits)
	negInf := float32(math.Inf(-1))
	for i := range masked {
		id := i
		if ids != nil {
			id = ids[i]
		}
		if !st.allow[id] {
			masked[i] = negInf
		}
	}
	return masked, st, nil
}

// LegalTokens returns every token id the sampler may pick right now, sorted
// ascending: the grammar-legal set plus any eligible control token.
func (e *Engine) LegalTokens(ctx context.Context) ([]int, error) {
	st, err := e.allowed(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(st.allow))
	for id := range st.allow {
		out = append(out, id)
	}
	sort.Ints(out)
	return out, nil
}

// AdvanceAll feeds one token's surface to every live cursor and swaps in the
// merged survivors. All-or-nothing: when every cursor rejects the token the
// active set is left untouched and ErrTokenRejected is returned.
func (e *Engine) AdvanceAll(ctx context.Context, id int) error {
	_, err := e.advance(ctx, id, false)
	return err
}

// advance implements AdvanceAll. With collectParked set (session mode),
// cursors whose machine accepted partway through the surface are returned
// instead of dropped, so the caller can close a phase on them.
func (e *Engine) advance(ctx context.Context, id int, collectParked bool) ([]*fence.Stepper, error) {
	if e.closed {
		return nil, ErrClosed
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if len(e.active) == 0 {
		if len(e.emitted) == 0 && e.emptyOK {
			e.opts.Metrics.recRejected()
			return nil, fmt.Errorf("token %d: %w", id, ErrTokenRejected)
		}
		return nil, ErrNoSteppers
	}

	surface, ok := e.idx.Surface(id)
	if !ok {
		return nil, fmt.Errorf("unknown token id %d", id)
	}
	if surface == "" {
		e.opts.Metrics.recRejected()
		return nil, fmt.Errorf("token %d has an empty surface: %w", id, ErrTokenRejected)
	}

	results := make([][]*fence.Stepper, len(e.active))
	if len(e.active) >= e.opts.ParallelThreshold {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(runtime.GOMAXPROCS(0))
		for i := range e.active {
			g.Go(func() error {
				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
				results[i] = e.active[i].Consume(surface)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for i, s := range e.active {
			results[i] = s.Consume(surface)
		}
	}

	live := newStepperSet(e.opts.MaxSteppers)
	var parked []*fence.Stepper
	for _, rs := range results {
		for _, s := range rs {
			if s.Remaining() != "" {
				if collectParked {
					parked = append(parked, s)
				}
				continue
			}
			live.add(s)
		}
	}

	if live.empty() {
		if collectParked && len(parked) > 0 {
			// Acceptance mid-token: leave the active set untouched and let
			// the session close the phase on the parked cursors.
			for _, p := range parked {
				p.PushToken(id)
			}
			return dedupFrontier(parked), nil
		}
		e.opts.Metrics.recRejected()
		e.log.With(map[string]any{
			"token":    id,
			"surface":  surface,
			"frontier": frontierSummary(e.active, e.opts.LogMaxSteppers),
		}).Debugf("token rejected by all steppers")
		return nil, fmt.Errorf("token %d (%q): %w", id, surface, ErrTokenRejected)
	}

	dropped := live.dropped
	next := live.take()
	for _, s := range next {
		s.PushToken(id)
	}
	e.active = next
	e.emitted = append(e.emitted, id)
	e.opts.Metrics.recEmitted(1)
	e.opts.Metrics.recActive(len(next))
	e.log.With(map[string]any{
		"token":    id,
		"surface":  surface,
		"frontier": frontierSummary(next, e.opts.LogMaxSteppers),
		"capped":   dropped,
	}).Debugf("advanced on token")
	return nil, nil
}

// Accepted reports whether the output so far is a complete match: some live
// cursor accepts, or nothing was emitted and the machine accepts empty.
func (e *Engine) Accepted() bool {
	if len(e.emitted) == 0 && e.emptyOK {
		return true
	}
	for _, s := range e.active {
		if s.Remaining() == "" && s.Accepted() {
			return true
		}
	}
	return false
}

// AcceptedStepper returns the accepting cursor that consumed the most text,
// resolving ties to the earliest cursor in active order. Nil when nothing
// accepts.
func (e *Engine) AcceptedStepper() *fence.Stepper {
	var best *fence.Stepper
	for _, s := range e.active {
		if s.Remaining() != "" || !s.Accepted() {
			continue
		}
		if best == nil || s.Consumed() > best.Consumed() {
			best = s
		}
	}
	return best
}

// Reset re-seeds the cursor set and clears emitted tokens. The mask cache is
// content-addressed and survives resets.
func (e *Engine) Reset() {
	if e.closed {
		return
	}
	e.active = e.machine.Steppers()
	e.emitted = nil
	e.opts.Metrics.recActive(len(e.active))
	e.log.Debugf("engine reset")
}

// Close releases the engine. Further calls on it fail with ErrClosed.
func (e *Engine) Close() {
	if e.closed {
		return
	}
	e.closed = true
	e.active = nil
	e.masks = nil
	e.log.Debugf("engine closed")
}

// seed advances a fresh engine over text produced before it existed, which is
// how a session hands one phase's residue to the next. Returned cursors are
// parked residue when the machine finished inside the seed text.
func (e *Engine) seed(text string) ([]*fence.Stepper, error) {
	if text == "" {
		return nil, nil
	}
	live := newStepperSet(e.opts.MaxSteppers)
	var parked []*fence.Stepper
	for _, s := range e.active {
		for _, c := range s.Consume(text) {
			if c.Remaining() != "" {
				parked = append(parked, c)
				continue
			}
			live.add(c)
		}
	}
	if !live.empty() {
		e.active = live.take()
		e.log.With(map[string]any{
			"seed":     text,
			"frontier": frontierSummary(e.active, e.opts.LogMaxSteppers),
		}).Debugf("seeded with residue")
		return nil, nil
	}
	if len(parked) > 0 {
		return dedupFrontier(parked), nil
	}
	return nil, fmt.Errorf("residue %q: %w", text, ErrTokenRejected)
}

func (e *Engine) isControl(id int) bool {
	for _, ct := range e.opts.ControlTokens {
		if ct == id {
			return true
		}
	}
	return false
}
