package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/speakeasy-api/fence"
	"github.com/speakeasy-api/fence/vocab"
)

// Phase is one stage of a multi-part generation.
type Phase struct {
	Label   string
	Machine fence.Machine

	// Expect optionally validates the finished phase; an error aborts the
	// session.
	Expect func(*PhaseResult) error
}

// PhaseResult is one finished phase. Text is the exact text the phase's
// machine consumed. Tokens lists the ids that produced it; a token whose
// surface straddles a phase boundary is attributed to the phase it completed.
type PhaseResult struct {
	Label    string
	Text     string
	Tokens   []int
	Value    any
	Segments []fence.Span
}

// Session runs an ordered list of phases over one token stream. Each phase
// gets its own engine; when a phase's machine accepts partway through a
// token, the leftover surface seeds the next phase, so phase boundaries need
// not fall on token boundaries.
//
// Phases are closed greedily: a phase keeps consuming while any of its
// cursors stays live, and hands over at the first token its machine cannot
// extend through.
type Session struct {
	idx    *vocab.Index
	opts   Options
	phases []Phase
	id     string
	log    Logger

	cur     int
	eng     *Engine
	results []PhaseResult
	done    bool
}

// NewSession validates the phase list and starts the first phase.
func NewSession(idx *vocab.Index, phases []Phase, opts ...Options) (*Session, error) {
	if idx == nil {
		return nil, errors.New("nil vocabulary index")
	}
	if len(phases) == 0 {
		return nil, errors.New("no phases")
	}
	seen := make(map[string]bool, len(phases))
	for i, p := range phases {
		if p.Label == "" {
			return nil, fmt.Errorf("phase %d has no label", i)
		}
		if seen[p.Label] {
			return nil, fmt.Errorf("duplicate phase label %q", p.Label)
		}
		seen[p.Label] = true
		if p.Machine == nil {
			return nil, fmt.Errorf("phase %q has no machine", p.Label)
		}
	}
	opt := DefaultOptions()
	if len(opts) > 0 {
		opt = opts[0]
	}
	opt.fillDefaults()
	if err := opt.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	id := opt.RunID
	if id == "" {
		id = uuid.NewString()
	}
	s := &Session{
		idx:    idx,
		opts:   opt,
		phases: phases,
		id:     id,
		log:    opt.newLogger().With(map[string]any{"session": id}),
	}
	if err := s.startPhase(0, ""); err != nil {
		return nil, err
	}
	return s, nil
}

// startPhase builds the engine for phase i and seeds it with residue carried
// over from the previous phase. When the residue satisfies the phase in
// full, the phase is recorded and the remainder cascades forward.
func (s *Session) startPhase(i int, residue string) error {
	if i >= len(s.phases) {
		if residue != "" {
			return fmt.Errorf("trailing residue %q after final phase: %w", residue, ErrTokenRejected)
		}
		s.done = true
		return nil
	}
	phase := s.phases[i]

	opt := s.opts
	opt.RunID = fmt.Sprintf("%s/%s", s.id, phase.Label)
	if i < len(s.phases)-1 {
		// Stop tokens only become legal in the final phase.
		opt.ControlTokens = nil
	}
	eng, err := New(phase.Machine, s.idx, opt)
	if err != nil {
		return fmt.Errorf("phase %q: %w", phase.Label, err)
	}
	if i+1 < len(s.phases) {
		nm := s.phases[i+1].Machine
		eng.chain = func() []*fence.Stepper { return nm.Steppers() }
	}
	if s.eng != nil {
		s.eng.Close()
	}
	s.cur = i
	s.eng = eng
	s.log.With(map[string]any{
		"phase":   phase.Label,
		"residue": residue,
	}).Infof("phase started")

	if residue == "" {
		return nil
	}
	parked, err := eng.seed(residue)
	if err != nil {
		return fmt.Errorf("phase %q: %w", phase.Label, err)
	}
	if parked != nil {
		best := bestParked(parked)
		if err := s.record(best); err != nil {
			return err
		}
		return s.startPhase(i+1, best.Remaining())
	}
	return nil
}

// Feed consumes one sampled token. It returns true once the final phase
// accepted and the stream ended on a control token.
func (s *Session) Feed(ctx context.Context, id int) (bool, error) {
	if s.done {
		return true, nil
	}

	if s.isControl(id) {
		if s.cur != len(s.phases)-1 {
			return false, fmt.Errorf("control token %d with %d phases remaining", id, len(s.phases)-1-s.cur)
		}
		if err := s.record(s.eng.AcceptedStepper()); err != nil {
			return false, err
		}
		s.done = true
		return true, nil
	}

	lastPhase := s.cur == len(s.phases)-1
	parked, err := s.eng.advance(ctx, id, !lastPhase)
	if err != nil {
		if errors.Is(err, ErrTokenRejected) && !lastPhase && s.eng.Accepted() {
			// The current phase is complete and the token opens the next one.
			if err := s.record(s.eng.AcceptedStepper()); err != nil {
				return false, err
			}
			if err := s.startPhase(s.cur+1, ""); err != nil {
				return false, err
			}
			return s.Feed(ctx, id)
		}
		return false, fmt.Errorf("phase %q: %w", s.label(), err)
	}
	if parked == nil {
		return false, nil
	}

	// The phase's machine accepted inside the token surface.
	surface, _ := s.idx.Surface(id)
	best := bestParked(parked)
	if len(best.Remaining()) == len(surface) {
		// Zero progress: the token belongs wholly to the next phase.
		prev := s.eng.AcceptedStepper()
		if prev == nil {
			return false, fmt.Errorf("phase %q: token %d: %w", s.label(), id, ErrTokenRejected)
		}
		if err := s.record(prev); err != nil {
			return false, err
		}
		if err := s.startPhase(s.cur+1, ""); err != nil {
			return false, err
		}
		return s.Feed(ctx, id)
	}
	if err := s.record(best); err != nil {
		return false, err
	}
	if err := s.startPhase(s.cur+1, best.Remaining()); err != nil {
		return false, err
	}
	return s.done, nil
}

// Step samples one token from a logits row and feeds it through the session.
// It returns the emitted token id.
func (s *Session) Step(ctx context.Context, ids []int, logits []float32, pick Sampler) (int, bool, error) {
	if s.done {
		return 0, true, nil
	}
	masked, st, err := s.eng.maskWith(ctx, ids, logits)
	if err != nil {
		return 0, false, err
	}
	id, err := s.eng.pickLegal(ctx, ids, masked, st, pick)
	if err != nil {
		return 0, false, err
	}
	done, err := s.Feed(ctx, id)
	return id, done, err
}

// ProcessLogits masks a logits row against the current phase, including any
// tokens made legal by chaining into the next phase.
func (s *Session) ProcessLogits(ctx context.Context, ids []int, logits []float32) ([]float32, error) {
	if s.done {
		return nil, fmt.Errorf("session complete: %w", ErrClosed)
	}
	return s.eng.ProcessLogits(ctx, ids, logits)
}

// LegalTokens exposes the current phase's legal set.
func (s *Session) LegalTokens(ctx context.Context) ([]int, error) {
	if s.done {
		return nil, fmt.Errorf("session complete: %w", ErrClosed)
	}
	return s.eng.LegalTokens(ctx)
}

// Finish closes the session at end of stream, recording the final phase. It
// fails unless the stream stopped inside an accepting final phase.
func (s *Session) Finish() error {
	if s.done {
		return nil
	}
	if s.cur != len(s.phases)-1 {
		return fmt.Errorf("stream ended in phase %q with %d phases remaining", s.label(), len(s.phases)-1-s.cur)
	}
	if err := s.record(s.eng.AcceptedStepper()); err != nil {
		return err
	}
	s.done = true
	return nil
}

// Results returns the finished phases in order.
func (s *Session) Results() []PhaseResult {
	return append([]PhaseResult(nil), s.results...)
}

// Done reports whether every phase has finished.
func (s *Session) Done() bool { return s.done }

// Label returns the label of the phase currently consuming tokens.
func (s *Session) Label() string { return s.label() }

// Close releases the session's engine.
func (s *Session) Close() {
	if s.eng != nil {
		s.eng.Close()
	}
	s.done = true
}

func (s *Session) label() string { return s.phases[s.cur].Label }

// isControl checks the session's own control set; phase engines before the
// last run with the set stripped, so theirs cannot be consulted here.
func (s *Session) isControl(id int) bool {
	for _, ct := range s.opts.ControlTokens {
		if ct == id {
			return true
		}
	}
	return false
}

// record appends the result of the current phase. A nil best closes an
// empty-accepting phase that consumed nothing; anything else is a failure.
func (s *Session) record(best *fence.Stepper) error {
	phase := s.phases[s.cur]
	r := PhaseResult{Label: phase.Label}
	if best != nil {
		r.Text = best.Raw()
		r.Tokens = append([]int(nil), best.Tokens()...)
		r.Segments = best.Segments()
	} else if !(len(s.eng.emitted) == 0 && s.eng.emptyOK) {
		return fmt.Errorf("phase %q: %w", phase.Label, ErrNotAccepted)
	}

	var v any
	if err := decodeValue(r.Text, false, &v); err == nil {
		r.Value = v
	}
	if phase.Expect != nil {
		if err := phase.Expect(&r); err != nil {
			return fmt.Errorf("phase %q: expectation: %w", phase.Label, err)
		}
	}
	s.results = append(s.results, r)
	s.log.With(map[string]any{
		"phase":  phase.Label,
		"text":   truncateText(r.Text, 32),
		"tokens": len(r.Tokens),
	}).Infof("phase finished")
	return nil
}

// bestParked picks the parked cursor that consumed the most text, keeping
// the earliest on ties.
func bestParked(parked []*fence.Stepper) *fence.Stepper {
	best := parked[0]
	for _, p := range parked[1:] {
		if p.Consumed() > best.Consumed() {
			best = p
		}
	}
	return best
}
