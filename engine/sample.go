package engine

import (
	"context"
	"errors"
	"fmt"
)

// Sampler picks an index into a masked logits row. The engine verifies the
// pick against the legal set, so samplers may stay oblivious to the grammar.
type Sampler func(logits []float32) (int, error)

// Sample masks logits, delegates the pick, verifies it, and advances on the
// chosen token. Illegal picks are retried up to MaxResamples times, then
// resolved deterministically to the highest-scoring legal token. Unless
// SingleToken is set, forced continuations (exactly one legal token, no
// acceptance available) are emitted in the same call, bounded by
// MaxAutoTokens. The returned slice holds every emitted token id; a control
// token ends it without advancing the grammar.
func (e *Engine) Sample(ctx context.Context, ids []int, logits []float32, pick Sampler) ([]int, error) {
	if pick == nil {
		return nil, errors.New("nil sampler")
	}
	masked, st, err := e.maskWith(ctx, ids, logits)
	if err != nil {
		return nil, err
	}

	id, err := e.pickLegal(ctx, ids, masked, st, pick)
	if err != nil {
		return nil, err
	}
	if e.isControl(id) && !st.grammarLegal(id) {
		e.log.With(map[string]any{"token": id}).Debugf("control token emitted")
		return []int{id}, nil
	}
	if _, err := e.advance(ctx, id, false); err != nil {
		return nil, fmt.Errorf("advance on sampled token: %w", err)
	}
	batch := []int{id}
	if e.opts.SingleToken {
		return batch, nil
	}

	// Forced continuations: while the grammar admits exactly one token and
	// cannot finish, sampling is a formality.
	for len(batch) <= e.opts.MaxAutoTokens {
		select {
		case <-ctx.Done():
			return batch, ctx.Err()
		default:
		}
		st, err := e.allowed(ctx)
		if err != nil {
			return batch, err
		}
		if st.finish || len(st.legal) != 1 {
			break
		}
		auto := st.legal[0]
		if _, err := e.advance(ctx, auto, false); err != nil {
			return batch, fmt.Errorf("forced continuation: %w", err)
		}
		batch = append(batch, auto)
		e.log.With(map[string]any{"token": auto}).Debugf("forced single legal token")
	}
	return batch, nil
}

// pickLegal runs the sampler against masked logits until it returns a legal
// token, then falls back to the best legal position deterministically.
func (e *Engine) pickLegal(ctx context.Context, ids []int, masked []float32, st *legalState, pick Sampler) (int, error) {
	for try := 0; try <= e.opts.MaxResamples; try++ {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
		pos, err := pick(masked)
		if err != nil {
			return 0, fmt.Errorf("sampler: %w", err)
		}
		if pos < 0 || pos >= len(masked) {
			return 0, fmt.Errorf("sampler returned out-of-range index %d", pos)
		}
		id := pos
		if ids != nil {
			id = ids[pos]
		}
		if st.allow[id] {
			return id, nil
		}
		e.opts.Metrics.recResample()
		e.log.With(map[string]any{
			"token": id,
			"try":   try,
		}).Debugf("sampler picked a masked token, resampling")
	}

	// Deterministic fallback: highest-scoring legal position, earliest wins
	// ties.
	best := -1
	for i, v := range masked {
		id := i
		if ids != nil {
			id = ids[i]
		}
		if !st.allow[id] {
			continue
		}
		if best < 0 || v > masked[best] {
			best = i
		}
	}
	if best < 0 {
		return 0, fmt.Errorf("no legal position to fall back to: %w", ErrResamplesExhausted)
	}
	e.opts.Metrics.recFallback()
	id := best
	if ids != nil {
		id = ids[best]
	}
	e.log.With(map[string]any{"token": id}).Warnf("sampler exhausted resamples, using argmax over legal tokens")
	return id, nil
}

// grammarLegal reports whether id is in the grammar-legal set, as opposed to
// allowed only as a control token.
func (st *legalState) grammarLegal(id int) bool {
	for _, l := range st.legal {
		if l == id {
			return true
		}
	}
	return false
}
