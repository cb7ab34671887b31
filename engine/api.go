package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/speakeasy-api/fence"
	"github.com/speakeasy-api/fence/vocab"
)

// LogitsFunc supplies the next logits row given everything emitted so far.
// ids may be nil when logits are indexed directly by token id; otherwise
// logits[i] scores ids[i].
type LogitsFunc func(ctx context.Context, emitted []int) (ids []int, logits []float32, err error)

// Run drives one full constrained generation: it builds an engine, loops
// mask-sample-advance until the model stops on a control token or the
// grammar runs out of continuations, and reconstructs the output.
//
// Example:
//
//	m := fence.Sequence(fence.Literal("{"), fence.Literal("}"))
//	out, err := engine.Run(ctx, m, idx, nextLogits, pick)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(out.Text)
func Run(ctx context.Context, m fence.Machine, idx *vocab.Index, next LogitsFunc, pick Sampler, opts ...Options) (*Output, error) {
	if next == nil {
		return nil, errors.New("nil logits source")
	}
	if pick == nil {
		return nil, errors.New("nil sampler")
	}
	eng, err := New(m, idx, opts...)
	if err != nil {
		return nil, err
	}
	defer eng.Close()

	iterations := 0
	for {
		iterations++
		if iterations > eng.opts.MaxTokens {
			return nil, fmt.Errorf("exceeded MaxTokens (%d) without finishing", eng.opts.MaxTokens)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		ids, row, err := next(ctx, eng.Emitted())
		if err != nil {
			return nil, fmt.Errorf("logits source: %w", err)
		}
		batch, err := eng.Sample(ctx, ids, row, pick)
		if err != nil {
			// A dead end with an accepted output is a finish, not a failure.
			if errors.Is(err, ErrNoLegalTokens) && eng.Accepted() {
				break
			}
			return nil, err
		}
		if batchHasControl(eng, batch) {
			break
		}
	}
	return eng.Output()
}

func batchHasControl(e *Engine, batch []int) bool {
	for _, id := range batch {
		if e.isControl(id) {
			return true
		}
	}
	return false
}
