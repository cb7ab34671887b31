// Package harness runs the engine against a scripted model: a Script says
// what text the model would like to emit, the harness turns that into logit
// rows and drives the mask-sample-advance loop to completion. It backs the
// integration tests and the check command; no real model is involved.
package harness

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/speakeasy-api/fence"
	"github.com/speakeasy-api/fence/engine"
	"github.com/speakeasy-api/fence/vocab"
)

// Script describes the model being simulated. Each step the harness scores
// every token whose surface extends the not-yet-emitted part of Target,
// longer surfaces higher, so an unconstrained run reproduces Target greedily.
// When the grammar masks the scripted preference the run follows the grammar
// instead.
type Script struct {
	// Target is the text the model tries to emit.
	Target string

	// Stop is the end-of-stream control token id, scored once Target is
	// spent. Use a negative id when the vocabulary has none.
	Stop int

	// Bias is the score per surface byte of a matching token. Zero means 4.
	Bias float32

	// Stubborn lists row positions the sampler returns before it starts
	// honoring the mask, one per invocation. Masked positions among them
	// exercise the resample and fallback paths.
	Stubborn []int

	// Options overrides the engine configuration. Nil means defaults.
	Options *engine.Options
}

// Outcome reports one finished run.
type Outcome struct {
	Accepted  bool
	Output    *engine.Output
	Steps     int // logit rows requested
	Resamples int // sampler picks that landed on a masked position
	Fallbacks int // picks resolved by the deterministic argmax fallback
}

func (o *Outcome) String() string {
	if o == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Outcome{accepted=%v, steps=%d, resamples=%d, fallbacks=%d}",
		o.Accepted, o.Steps, o.Resamples, o.Fallbacks)
}

// Run executes one scripted generation over m. The returned Outcome is
// populated even when the run fails, so callers can report how far it got.
func Run(ctx context.Context, m fence.Machine, tok vocab.Tokenizer, script Script) (*Outcome, error) {
	idx, err := vocab.NewIndex(tok)
	if err != nil {
		return nil, fmt.Errorf("index vocabulary: %w", err)
	}

	opts := engine.DefaultOptions()
	if script.Options != nil {
		opts = *script.Options
	}
	if script.Stop >= 0 && !containsInt(opts.ControlTokens, script.Stop) {
		opts.ControlTokens = append(append([]int(nil), opts.ControlTokens...), script.Stop)
	}
	bias := script.Bias
	if bias == 0 {
		bias = 4
	}

	ids, surfaces := enumerate(tok)
	outcome := &Outcome{}
	track := &counters{limit: resampleLimit(opts)}

	next := func(ctx context.Context, emitted []int) ([]int, []float32, error) {
		outcome.Steps++
		sofar := ""
		if len(emitted) > 0 {
			decoded, err := tok.Decode(emitted)
			if err != nil {
				return nil, nil, fmt.Errorf("decode emitted tokens: %w", err)
			}
			sofar = decoded
		}
		remaining := ""
		if strings.HasPrefix(script.Target, sofar) {
			remaining = script.Target[len(sofar):]
		}
		return ids, scoreRow(ids, surfaces, remaining, script.Stop, bias), nil
	}

	stubborn := append([]int(nil), script.Stubborn...)
	pick := func(row []float32) (int, error) {
		var pos int
		if len(stubborn) > 0 {
			pos = stubborn[0]
			stubborn = stubborn[1:]
		} else {
			pos = argmax(row)
		}
		track.observe(row, pos)
		return pos, nil
	}

	out, err := engine.Run(ctx, m, idx, next, pick, opts)
	outcome.Resamples = track.resamples
	outcome.Fallbacks = track.fallbacks
	if err != nil {
		return outcome, err
	}
	outcome.Output = out
	outcome.Accepted = out.Accepted
	return outcome, nil
}

// enumerate flattens the vocabulary into parallel id and surface slices,
// ordered by id so rows are reproducible.
func enumerate(tok vocab.Tokenizer) ([]int, []string) {
	v := tok.Vocab()
	bySurface := make(map[int]string, len(v))
	ids := make([]int, 0, len(v))
	for s, list := range v {
		for _, id := range list {
			bySurface[id] = s
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	surfaces := make([]string, len(ids))
	for i, id := range ids {
		surfaces[i] = bySurface[id]
	}
	return ids, surfaces
}

// scoreRow builds one logits row. Tokens extending remaining score with their
// surface length so the longest continuation wins argmax; once remaining is
// spent only the stop token scores.
func scoreRow(ids []int, surfaces []string, remaining string, stop int, bias float32) []float32 {
	row := make([]float32, len(ids))
	for i, s := range surfaces {
		switch {
		case remaining == "":
			if ids[i] == stop {
				row[i] = bias * 8
			}
		case s != "" && strings.HasPrefix(remaining, s):
			row[i] = bias * float32(len(s))
		}
	}
	return row
}

func argmax(row []float32) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}

// counters reconstructs the engine's resample accounting from the sampler
// side: a masked pick is a resample, and a streak of limit+1 masked picks
// means the engine resolved the step with its argmax fallback.
type counters struct {
	limit     int
	streak    int
	resamples int
	fallbacks int
}

func (c *counters) observe(row []float32, pos int) {
	if pos < 0 || pos >= len(row) || !math.IsInf(float64(row[pos]), -1) {
		c.streak = 0
		return
	}
	c.resamples++
	c.streak++
	if c.streak > c.limit {
		c.fallbacks++
		c.streak = 0
	}
}

func resampleLimit(opts engine.Options) int {
	if opts.MaxResamples > 0 {
		return opts.MaxResamples
	}
	return engine.DefaultOptions().MaxResamples
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
