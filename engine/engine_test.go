package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speakeasy-api/fence"
	"github.com/speakeasy-api/fence/vocab"
)

// vocabSpan is one past the highest token id in the test vocabulary, so a
// dense logits row indexed by id covers everything.
const vocabSpan = 33

const eosID = 9

type fakeTok struct {
	vocab map[string][]int
}

func (f fakeTok) Vocab() map[string][]int { return f.vocab }

func (f fakeTok) Encode(text string) ([]int, error) {
	var ids []int
	for len(text) > 0 {
		best := ""
		for s := range f.vocab {
			if s != "" && strings.HasPrefix(text, s) && len(s) > len(best) {
				best = s
			}
		}
		if best == "" {
			return nil, fmt.Errorf("no token for %q", text)
		}
		ids = append(ids, f.vocab[best][0])
		text = text[len(best):]
	}
	return ids, nil
}

func (f fakeTok) Decode(ids []int) (string, error) {
	rev := make(map[int]string)
	for s, sids := range f.vocab {
		for _, id := range sids {
			rev[id] = s
		}
	}
	var b strings.Builder
	for _, id := range ids {
		s, ok := rev[id]
		if !ok {
			return "", fmt.Errorf("unknown token id %d", id)
		}
		b.WriteString(s)
	}
	return b.String(), nil
}

func testIdx(t *testing.T) *vocab.Index {
	t.Helper()
	idx, err := vocab.NewIndex(fakeTok{vocab: map[string][]int{
		`{"ok":`: {1},
		`true`:   {2},
		`false`:  {3},
		`}`:      {4},
		`tr`:     {5},
		`ue`:     {6},
		`{"o`:    {7},
		`k":`:    {8},
		`</s>`:   {eosID},
		`xyz`:    {10},
		`t`:      {11},
		`12`:     {20},
		`3 it`:   {21},
		`ems`:    {22},
		`1`:      {23},
		` items`: {24},
		`a`:      {30},
		`ab`:     {31},
		`b`:      {32},
	}})
	require.NoError(t, err)
	return idx
}

// okMachine accepts exactly {"ok":true} or {"ok":false}, with the boolean
// labelled.
func okMachine() fence.Machine {
	return fence.Sequence(
		fence.Literal(`{"ok":`),
		fence.Union(fence.Literal("true"), fence.Literal("false")).With(fence.WithIdent("flag")),
		fence.Literal("}"),
	)
}

func row(favored int) []float32 {
	r := make([]float32, vocabSpan)
	for i := range r {
		r[i] = 0.1
	}
	r[favored] = 5
	return r
}

func argmax(logits []float32) (int, error) {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return best, nil
}

func isNegInf(v float32) bool {
	return math.IsInf(float64(v), -1)
}

func TestNew_Validation(t *testing.T) {
	idx := testIdx(t)
	_, err := New(nil, idx)
	require.Error(t, err)

	_, err = New(okMachine(), nil)
	require.Error(t, err)

	bad := DefaultOptions()
	bad.MaxSteppers = -1
	_, err = New(okMachine(), idx, bad)
	require.ErrorContains(t, err, "MaxSteppers")
}

func TestEngine_LegalTokens(t *testing.T) {
	eng, err := New(okMachine(), testIdx(t), Options{ControlTokens: []int{eosID}})
	require.NoError(t, err)
	defer eng.Close()

	legal, err := eng.LegalTokens(context.Background())
	require.NoError(t, err)
	// Only tokens whose full surface is a viable start of {"ok": are legal.
	// The control token stays masked while the grammar cannot finish.
	assert.Equal(t, []int{1, 7}, legal)

	require.NoError(t, eng.AdvanceAll(context.Background(), 1))
	legal, err = eng.LegalTokens(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 5, 11}, legal)
}

func TestEngine_ProcessLogits_Dense(t *testing.T) {
	eng, err := New(okMachine(), testIdx(t), Options{ControlTokens: []int{eosID}})
	require.NoError(t, err)
	defer eng.Close()

	masked, err := eng.ProcessLogits(context.Background(), nil, row(2))
	require.NoError(t, err)
	for id, v := range masked {
		if id == 1 || id == 7 {
			assert.False(t, isNegInf(v), "legal token %d masked", id)
			continue
		}
		assert.True(t, isNegInf(v), "illegal token %d not masked", id)
	}
}

func TestEngine_ProcessLogits_SparseIDs(t *testing.T) {
	eng, err := New(okMachine(), testIdx(t))
	require.NoError(t, err)
	defer eng.Close()

	masked, err := eng.ProcessLogits(context.Background(), []int{2, 1, 9}, []float32{0.5, 0.5, 0.5})
	require.NoError(t, err)
	assert.True(t, isNegInf(masked[0]))
	assert.Equal(t, float32(0.5), masked[1])
	assert.True(t, isNegInf(masked[2]))

	_, err = eng.ProcessLogits(context.Background(), []int{1}, []float32{0.5, 0.5})
	require.ErrorContains(t, err, "mismatch")
}

func TestEngine_AdvanceAll_AllOrNothing(t *testing.T) {
	eng, err := New(okMachine(), testIdx(t))
	require.NoError(t, err)
	defer eng.Close()

	err = eng.AdvanceAll(context.Background(), 10) // xyz
	require.ErrorIs(t, err, ErrTokenRejected)
	assert.Empty(t, eng.Emitted())

	// The active set survived the rejection untouched.
	require.NoError(t, eng.AdvanceAll(context.Background(), 1))
	assert.Equal(t, []int{1}, eng.Emitted())
}

func TestEngine_AdvanceAll_UnknownToken(t *testing.T) {
	eng, err := New(okMachine(), testIdx(t))
	require.NoError(t, err)
	defer eng.Close()

	err = eng.AdvanceAll(context.Background(), 999)
	require.ErrorContains(t, err, "unknown token")
}

func TestEngine_Sample_MultiToken(t *testing.T) {
	eng, err := New(okMachine(), testIdx(t))
	require.NoError(t, err)
	defer eng.Close()
	ctx := context.Background()

	require.NoError(t, eng.AdvanceAll(ctx, 1))

	// tr leaves exactly one legal token (ue), and after true only } remains:
	// both are forced in the same call.
	batch, err := eng.Sample(ctx, nil, row(5), argmax)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 6, 4}, batch)
	assert.True(t, eng.Accepted())
	assert.Equal(t, []int{1, 5, 6, 4}, eng.Emitted())
}

func TestEngine_Sample_SingleToken(t *testing.T) {
	eng, err := New(okMachine(), testIdx(t), Options{SingleToken: true})
	require.NoError(t, err)
	defer eng.Close()
	ctx := context.Background()

	require.NoError(t, eng.AdvanceAll(ctx, 1))
	batch, err := eng.Sample(ctx, nil, row(5), argmax)
	require.NoError(t, err)
	assert.Equal(t, []int{5}, batch)
}

func TestEngine_Sample_PartialOptionsKeepForcing(t *testing.T) {
	// A literal that only sets ControlTokens leaves SingleToken at its zero
	// value, which must behave exactly like DefaultOptions: forced
	// continuations stay on.
	eng, err := New(okMachine(), testIdx(t), Options{ControlTokens: []int{eosID}})
	require.NoError(t, err)
	defer eng.Close()
	ctx := context.Background()

	require.NoError(t, eng.AdvanceAll(ctx, 1))
	batch, err := eng.Sample(ctx, nil, row(5), argmax)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 6, 4}, batch)
	assert.True(t, eng.Accepted())
}

func TestEngine_Sample_ResampleThenFallback(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxResamples = 2
	opts.Metrics = NewMetrics(prometheus.NewRegistry())
	eng, err := New(okMachine(), testIdx(t), opts)
	require.NoError(t, err)
	defer eng.Close()

	r := row(10) // favors an illegal token
	r[1] = 0.9
	r[7] = 0.8

	calls := 0
	stubborn := func(logits []float32) (int, error) {
		calls++
		return 10, nil
	}
	batch, err := eng.Sample(context.Background(), nil, r, stubborn)
	require.NoError(t, err)
	// Fallback picks the best-scoring legal token deterministically.
	assert.Equal(t, []int{1}, batch)
	assert.Equal(t, 3, calls)
}

func TestEngine_Sample_SamplerError(t *testing.T) {
	eng, err := New(okMachine(), testIdx(t))
	require.NoError(t, err)
	defer eng.Close()

	broken := func([]float32) (int, error) { return 0, fmt.Errorf("boom") }
	_, err = eng.Sample(context.Background(), nil, row(1), broken)
	require.ErrorContains(t, err, "boom")

	oob := func([]float32) (int, error) { return vocabSpan + 5, nil }
	_, err = eng.Sample(context.Background(), nil, row(1), oob)
	require.ErrorContains(t, err, "out-of-range")
}

func TestEngine_ControlTokenPolicy(t *testing.T) {
	eng, err := New(okMachine(), testIdx(t), Options{ControlTokens: []int{eosID}})
	require.NoError(t, err)
	defer eng.Close()
	ctx := context.Background()

	// Mid-grammar the control token stays masked.
	masked, err := eng.ProcessLogits(ctx, nil, row(eosID))
	require.NoError(t, err)
	assert.True(t, isNegInf(masked[eosID]))

	for _, id := range []int{1, 2, 4} {
		require.NoError(t, eng.AdvanceAll(ctx, id))
	}
	require.True(t, eng.Accepted())

	// At acceptance with nothing else legal, only the control token remains.
	legal, err := eng.LegalTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{eosID}, legal)

	batch, err := eng.Sample(ctx, nil, row(eosID), argmax)
	require.NoError(t, err)
	assert.Equal(t, []int{eosID}, batch)
	// Control tokens end the stream without touching the grammar.
	assert.Equal(t, []int{1, 2, 4}, eng.Emitted())
}

func TestEngine_AcceptedStepper_TieKeepsEarliest(t *testing.T) {
	m := fence.Union(
		fence.Literal("ab", fence.WithIdent("A")),
		fence.Sequence(fence.Literal("a"), fence.Literal("b")).With(fence.WithIdent("B")),
	)
	eng, err := New(m, testIdx(t))
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.AdvanceAll(context.Background(), 31)) // ab
	best := eng.AcceptedStepper()
	require.NotNil(t, best)
	segs := best.Segments()
	require.NotEmpty(t, segs)
	assert.Equal(t, fence.Span{Ident: "A", Text: "ab"}, segs[0])
}

func TestEngine_Output(t *testing.T) {
	eng, err := New(okMachine(), testIdx(t))
	require.NoError(t, err)
	defer eng.Close()
	ctx := context.Background()

	_, err = eng.Output()
	require.ErrorIs(t, err, ErrNotAccepted)

	for _, id := range []int{1, 2, 4} {
		require.NoError(t, eng.AdvanceAll(ctx, id))
	}
	out, err := eng.Output()
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out.Text)
	assert.Equal(t, `{"ok":true}`, out.Raw)
	assert.Equal(t, []int{1, 2, 4}, out.Tokens)
	assert.Equal(t, []fence.Span{{Ident: "flag", Text: "true"}}, out.Segments)
	assert.True(t, out.Accepted)

	var v map[string]any
	require.NoError(t, out.Value(&v))
	assert.Equal(t, map[string]any{"ok": true}, v)
}

func TestOutput_ValueFallback(t *testing.T) {
	strict := &Output{Text: "not json", strict: true}
	var v any
	require.Error(t, strict.Value(&v))

	loose := &Output{Text: "not json"}
	require.NoError(t, loose.Value(&v))
	assert.Equal(t, "not json", v)

	var s string
	require.NoError(t, loose.Value(&s))
	assert.Equal(t, "not json", s)
}

func TestEngine_Run_EndToEnd(t *testing.T) {
	script := []int{1, 2, eosID}
	call := 0
	next := func(ctx context.Context, emitted []int) ([]int, []float32, error) {
		require.Less(t, call, len(script), "logits source called past script end")
		r := row(script[call])
		call++
		return nil, r, nil
	}

	out, err := Run(context.Background(), okMachine(), testIdx(t), next, argmax,
		Options{ControlTokens: []int{eosID}})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out.Text)
	assert.Equal(t, []int{1, 2, 4}, out.Tokens)
}

func TestEngine_Run_MaxTokens(t *testing.T) {
	digits := fence.CharRange('0', '9', 1, 0)
	opts := DefaultOptions()
	opts.MaxTokens = 3
	next := func(ctx context.Context, emitted []int) ([]int, []float32, error) {
		return nil, row(23), nil // 1, forever
	}
	_, err := Run(context.Background(), digits, testIdx(t), next, argmax, opts)
	require.ErrorContains(t, err, "MaxTokens")
}

func TestEngine_ParallelAdvanceMatchesSerial(t *testing.T) {
	parallel := DefaultOptions()
	parallel.ParallelThreshold = 1

	ctx := context.Background()
	a, err := New(okMachine(), testIdx(t))
	require.NoError(t, err)
	defer a.Close()
	b, err := New(okMachine(), testIdx(t), parallel)
	require.NoError(t, err)
	defer b.Close()

	for _, id := range []int{1, 5, 6, 4} {
		require.NoError(t, a.AdvanceAll(ctx, id))
		require.NoError(t, b.AdvanceAll(ctx, id))
	}
	outA, err := a.Output()
	require.NoError(t, err)
	outB, err := b.Output()
	require.NoError(t, err)
	assert.Equal(t, outA.Text, outB.Text)
	assert.Equal(t, outA.Segments, outB.Segments)
}

func TestEngine_Reset(t *testing.T) {
	eng, err := New(okMachine(), testIdx(t))
	require.NoError(t, err)
	defer eng.Close()
	ctx := context.Background()

	require.NoError(t, eng.AdvanceAll(ctx, 1))
	eng.Reset()
	assert.Empty(t, eng.Emitted())

	legal, err := eng.LegalTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 7}, legal)
}

func TestEngine_Close(t *testing.T) {
	eng, err := New(okMachine(), testIdx(t))
	require.NoError(t, err)
	eng.Close()
	eng.Close() // idempotent

	_, err = eng.ProcessLogits(context.Background(), nil, row(1))
	require.ErrorIs(t, err, ErrClosed)
	err = eng.AdvanceAll(context.Background(), 1)
	require.ErrorIs(t, err, ErrClosed)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.recMaskHit()
	m.recEmitted(1)
	m.recRejected()
	m.recResample()
	m.recFallback()
	m.recActive(3)
	m.recMaskBuild(0)

	real := NewMetrics(prometheus.NewRegistry())
	real.recMaskHit()
	real.recEmitted(2)
	real.recActive(5)
}
