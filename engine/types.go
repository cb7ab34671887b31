package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by engine operations. Callers match them with
// errors.Is; the engine wraps them with positional context.
var (
	// ErrTokenRejected reports that no live cursor could consume the token's
	// full surface. The active set is left untouched.
	ErrTokenRejected = errors.New("token rejected by all steppers")

	// ErrNoSteppers reports an empty active set.
	ErrNoSteppers = errors.New("no live steppers")

	// ErrNoLegalTokens reports that the vocabulary holds no token any cursor
	// can consume and no control token is eligible.
	ErrNoLegalTokens = errors.New("no legal tokens")

	// ErrNotAccepted reports that no cursor sits in an accepting state.
	ErrNotAccepted = errors.New("output not accepted")

	// ErrResamplesExhausted reports that the sampler kept picking masked
	// tokens. Sample resolves it internally via the deterministic fallback;
	// it only escapes when the fallback has nothing legal to choose.
	ErrResamplesExhausted = errors.New("resamples exhausted")

	// ErrClosed reports use after Close.
	ErrClosed = errors.New("engine closed")
)

// Options configures engine behavior.
type Options struct {
	// Limits to keep branching and emission bounded
	MaxSteppers       int // Max concurrent cursors after dedup (default: 256)
	MaxResamples      int // Sampler retries before the deterministic fallback (default: 4)
	MaxAutoTokens     int // Forced-continuation tokens emitted per Sample call (default: 16)
	MaxTokens         int // Total tokens per run before aborting (default: 4096)
	MaskCacheSize     int // Cached legal sets keyed by frontier fingerprint (default: 1024)
	ParallelThreshold int // Active-set size above which advancement fans out (default: 64)

	// Behavior flags. Zero values are the defaults, so partially populated
	// literals behave like DefaultOptions.
	SingleToken  bool // If true, Sample stops after one token instead of emitting forced continuations (default: false)
	StrictDecode bool // If true, Output.Value fails on undecodable text; if false, fall back to raw (default: false)

	// ControlTokens are sampler-level stop ids (EOS and friends). They are
	// unmasked only when the grammar can finish or nothing else is legal.
	ControlTokens []int

	// Logging configuration
	LogLevel       string // Log level: "error", "warn", "info", "debug"; "" disables (default: "")
	Log            Logger // Overrides LogLevel when set
	LogMaxSteppers int    // Max cursors to preview in logs (default: 5)
	LogMaxTokens   int    // Max token ids to preview in logs (default: 8)

	// Metrics is optional instrumentation; nil disables it.
	Metrics *Metrics

	// RunID tags every log line of one generation. A fresh uuid is used when
	// empty.
	RunID string
}

// DefaultOptions returns the default engine configuration.
func DefaultOptions() Options {
	return Options{
		MaxSteppers:       256,
		MaxResamples:      4,
		MaxAutoTokens:     16,
		MaxTokens:         4096,
		MaskCacheSize:     1024,
		ParallelThreshold: 64,
		SingleToken:       false,
		StrictDecode:      false,
		LogLevel:          "",
		LogMaxSteppers:    5,
		LogMaxTokens:      8,
	}
}

// fillDefaults replaces zero limits with their defaults so a partially
// populated Options literal stays usable.
func (o *Options) fillDefaults() {
	d := DefaultOptions()
	if o.MaxSteppers == 0 {
		o.MaxSteppers = d.MaxSteppers
	}
	if o.MaxResamples == 0 {
		o.MaxResamples = d.MaxResamples
	}
	if o.MaxAutoTokens == 0 {
		o.MaxAutoTokens = d.MaxAutoTokens
	}
	if o.MaxTokens == 0 {
		o.MaxTokens = d.MaxTokens
	}
	if o.MaskCacheSize == 0 {
		o.MaskCacheSize = d.MaskCacheSize
	}
	if o.ParallelThreshold == 0 {
		o.ParallelThreshold = d.ParallelThreshold
	}
	if o.LogMaxSteppers == 0 {
		o.LogMaxSteppers = d.LogMaxSteppers
	}
	if o.LogMaxTokens == 0 {
		o.LogMaxTokens = d.LogMaxTokens
	}
}

// validate rejects configurations the engine cannot honor.
func (o *Options) validate() error {
	if o.MaxSteppers < 1 {
		return fmt.Errorf("MaxSteppers must be positive, got %d", o.MaxSteppers)
	}
	if o.MaxResamples < 0 {
		return fmt.Errorf("MaxResamples must not be negative, got %d", o.MaxResamples)
	}
	if o.MaxAutoTokens < 0 {
		return fmt.Errorf("MaxAutoTokens must not be negative, got %d", o.MaxAutoTokens)
	}
	if o.MaxTokens < 1 {
		return fmt.Errorf("MaxTokens must be positive, got %d", o.MaxTokens)
	}
	if o.MaskCacheSize < 0 {
		return fmt.Errorf("MaskCacheSize must not be negative, got %d", o.MaskCacheSize)
	}
	if o.ParallelThreshold < 1 {
		return fmt.Errorf("ParallelThreshold must be positive, got %d", o.ParallelThreshold)
	}
	return nil
}

// newLogger builds the configured logger, a leveled stderr logger when only
// LogLevel is set, or a no-op logger otherwise.
func (o *Options) newLogger() Logger {
	if o.Log != nil {
		return o.Log
	}
	if o.LogLevel != "" {
		return NewLogger(ParseLogLevel(o.LogLevel), nil)
	}
	return newNoopLogger()
}
