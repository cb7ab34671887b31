package harness

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/speakeasy-api/fence/engine"
)

var (
	tokenCtxRe = regexp.MustCompile(`token (\d+) \((".*?")\)`)
	phaseRe    = regexp.MustCompile(`phase "([^"]+)"`)
)

// FormatRunErrors turns low-level engine errors into a user-facing message.
func FormatRunErrors(errs []error) string {
	if len(errs) == 0 {
		return "Generation failed, but no additional details were provided."
	}

	var b strings.Builder
	b.WriteString("Generation failed.\n")

	for _, err := range errs {
		if err == nil {
			continue
		}
		msg, hint := classifyRunError(err)
		fmt.Fprintf(&b, "- %s\n", msg)
		if loc := deriveLocation(err); loc != "" {
			fmt.Fprintf(&b, "  Location: %s\n", loc)
		}
		if hint != "" {
			fmt.Fprintf(&b, "  How to fix: %s\n", hint)
		}
		fmt.Fprintf(&b, "  Details: %s\n", strings.TrimSpace(err.Error()))
	}

	return b.String()
}

// deriveLocation pulls positional context out of the error text: the phase
// label when a session failed, otherwise the offending token id and surface.
func deriveLocation(err error) string {
	s := err.Error()
	if m := phaseRe.FindStringSubmatch(s); len(m) == 2 {
		return fmt.Sprintf("phase %s", m[1])
	}
	if m := tokenCtxRe.FindStringSubmatch(s); len(m) == 3 {
		return fmt.Sprintf("token %s, surface %s", m[1], m[2])
	}
	return ""
}

func classifyRunError(err error) (msg, hint string) {
	switch {
	case errors.Is(err, engine.ErrNoLegalTokens):
		msg = "No vocabulary token can continue the grammar from the current state."
		hint = "Check that the vocabulary covers the grammar's literals (non-ASCII literals need word tokens), or relax the schema."
		return
	case errors.Is(err, engine.ErrTokenRejected):
		msg = "A token fell outside the grammar and every cursor rejected it."
		hint = "Mask logits with ProcessLogits or Sample before picking; raw sampling ignores the grammar."
		return
	case errors.Is(err, engine.ErrResamplesExhausted):
		msg = "The sampler kept picking masked tokens and no legal fallback existed."
		hint = "Raise MaxResamples or fix the sampler to respect -Inf positions."
		return
	case errors.Is(err, engine.ErrNotAccepted):
		msg = "The stream ended before the grammar reached an accepting state."
		hint = "Let generation run longer (MaxTokens) or check that the schema's required parts can be produced."
		return
	case errors.Is(err, engine.ErrNoSteppers):
		msg = "Every cursor died; the generation cannot continue."
		hint = "This follows an earlier rejection; inspect the first error in the run."
		return
	}
	return "Generation error.", ""
}
