package engine

import (
	"encoding/json"
	"fmt"

	"github.com/speakeasy-api/fence"
)

// Output is the reconstructed result of an accepted generation. Text is the
// tokenizer's decode of the emitted ids and is authoritative; Raw is the text
// the cursors consumed rune by rune. The two differ only when the tokenizer
// normalizes during decode.
type Output struct {
	Text     string
	Raw      string
	Tokens   []int
	Segments []fence.Span
	Accepted bool

	strict bool
}

// Output reconstructs the accepted result, or ErrNotAccepted when no cursor
// accepts what was emitted so far.
func (e *Engine) Output() (*Output, error) {
	if e.closed {
		return nil, ErrClosed
	}
	best := e.AcceptedStepper()
	if best == nil {
		if len(e.emitted) == 0 && e.emptyOK {
			return &Output{Accepted: true, strict: e.opts.StrictDecode}, nil
		}
		return nil, fmt.Errorf("%d tokens emitted: %w", len(e.emitted), ErrNotAccepted)
	}

	tokens := append([]int(nil), best.Tokens()...)
	text := best.Raw()
	if len(tokens) > 0 {
		decoded, err := e.idx.Tokenizer().Decode(tokens)
		if err != nil {
			if e.opts.StrictDecode {
				return nil, fmt.Errorf("decode output tokens: %w", err)
			}
			e.log.Warnf("token decode failed, keeping consumed text: %v", err)
		} else {
			text = decoded
		}
	}

	return &Output{
		Text:     text,
		Raw:      best.Raw(),
		Tokens:   tokens,
		Segments: best.Segments(),
		Accepted: true,
		strict:   e.opts.StrictDecode,
	}, nil
}

// Value decodes the output into target as JSON. Without StrictDecode a
// failed decode falls back to assigning the text itself when target is
// *string or *any.
func (o *Output) Value(target any) error {
	return decodeValue(o.Text, o.strict, target)
}

func decodeValue(text string, strict bool, target any) error {
	if err := json.Unmarshal([]byte(text), target); err != nil {
		if strict {
			return fmt.Errorf("decode value: %w", err)
		}
		switch t := target.(type) {
		case *string:
			*t = text
			return nil
		case *any:
			*t = text
			return nil
		default:
			return fmt.Errorf("decode value: %w", err)
		}
	}
	return nil
}

// String returns a compact representation for debugging.
func (o *Output) String() string {
	if o == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Output{%d tokens, %d segments, accepted=%v}", len(o.Tokens), len(o.Segments), o.Accepted)
}
