package schemafsm

import (
	"fmt"
	"strings"

	timefmt "github.com/itchyny/timefmt-go"

	"github.com/speakeasy-api/fence"
)

// Format machines constrain string content at generation time; calendar
// validity beyond what the grammar can express is checked after decoding with
// ValidateFormat.

// Idents carried by format machines, so output segments can be validated by
// name after decoding.
const (
	FormatDate     = "date"
	FormatTime     = "time"
	FormatDateTime = "date-time"
	FormatUUID     = "uuid"
)

// formatMachine returns the content machine for the named format, or false
// when the format has no structural machine.
func formatMachine(format string) (fence.Machine, bool) {
	switch format {
	case FormatDate:
		return DateMachine(), true
	case FormatTime:
		return TimeMachine(), true
	case FormatDateTime:
		return DateTimeMachine(), true
	case FormatUUID:
		return UUIDMachine(), true
	default:
		return nil, false
	}
}

// DateMachine returns a machine for an RFC 3339 full-date: YYYY-MM-DD with
// month 01-12 and day 01-31.
func DateMachine() fence.Machine {
	return fence.Sequence(
		fence.CharRange('0', '9', 4, 4),
		fence.Literal("-"),
		monthMachine(),
		fence.Literal("-"),
		dayMachine(),
	).With(fence.WithIdent(FormatDate))
}

func monthMachine() fence.Machine {
	return fence.Union(
		fence.Sequence(fence.Literal("0"), fence.CharRange('1', '9', 1, 1)),
		fence.Sequence(fence.Literal("1"), fence.CharSet("012", 1, 1)),
	)
}

func dayMachine() fence.Machine {
	return fence.Union(
		fence.Sequence(fence.Literal("0"), fence.CharRange('1', '9', 1, 1)),
		fence.Sequence(fence.CharSet("12", 1, 1), fence.CharRange('0', '9', 1, 1)),
		fence.Sequence(fence.Literal("3"), fence.CharSet("01", 1, 1)),
	)
}

// TimeMachine returns a machine for an RFC 3339 full-time: HH:MM:SS with an
// optional fraction and a mandatory zone offset (Z or +-HH:MM).
func TimeMachine() fence.Machine {
	return fence.Sequence(
		partialTime(),
		offsetMachine(),
	).With(fence.WithIdent(FormatTime))
}

func partialTime() fence.Machine {
	return fence.Sequence(
		hourMachine(),
		fence.Literal(":"),
		sixtyMachine(),
		fence.Literal(":"),
		sixtyMachine(),
		fence.Sequence(
			fence.Literal("."),
			fence.CharRange('0', '9', 1, 9),
		).With(fence.WithOptional()),
	)
}

func hourMachine() fence.Machine {
	return fence.Union(
		fence.Sequence(fence.CharSet("01", 1, 1), fence.CharRange('0', '9', 1, 1)),
		fence.Sequence(fence.Literal("2"), fence.CharSet("0123", 1, 1)),
	)
}

// sixtyMachine accepts 00-59, used for both minutes and seconds.
func sixtyMachine() fence.Machine {
	return fence.Sequence(
		fence.CharSet("012345", 1, 1),
		fence.CharRange('0', '9', 1, 1),
	)
}

func offsetMachine() fence.Machine {
	return fence.Union(
		fence.CharSet("Zz", 1, 1),
		fence.Sequence(
			fence.CharSet("+-", 1, 1),
			hourMachine(),
			fence.Literal(":"),
			sixtyMachine(),
		),
	)
}

// DateTimeMachine returns a machine for an RFC 3339 date-time: full-date,
// a T separator, full-time.
func DateTimeMachine() fence.Machine {
	return fence.Sequence(
		fence.CharRange('0', '9', 4, 4),
		fence.Literal("-"),
		monthMachine(),
		fence.Literal("-"),
		dayMachine(),
		fence.CharSet("Tt", 1, 1),
		partialTime(),
		offsetMachine(),
	).With(fence.WithIdent(FormatDateTime))
}

// UUIDMachine returns a machine for the canonical 8-4-4-4-12 hex form.
func UUIDMachine() fence.Machine {
	hex := func(n int) fence.Machine { return fence.CharSet(hexChars, n, n) }
	return fence.Sequence(
		hex(8), fence.Literal("-"),
		hex(4), fence.Literal("-"),
		hex(4), fence.Literal("-"),
		hex(4), fence.Literal("-"),
		hex(12),
	).With(fence.WithIdent(FormatUUID))
}

// ValidateFormat checks a decoded value against the named format. The
// grammar already guarantees shape and field ranges; this catches what a
// state machine cannot, like day 31 in a 30-day month. Unknown formats pass.
func ValidateFormat(format, value string) error {
	switch format {
	case FormatDate:
		return validateDate(value)
	case FormatDateTime:
		if len(value) < len("2006-01-02") {
			return fmt.Errorf("date-time %q too short", value)
		}
		if err := validateDate(value[:len("2006-01-02")]); err != nil {
			return fmt.Errorf("date-time %q: %w", value, err)
		}
		return nil
	case FormatTime, FormatUUID:
		// Fully covered by the grammar.
		return nil
	default:
		return nil
	}
}

// validateDate round-trips through a strftime parse so normalization shows
// up: 2025-02-30 parses but formats back as a different day.
func validateDate(value string) error {
	t, err := timefmt.Parse(value, "%Y-%m-%d")
	if err != nil {
		return fmt.Errorf("invalid date %q: %w", value, err)
	}
	if got := timefmt.Format(t, "%Y-%m-%d"); got != value {
		return fmt.Errorf("invalid date %q: no such day", value)
	}
	return nil
}

// ValidateSegments runs ValidateFormat over every labelled span that carries
// a format ident. Used on reconstructed output, where span text still has the
// surrounding JSON quotes stripped by the caller's decode.
func ValidateSegments(spans []fence.Span) error {
	var errs []string
	for _, sp := range spans {
		switch sp.Ident {
		case FormatDate, FormatTime, FormatDateTime, FormatUUID:
			if err := ValidateFormat(sp.Ident, sp.Text); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("format validation: %s", strings.Join(errs, "; "))
	}
	return nil
}
