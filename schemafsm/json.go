package schemafsm

import (
	"github.com/speakeasy-api/fence"
)

// JSON structural building blocks. Each constructor returns an immutable
// machine for one JSON production; the compiler assembles them per schema.

// stringSafe covers every rune legal inside a JSON string without escaping:
// anything above 0x1F except the quote and the backslash.
var stringSafe = fence.Class{Ranges: [][2]rune{
	{0x20, 0x21},
	{0x23, 0x5B},
	{0x5D, 0x10FFFF},
}}

const (
	wsChars  = " \t\n\r"
	hexChars = "0123456789abcdefABCDEF"
)

// Whitespace returns a machine accepting up to max runes of JSON whitespace.
// Bounding the run keeps the model from stalling on endless padding.
func Whitespace(max int) fence.Machine {
	return fence.CharSet(wsChars, 0, max, fence.WithIdent("ws"))
}

// StringValue returns a machine for a complete JSON string, quotes included.
// minLen and maxLen bound the content length in characters, where both escape
// forms count as one; maxLen <= 0 means unbounded.
func StringValue(minLen, maxLen int) fence.Machine {
	return fence.Sequence(
		fence.Literal(`"`),
		stringBody(minLen, maxLen),
		fence.Literal(`"`),
	)
}

// stringBody returns the content machine between the quotes: plain runes or
// escape sequences, repeated within the given bounds.
func stringBody(min, max int) fence.Machine {
	ch := fence.Union(
		fence.CharClass(stringSafe, 1, 1),
		escapeSequence(),
	)
	return fence.Repeat(ch, min, max, nil)
}

// escapeSequence accepts one JSON escape: a short form or \uXXXX.
func escapeSequence() fence.Machine {
	return fence.Sequence(
		fence.Literal(`\`),
		fence.Union(
			fence.CharSet(`"\/bfnrt`, 1, 1),
			fence.Sequence(fence.Literal("u"), fence.CharSet(hexChars, 4, 4)),
		),
	)
}

// NumberValue returns a machine for the full JSON number grammar: optional
// sign, integer part without leading zeros, optional fraction and exponent.
func NumberValue() fence.Machine {
	return fence.Sequence(
		fence.Literal("-", fence.WithOptional()),
		integerPart(),
		fractionPart(),
		exponentPart(),
	)
}

// IntegerValue returns a machine for whole numbers only: optional sign and
// integer part, no fraction or exponent.
func IntegerValue() fence.Machine {
	return fence.Sequence(
		fence.Literal("-", fence.WithOptional()),
		integerPart(),
	)
}

func integerPart() fence.Machine {
	return fence.Union(
		fence.Literal("0"),
		fence.Sequence(
			fence.CharRange('1', '9', 1, 1),
			fence.CharRange('0', '9', 0, 0),
		),
	)
}

func fractionPart() fence.Machine {
	return fence.Sequence(
		fence.Literal("."),
		fence.CharRange('0', '9', 1, 0),
	).With(fence.WithOptional())
}

func exponentPart() fence.Machine {
	return fence.Sequence(
		fence.CharSet("eE", 1, 1),
		fence.CharSet("+-", 0, 1),
		fence.CharRange('0', '9', 1, 0),
	).With(fence.WithOptional())
}

// BooleanValue returns a machine accepting true or false.
func BooleanValue() fence.Machine {
	return fence.Union(fence.Literal("true"), fence.Literal("false"))
}

// NullValue returns a machine accepting the null literal.
func NullValue() fence.Machine {
	return fence.Literal("null")
}

// AnyValue returns a machine for an arbitrary JSON value. Arrays and objects
// nest through a grammar reference, so depth is unbounded while the graph
// stays finite. wsMax bounds each whitespace run.
func AnyValue(wsMax int) fence.Machine {
	g := fence.NewGrammar()
	ws := Whitespace(wsMax)
	value := fence.Union(
		StringValue(0, 0),
		NumberValue(),
		BooleanValue(),
		NullValue(),
		arrayOf(g.Ref("value"), ws, 0, 0),
		objectOf(g.Ref("value"), ws),
	).With(fence.WithIdent("value"))
	// Ref targets resolve lazily at step time, after this Define.
	if err := g.Define("value", value); err != nil {
		panic("schemafsm: any-value grammar: " + err.Error())
	}
	return value
}

// arrayOf returns a machine for a JSON array of item, with min/max element
// counts. max <= 0 means unbounded.
func arrayOf(item fence.Machine, ws fence.Machine, min, max int) fence.Machine {
	sep := fence.Sequence(ws, fence.Literal(","), ws)
	items := fence.Repeat(item, min, max, sep)
	return fence.Sequence(fence.Literal("["), ws, items, ws, fence.Literal("]"))
}

// objectOf returns a machine for a JSON object with free-form string keys and
// value-typed members. Used for untyped schemas; declared-property objects
// are assembled by the compiler.
func objectOf(value fence.Machine, ws fence.Machine) fence.Machine {
	member := fence.Sequence(
		StringValue(0, 0),
		ws,
		fence.Literal(":"),
		ws,
		value,
	)
	sep := fence.Sequence(ws, fence.Literal(","), ws)
	members := fence.Repeat(member, 0, 0, sep)
	return fence.Sequence(fence.Literal("{"), ws, members, ws, fence.Literal("}"))
}
