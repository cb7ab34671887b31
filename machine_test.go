package fence

import (
	"strings"
	"testing"
)

func TestLiteral_Match(t *testing.T) {
	tests := []struct {
		name   string
		phrase string
		opts   []Option
		input  string
		want   bool
	}{
		{name: "exact", phrase: "true", input: "true", want: true},
		{name: "prefix_only", phrase: "true", input: "tru", want: false},
		{name: "empty_input", phrase: "true", input: "", want: false},
		{name: "case_sensitive_by_default", phrase: "True", input: "true", want: false},
		{name: "case_insensitive", phrase: "True", opts: []Option{WithCaseInsensitive()}, input: "tRUE", want: true},
		{name: "multibyte", phrase: "日本", input: "日本", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Literal(tt.phrase, tt.opts...)
			if got := Match(m, tt.input); got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.phrase, tt.input, got, tt.want)
			}
		})
	}
}

func TestLiteral_EmptyPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for empty literal phrase")
		}
	}()
	Literal("")
}

func TestCharClass_Match(t *testing.T) {
	tests := []struct {
		name  string
		m     Machine
		input string
		want  bool
	}{
		{name: "digits_in_bounds", m: CharRange('0', '9', 1, 3), input: "42", want: true},
		{name: "digits_at_max", m: CharRange('0', '9', 1, 3), input: "123", want: true},
		{name: "digits_over_max", m: CharRange('0', '9', 1, 3), input: "1234", want: false},
		{name: "digits_under_min", m: CharRange('0', '9', 2, 3), input: "1", want: false},
		{name: "min_zero_accepts_empty", m: CharSet("ab", 0, 2), input: "", want: true},
		{name: "outside_set", m: CharSet("ab", 1, 2), input: "c", want: false},
		{name: "unbounded", m: CharSet("x", 1, 0), input: strings.Repeat("x", 50), want: true},
		{name: "any_rune", m: AnyText(1, 2), input: "Ω牛", want: true},
		{name: "fold_case", m: CharSet("abc", 1, 3, WithCaseInsensitive()), input: "ABC", want: true},
		{name: "mixed_class", m: CharClass(Class{Chars: "._", Ranges: [][2]rune{{'a', 'z'}}}, 1, 0), input: "snake_case.go", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Match(tt.m, tt.input); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestCharClass_InvalidPanics(t *testing.T) {
	tests := []struct {
		name  string
		build func()
	}{
		{name: "empty_class", build: func() { CharSet("", 0, 1) }},
		{name: "negative_min", build: func() { CharSet("a", -1, 1) }},
		{name: "inverted_bounds", build: func() { CharSet("a", 3, 2) }},
		{name: "inverted_range", build: func() { CharRange('z', 'a', 1, 1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatal("expected panic")
				}
			}()
			tt.build()
		})
	}
}

func TestSequence_Match(t *testing.T) {
	m := Sequence(Literal("{"), CharRange('0', '9', 1, 0), Literal("}"))
	tests := []struct {
		input string
		want  bool
	}{
		{"{7}", true},
		{"{123}", true},
		{"{}", false},
		{"{7", false},
		{"7}", false},
	}
	for _, tt := range tests {
		if got := Match(m, tt.input); got != tt.want {
			t.Errorf("Match(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestSequence_OptionalParts(t *testing.T) {
	sign := Literal("-", WithOptional())
	m := Sequence(sign, CharRange('0', '9', 1, 0))
	for _, input := range []string{"12", "-12"} {
		if !Match(m, input) {
			t.Errorf("Match(%q) = false, want true", input)
		}
	}
	if Match(m, "-") {
		t.Error("Match(\"-\") = true, want false")
	}

	// Trailing optional part: acceptance must be visible without it.
	tail := Sequence(Literal("a"), Literal("!", WithOptional()))
	for _, input := range []string{"a", "a!"} {
		if !Match(tail, input) {
			t.Errorf("Match(%q) = false, want true", input)
		}
	}
}

func TestUnion_Match(t *testing.T) {
	m := Union(Literal("true"), Literal("false"), Literal("null"))
	for _, input := range []string{"true", "false", "null"} {
		if !Match(m, input) {
			t.Errorf("Match(%q) = false, want true", input)
		}
	}
	for _, input := range []string{"tru", "fals", "none", ""} {
		if Match(m, input) {
			t.Errorf("Match(%q) = true, want false", input)
		}
	}
}

func TestRepeat_Match(t *testing.T) {
	tests := []struct {
		name  string
		m     Machine
		yes   []string
		no    []string
	}{
		{
			name: "bounded_with_separator",
			m:    Repeat(Literal("x"), 1, 3, Literal(",")),
			yes:  []string{"x", "x,x", "x,x,x"},
			no:   []string{"", "x,", ",x", "x,x,x,x", "xx"},
		},
		{
			name: "min_zero_unbounded",
			m:    Repeat(CharRange('a', 'z', 1, 1), 0, 0, nil),
			yes:  []string{"", "a", "abcxyz"},
			no:   []string{"A", "ab1"},
		},
		{
			name: "exact_count",
			m:    Repeat(CharRange('0', '9', 1, 1), 4, 4, nil),
			yes:  []string{"2026"},
			no:   []string{"202", "20267"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, input := range tt.yes {
				if !Match(tt.m, input) {
					t.Errorf("Match(%q) = false, want true", input)
				}
			}
			for _, input := range tt.no {
				if Match(tt.m, input) {
					t.Errorf("Match(%q) = true, want false", input)
				}
			}
		})
	}
}

func TestDelimited_CarriesBodyIdent(t *testing.T) {
	body := CharRange('a', 'z', 0, 0, WithIdent("word"))
	m := Delimited(Literal("("), body, Literal(")"))
	if got := m.Ident(); got != "word" {
		t.Errorf("Ident() = %q, want %q", got, "word")
	}
	if !Match(m, "(abc)") || !Match(m, "()") {
		t.Error("delimited failed to match wrapped body")
	}
	if Match(m, "(abc") {
		t.Error("unterminated input matched")
	}
}

func TestAcceptsEmpty(t *testing.T) {
	tests := []struct {
		name string
		m    Machine
		want bool
	}{
		{name: "literal", m: Literal("a"), want: false},
		{name: "optional_literal", m: Literal("a", WithOptional()), want: true},
		{name: "charset_min_zero", m: CharSet("a", 0, 3), want: true},
		{name: "charset_min_one", m: CharSet("a", 1, 3), want: false},
		{name: "sequence_of_optionals", m: Sequence(Literal("a", WithOptional()), CharSet("b", 0, 1)), want: true},
		{name: "sequence_with_required", m: Sequence(Literal("a", WithOptional()), Literal("b")), want: false},
		{name: "union_with_empty_branch", m: Union(Literal("a"), CharSet("b", 0, 1)), want: true},
		{name: "repeat_min_zero", m: Repeat(Literal("a"), 0, 2, nil), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AcceptsEmpty(tt.m); got != tt.want {
				t.Errorf("AcceptsEmpty = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGrammar_DefineAndLookup(t *testing.T) {
	g := NewGrammar()
	if err := g.Define("bool", Union(Literal("true"), Literal("false"))); err != nil {
		t.Fatalf("Define failed: %v", err)
	}
	if err := g.Define("bool", Literal("x")); err == nil {
		t.Fatal("expected redefinition error")
	}
	if err := g.Define("", Literal("x")); err == nil {
		t.Fatal("expected empty-name error")
	}
	if _, ok := g.Lookup("bool"); !ok {
		t.Fatal("Lookup(bool) failed")
	}
	if _, ok := g.Lookup("missing"); ok {
		t.Fatal("Lookup(missing) succeeded")
	}
}

func TestGrammar_RecursiveRef(t *testing.T) {
	g := NewGrammar()
	// item := "1" | list ; list := "[" item ("," item)* "]"
	item := Union(Literal("1"), g.Ref("list"))
	list := Sequence(Literal("["), Repeat(item, 0, 0, Literal(",")), Literal("]"))
	if err := g.Define("list", list); err != nil {
		t.Fatalf("Define failed: %v", err)
	}

	yes := []string{"[]", "[1]", "[1,1]", "[[1],1]", "[[[]]]", "[1,[1,[1]]]"}
	for _, input := range yes {
		if !Match(list, input) {
			t.Errorf("Match(%q) = false, want true", input)
		}
	}
	no := []string{"[", "[1,]", "[2]", "]", "[1][1]"}
	for _, input := range no {
		if Match(list, input) {
			t.Errorf("Match(%q) = true, want false", input)
		}
	}
}

func TestGrammar_UndefinedRefPanics(t *testing.T) {
	g := NewGrammar()
	m := g.Ref("nowhere")
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for undefined rule")
		}
	}()
	m.Steppers()
}

func TestMachine_WithDoesNotMutate(t *testing.T) {
	base := Union(Literal("a"), Literal("b"))
	labeled := base.With(WithIdent("choice"), WithOptional())

	if base.Ident() != "" || base.Optional() {
		t.Error("With mutated the receiver")
	}
	if labeled.Ident() != "choice" || !labeled.Optional() {
		t.Errorf("With lost options: ident=%q optional=%v", labeled.Ident(), labeled.Optional())
	}
	if !Match(labeled, "a") {
		t.Error("relabeled machine no longer matches")
	}

	// Leaf machines rebuild, so case folding applies after With too.
	lit := Literal("Yes").With(WithCaseInsensitive())
	if !Match(lit, "YES") {
		t.Error("WithCaseInsensitive after construction had no effect")
	}
}

func TestKind_String(t *testing.T) {
	kinds := map[Kind]string{
		KindLiteral:   "literal",
		KindCharSet:   "charset",
		KindSequence:  "sequence",
		KindUnion:     "union",
		KindRepeat:    "repeat",
		KindDelimited: "delimited",
		KindSkipUntil: "skipuntil",
		KindRef:       "ref",
	}
	for k, want := range kinds {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
