package fence

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// advanceFrontier feeds one chunk to every cursor in the frontier and merges
// the survivors, the way an orchestration layer advances after each token.
func advanceFrontier(frontier []*Stepper, chunk string) []*Stepper {
	var next []*Stepper
	for _, s := range frontier {
		next = append(next, s.Consume(chunk)...)
	}
	return dedupSteppers(next)
}

func liveFingerprints(steppers []*Stepper) []uint64 {
	var fps []uint64
	for _, s := range steppers {
		if s.Remaining() == "" {
			fps = append(fps, s.Fingerprint())
		}
	}
	return fps
}

func testListMachine() Machine {
	word := Delimited(Literal(`"`), CharRange('a', 'z', 0, 0, WithIdent("word")), Literal(`"`))
	num := CharRange('0', '9', 1, 0, WithIdent("num"))
	val := Union(word, num)
	return Sequence(Literal("["), Repeat(val, 0, 0, Literal(",")), Literal("]"))
}

func TestStepper_CloneIsolation(t *testing.T) {
	m := Sequence(Literal("ab"), CharRange('0', '9', 1, 3))
	frontier := advanceFrontier(m.Steppers(), "ab1")
	if len(frontier) == 0 {
		t.Fatal("no survivors for legal prefix")
	}
	orig := frontier[0]
	before := orig.Fingerprint()
	beforeRaw := orig.Raw()

	clone := orig.Clone()
	if clone.Fingerprint() != before {
		t.Fatal("clone fingerprint differs from original")
	}
	for _, c := range clone.Consume("23") {
		c.PushToken(7)
	}
	clone.PushToken(9)

	if orig.Fingerprint() != before {
		t.Error("advancing the clone changed the original's fingerprint")
	}
	if orig.Raw() != beforeRaw {
		t.Errorf("original raw changed: %q -> %q", beforeRaw, orig.Raw())
	}
	if len(orig.Tokens()) != 0 {
		t.Errorf("original tokens changed: %v", orig.Tokens())
	}
}

func checkRawInvariant(t *testing.T, s *Stepper) {
	t.Helper()
	if len(s.history) > 0 || s.sub != nil {
		var b strings.Builder
		for _, h := range s.history {
			b.WriteString(h.raw)
		}
		if s.sub != nil {
			b.WriteString(s.sub.raw)
		}
		if b.String() != s.raw {
			t.Errorf("raw %q does not concatenate from parts %q", s.raw, b.String())
		}
	}
	for _, h := range s.history {
		checkRawInvariant(t, h)
	}
	if s.sub != nil {
		checkRawInvariant(t, s.sub)
	}
}

func TestStepper_RawInvariant(t *testing.T) {
	m := testListMachine()
	text := `["ab",12,"x"]`
	frontier := m.Steppers()
	for _, r := range text {
		var next []*Stepper
		for _, s := range frontier {
			next = append(next, s.Step(r)...)
		}
		frontier = dedupSteppers(next)
		if len(frontier) == 0 {
			t.Fatalf("frontier died mid-input at %q", string(r))
		}
		for _, s := range frontier {
			checkRawInvariant(t, s)
			if s.Consumed() != len([]rune(s.Raw())) {
				t.Errorf("consumed %d does not match raw %q", s.Consumed(), s.Raw())
			}
		}
	}
}

func TestStepper_ChunkingsAgree(t *testing.T) {
	m := testListMachine()
	text := `["ab",12,"x"]`
	chunkings := [][]string{
		{text},
		strings.Split(text, ""),
		{`["a`, `b",1`, `2,"x"]`},
		{`[`, `"ab"`, `,`, `12`, `,"x"`, `]`},
	}

	var want []uint64
	for i, chunks := range chunkings {
		frontier := m.Steppers()
		for _, ch := range chunks {
			frontier = advanceFrontier(frontier, ch)
		}
		got := liveFingerprints(frontier)
		if i == 0 {
			want = got
			if len(want) == 0 {
				t.Fatal("no live survivors for legal text")
			}
			continue
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("chunking %d produced different survivors (-whole +chunked):\n%s", i, diff)
		}
	}
}

func TestStepper_BranchCompleteness(t *testing.T) {
	m := Union(Literal("cat"), Literal("car"), Literal("cab"), Literal("dog"))
	frontier := m.Steppers()
	counts := []struct {
		r    rune
		want int
	}{
		{'c', 3},
		{'a', 3},
		{'t', 1},
	}
	for _, step := range counts {
		var next []*Stepper
		for _, s := range frontier {
			next = append(next, s.Step(step.r)...)
		}
		frontier = dedupSteppers(next)
		if len(frontier) != step.want {
			t.Fatalf("after %q: %d branches, want %d", step.r, len(frontier), step.want)
		}
	}
	if !frontier[0].Accepted() {
		t.Error("surviving branch not accepted after full phrase")
	}
}

func TestStepper_ResidueParking(t *testing.T) {
	steppers := Literal("ab").Steppers()
	if len(steppers) != 1 {
		t.Fatalf("literal steppers = %d, want 1", len(steppers))
	}
	out := steppers[0].Consume("abc")
	if len(out) != 1 {
		t.Fatalf("survivors = %d, want 1", len(out))
	}
	parked := out[0]
	if !parked.Accepted() {
		t.Error("parked cursor not accepted")
	}
	if got := parked.Remaining(); got != "c" {
		t.Errorf("Remaining() = %q, want %q", got, "c")
	}
	if got := parked.Raw(); got != "ab" {
		t.Errorf("Raw() = %q, want %q", got, "ab")
	}

	// Residue cursors are terminal.
	if succ := parked.Step('c'); succ != nil {
		t.Errorf("Step on residue cursor returned %d successors", len(succ))
	}
	if succ := parked.Consume("c"); succ != nil {
		t.Error("Consume on residue cursor returned successors")
	}
}

func TestStepper_AcceptanceWithOptionalTail(t *testing.T) {
	m := Sequence(Literal("a"), CharSet("b", 0, 3))
	tests := []struct {
		input string
		want  bool
	}{
		{"a", true},
		{"ab", true},
		{"abbb", true},
		{"abbbb", false},
		{"b", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := Match(m, tt.input); got != tt.want {
			t.Errorf("Match(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestStepper_DedupKeepsFirst(t *testing.T) {
	lit := Literal("a")
	u := Union(lit, lit)
	init := u.Steppers()
	if len(init) != 2 {
		t.Fatalf("initial cursors = %d, want 2", len(init))
	}
	if init[0].Fingerprint() != init[1].Fingerprint() {
		t.Fatal("identical branches fingerprint differently")
	}
	frontier := advanceFrontier(init, "a")
	if len(frontier) != 1 {
		t.Errorf("deduped frontier = %d cursors, want 1", len(frontier))
	}
}

func TestStepper_StepIsPure(t *testing.T) {
	m := testListMachine()
	frontier := advanceFrontier(m.Steppers(), `["a`)
	if len(frontier) == 0 {
		t.Fatal("no survivors")
	}
	s := frontier[0]
	before := s.Fingerprint()

	first := s.Step('b')
	second := s.Step('b')
	if s.Fingerprint() != before {
		t.Error("Step mutated the receiver")
	}
	if len(first) != len(second) {
		t.Fatalf("repeated Step disagrees: %d vs %d successors", len(first), len(second))
	}
	for i := range first {
		if first[i].Fingerprint() != second[i].Fingerprint() {
			t.Errorf("successor %d differs between calls", i)
		}
	}
}

func TestStepper_Segments(t *testing.T) {
	date := Sequence(
		CharRange('0', '9', 4, 4, WithIdent("year")),
		Literal("-"),
		CharRange('0', '9', 2, 2, WithIdent("month")),
		Literal("-"),
		CharRange('0', '9', 2, 2, WithIdent("day")),
	).With(WithIdent("date"))

	var accepted *Stepper
	for _, s := range advanceFrontier(date.Steppers(), "2026-08-25") {
		if s.Remaining() == "" && s.Accepted() {
			accepted = s
			break
		}
	}
	if accepted == nil {
		t.Fatal("no accepted cursor")
	}

	want := []Span{
		{Ident: "date", Text: "2026-08-25"},
		{Ident: "year", Text: "2026"},
		{Ident: "month", Text: "08"},
		{Ident: "day", Text: "25"},
	}
	if diff := cmp.Diff(want, accepted.Segments()); diff != "" {
		t.Errorf("segments mismatch (-want +got):\n%s", diff)
	}
}

func TestStepper_SegmentsNested(t *testing.T) {
	inner := CharRange('a', 'z', 1, 0, WithIdent("name"))
	outer := Delimited(Literal("<"), inner, Literal(">")).With(WithIdent("tag"))

	var accepted *Stepper
	for _, s := range advanceFrontier(outer.Steppers(), "<abc>") {
		if s.Remaining() == "" && s.Accepted() {
			accepted = s
			break
		}
	}
	if accepted == nil {
		t.Fatal("no accepted cursor")
	}
	want := []Span{
		{Ident: "tag", Text: "<abc>"},
		{Ident: "name", Text: "abc"},
	}
	if diff := cmp.Diff(want, accepted.Segments()); diff != "" {
		t.Errorf("segments mismatch (-want +got):\n%s", diff)
	}
}

func TestFingerprint_TokensExcluded(t *testing.T) {
	s := Literal("ab").Steppers()[0].Consume("a")[0]
	before := s.Fingerprint()
	s.PushToken(42)
	if s.Fingerprint() != before {
		t.Error("token ids changed the fingerprint")
	}
}

func TestFingerprint_DistinguishesProgress(t *testing.T) {
	m := Literal("aa")
	one := m.Steppers()[0].Consume("a")[0]
	two := m.Steppers()[0].Consume("aa")[0]
	if one.Fingerprint() == two.Fingerprint() {
		t.Error("different progress fingerprints equal")
	}

	other := Literal("a").Steppers()[0].Consume("a")[0]
	if one.Fingerprint() == other.Fingerprint() {
		t.Error("cursors on distinct machines fingerprint equal")
	}
}
