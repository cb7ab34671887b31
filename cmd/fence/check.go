package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/speakeasy-api/fence"
	"github.com/speakeasy-api/fence/engine"
	"github.com/speakeasy-api/fence/pkg/harness"
	"github.com/speakeasy-api/fence/pkg/ttok"
	"github.com/speakeasy-api/fence/schemafsm"
)

var (
	checkSchema string
	checkInput  string
	checkVocab  string
	checkFenced string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Replay an input text through the engine under a schema fence",
	Long: `Compiles the schema into a machine and runs the input through it twice:
first character by character to locate the exact rejection point, then through
the full engine loop with a scripted model, so token healing, forced
continuations, and segment recovery are exercised the way a real generation
would. A single trailing newline in the input is ignored.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runCheck(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "check failed: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	checkCmd.Flags().StringVarP(&checkSchema, "schema", "s", "", "JSON Schema file, YAML or JSON (required)")
	checkCmd.Flags().StringVarP(&checkInput, "input", "i", "", "input text file, - for stdin (required)")
	checkCmd.Flags().StringVarP(&checkVocab, "vocab", "v", "", "vocabulary YAML; omitted means byte-level tokens only")
	checkCmd.Flags().StringVar(&checkFenced, "fenced", "", "wrap the schema in a markdown code fence with this tag")
	_ = checkCmd.MarkFlagRequired("schema")
	_ = checkCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(ctx context.Context) error {
	m, err := compileSchemaFile(ctx, checkSchema, checkFenced)
	if err != nil {
		return err
	}
	text, err := readInput(checkInput)
	if err != nil {
		return err
	}
	tok, err := loadTokenizer(checkVocab)
	if err != nil {
		return err
	}

	if off, rejected := rejectionOffset(m, text); rejected {
		printRejection(os.Stderr, text, off)
		return fmt.Errorf("input rejected at byte %d", off)
	}

	opts := engine.DefaultOptions()
	opts.Log = engineLog()
	outcome, err := harness.Run(ctx, m, tok, harness.Script{
		Target:  text,
		Stop:    tok.EOS(),
		Options: &opts,
	})
	if err != nil {
		fmt.Fprint(os.Stderr, harness.FormatRunErrors([]error{err}))
		if outcome != nil {
			fmt.Fprintf(os.Stderr, "steps taken before the failure: %d\n", outcome.Steps)
		}
		return fmt.Errorf("engine replay failed")
	}
	if got := outcome.Output.Text; got != text {
		off := divergence(text, got)
		printRejection(os.Stderr, text, off)
		return fmt.Errorf("vocabulary cannot spell the input; engine output diverged at byte %d", off)
	}
	if err := schemafsm.ValidateSegments(outcome.Output.Segments); err != nil {
		return err
	}

	printAccepted(os.Stdout, outcome)
	return nil
}

// compileSchemaFile loads a schema document and compiles it, optionally
// wrapped in a markdown fence.
func compileSchemaFile(ctx context.Context, path, fencedTag string) (fence.Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	doc, err := schemafsm.LoadSchema(data)
	if err != nil {
		return nil, err
	}
	opts := schemafsm.DefaultOptions()
	opts.Log = engineLog()
	if fencedTag != "" {
		return doc.CompileFenced(ctx, fencedTag, opts)
	}
	return doc.Compile(ctx, opts)
}

func readInput(path string) (string, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	text := string(data)
	if strings.HasSuffix(text, "\r\n") {
		return text[:len(text)-2], nil
	}
	return strings.TrimSuffix(text, "\n"), nil
}

func loadTokenizer(path string) (*ttok.Tokenizer, error) {
	if path == "" {
		return ttok.New(nil)
	}
	return ttok.LoadFile(path)
}

// rejectionOffset reports the byte offset at which every cursor dies, or the
// input length when the machine consumes everything without accepting.
// rejected is false when the machine accepts the text in full.
func rejectionOffset(m fence.Machine, text string) (off int, rejected bool) {
	if fence.Match(m, text) {
		return 0, false
	}
	frontier := m.Steppers()
	for i, r := range text {
		seen := make(map[uint64]bool, len(frontier))
		var next []*fence.Stepper
		for _, st := range frontier {
			for _, sn := range st.Step(r) {
				fp := sn.Fingerprint()
				if seen[fp] {
					continue
				}
				seen[fp] = true
				next = append(next, sn)
			}
		}
		if len(next) == 0 {
			return i, true
		}
		frontier = next
	}
	return len(text), true
}

// divergence returns the first byte offset where a and b differ.
func divergence(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

const (
	snippetLead = 64
	snippetTail = 24
)

// printRejection shows the offending line with a caret under the failure
// column. Long lines are clipped around the caret so it stays on screen.
func printRejection(w io.Writer, text string, off int) {
	if off > len(text) {
		off = len(text)
	}
	line := 1 + strings.Count(text[:off], "\n")
	start := strings.LastIndexByte(text[:off], '\n') + 1
	end := strings.IndexByte(text[off:], '\n')
	if end < 0 {
		end = len(text)
	} else {
		end += off
	}

	lead := text[start:off]
	tail := text[off:end]
	if lw := runewidth.StringWidth(lead); lw > snippetLead {
		lead = runewidth.TruncateLeft(lead, lw-snippetLead, "…")
	}
	if runewidth.StringWidth(tail) > snippetTail {
		tail = runewidth.Truncate(tail, snippetTail, "…")
	}

	col := runewidth.StringWidth(text[start:off]) + 1
	caret := "^"
	verdict := "input rejected"
	if useColor(os.Stderr) {
		caret = "\x1b[31m^\x1b[0m"
		verdict = "\x1b[31minput rejected\x1b[0m"
	}
	fmt.Fprintf(w, "%s at line %d, column %d\n", verdict, line, col)
	fmt.Fprintf(w, "    %s%s\n", lead, tail)
	fmt.Fprintf(w, "    %s%s\n", strings.Repeat(" ", runewidth.StringWidth(lead)), caret)
}

func printAccepted(w io.Writer, outcome *harness.Outcome) {
	verdict := "input accepted"
	if useColor(os.Stdout) {
		verdict = "\x1b[32minput accepted\x1b[0m"
	}
	fmt.Fprintln(w, verdict)
	fmt.Fprintf(w, "  tokens: %d\n", len(outcome.Output.Tokens))
	fmt.Fprintf(w, "  steps:  %d\n", outcome.Steps)
	if segs := outcome.Output.Segments; len(segs) > 0 {
		fmt.Fprintln(w, "  segments:")
		width := 0
		for _, sp := range segs {
			if sw := runewidth.StringWidth(sp.Ident); sw > width {
				width = sw
			}
		}
		for _, sp := range segs {
			fmt.Fprintf(w, "    %s  %q\n", runewidth.FillRight(sp.Ident, width), sp.Text)
		}
	}
}

func useColor(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
