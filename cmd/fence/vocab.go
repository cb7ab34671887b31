package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/speakeasy-api/fence/vocab"
)

var (
	vocabFile   string
	vocabPrefix string
	vocabLimit  int
)

var vocabCmd = &cobra.Command{
	Use:   "vocab",
	Short: "Examine a tokenizer vocabulary the way the engine indexes it",
	Long: `Builds the rune trie over the vocabulary and prints its statistics. With
--prefix, lists every token surface extending the prefix in trie order, which
is exactly the order the engine enumerates them while masking.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runVocab(cmd); err != nil {
			fmt.Fprintf(os.Stderr, "vocab failed: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	vocabCmd.Flags().StringVarP(&vocabFile, "vocab", "v", "", "vocabulary YAML (required)")
	vocabCmd.Flags().StringVar(&vocabPrefix, "prefix", "", "list token surfaces extending this prefix")
	vocabCmd.Flags().IntVar(&vocabLimit, "limit", 50, "maximum surfaces to list")
	_ = vocabCmd.MarkFlagRequired("vocab")
	rootCmd.AddCommand(vocabCmd)
}

func runVocab(cmd *cobra.Command) error {
	tok, err := loadTokenizer(vocabFile)
	if err != nil {
		return err
	}
	idx, err := vocab.NewIndex(tok)
	if err != nil {
		return err
	}

	fmt.Printf("vocabulary: %d tokens, %d words, longest surface %d runes\n",
		idx.Size(), len(tok.Words()), idx.MaxTokenLen())

	if !vocabCmdHasPrefix(cmd) {
		return nil
	}
	node, ok := idx.Descend(vocabPrefix)
	if !ok {
		return fmt.Errorf("no token surface starts with %q", vocabPrefix)
	}

	type entry struct {
		surface string
		ids     []int
	}
	var entries []entry
	node.Walk(func(rest string, ids []int) bool {
		entries = append(entries, entry{surface: vocabPrefix + rest, ids: ids})
		return len(entries) < vocabLimit
	})

	fmt.Printf("surfaces with prefix %q:\n", vocabPrefix)
	width := 0
	for _, e := range entries {
		if sw := runewidth.StringWidth(fmt.Sprintf("%q", e.surface)); sw > width {
			width = sw
		}
	}
	for _, e := range entries {
		quoted := fmt.Sprintf("%q", e.surface)
		fmt.Printf("  %s  %v\n", runewidth.FillRight(quoted, width), e.ids)
	}
	if len(entries) == vocabLimit {
		fmt.Printf("  (stopped at %d surfaces)\n", vocabLimit)
	}
	return nil
}

// vocabCmdHasPrefix distinguishes an explicit empty --prefix, which lists the
// whole vocabulary, from the flag being absent.
func vocabCmdHasPrefix(cmd *cobra.Command) bool {
	return cmd.Flags().Changed("prefix")
}
