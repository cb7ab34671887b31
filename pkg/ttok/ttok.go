// Package ttok provides a deterministic reference tokenizer: greedy
// longest-match over a fixed word list with single-byte ASCII fallback.
// Ids are stable across runs for the same word list, which makes it
// suitable for reproducible engine tests and the CLI.
package ttok

import (
	"errors"
	"fmt"
	"os"

	goyaml "github.com/itchyny/go-yaml"
)

const (
	byteTokens = 128
	// BOSID and EOSID are the control token ids. They sit directly above
	// the byte range so word ids start at wordBase regardless of the list.
	BOSID = byteTokens
	EOSID = byteTokens + 1

	wordBase = byteTokens + 2

	bosSurface = "<s>"
	eosSurface = "</s>"
)

// Tokenizer encodes text as word tokens where the list matches and ASCII
// byte tokens everywhere else. Ids 0-127 mirror the ASCII bytes, 128 and
// 129 are BOS and EOS, and words count up from 130 in list order.
type Tokenizer struct {
	words   []string
	wordID  map[string]int
	maxSurf int
}

// New builds a tokenizer over words. The list may be empty; order fixes the
// ids. Empty and duplicate words are rejected.
func New(words []string) (*Tokenizer, error) {
	t := &Tokenizer{
		words:  append([]string(nil), words...),
		wordID: make(map[string]int, len(words)),
	}
	for i, w := range words {
		if w == "" {
			return nil, fmt.Errorf("ttok: word %d is empty", i)
		}
		if _, ok := t.wordID[w]; ok {
			return nil, fmt.Errorf("ttok: duplicate word %q", w)
		}
		t.wordID[w] = wordBase + i
		if len(w) > t.maxSurf {
			t.maxSurf = len(w)
		}
	}
	return t, nil
}

// BOS returns the beginning-of-sequence token id.
func (t *Tokenizer) BOS() int { return BOSID }

// EOS returns the end-of-sequence token id.
func (t *Tokenizer) EOS() int { return EOSID }

// Words returns the word list in id order. Callers must not modify it.
func (t *Tokenizer) Words() []string { return t.words }

// Encode tokenizes text greedily: the longest word match wins at every
// position, and unmatched ASCII bytes fall back to their byte token. Bytes
// outside ASCII that no word covers are an error.
func (t *Tokenizer) Encode(text string) ([]int, error) {
	var ids []int
	for i := 0; i < len(text); {
		matched := false
		limit := t.maxSurf
		if rest := len(text) - i; rest < limit {
			limit = rest
		}
		for l := limit; l >= 1; l-- {
			if id, ok := t.wordID[text[i:i+l]]; ok {
				ids = append(ids, id)
				i += l
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		b := text[i]
		if b >= byteTokens {
			return nil, fmt.Errorf("ttok: byte 0x%02x at offset %d not covered by vocabulary", b, i)
		}
		ids = append(ids, int(b))
		i++
	}
	return ids, nil
}

// Decode concatenates token surfaces. Control tokens decode to nothing;
// unknown ids are an error.
func (t *Tokenizer) Decode(ids []int) (string, error) {
	var out []byte
	for _, id := range ids {
		switch {
		case id == BOSID, id == EOSID:
			// Control tokens carry no text.
		case id >= 0 && id < byteTokens:
			out = append(out, byte(id))
		case id >= wordBase && id < wordBase+len(t.words):
			out = append(out, t.words[id-wordBase]...)
		default:
			return "", fmt.Errorf("ttok: unknown token id %d", id)
		}
	}
	return string(out), nil
}

// Vocab returns every surface with the ids that produce it. A word equal to
// a single ASCII byte shares its surface with the byte token, so the slice
// can carry more than one id.
func (t *Tokenizer) Vocab() map[string][]int {
	v := make(map[string][]int, byteTokens+2+len(t.words))
	for b := 0; b < byteTokens; b++ {
		s := string(rune(b))
		v[s] = append(v[s], b)
	}
	v[bosSurface] = append(v[bosSurface], BOSID)
	v[eosSurface] = append(v[eosSurface], EOSID)
	for i, w := range t.words {
		v[w] = append(v[w], wordBase+i)
	}
	return v
}

// vocabFile is the on-disk vocabulary shape: a words list in id order.
type vocabFile struct {
	Words []string `yaml:"words"`
}

// LoadFile reads a YAML vocabulary file with a top-level words list and
// builds a tokenizer from it.
func LoadFile(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ttok: read vocabulary: %w", err)
	}
	return Parse(data)
}

// Parse builds a tokenizer from YAML vocabulary bytes.
func Parse(data []byte) (*Tokenizer, error) {
	var vf vocabFile
	if err := goyaml.Unmarshal(data, &vf); err != nil {
		return nil, fmt.Errorf("ttok: parse vocabulary: %w", err)
	}
	if len(vf.Words) == 0 {
		return nil, errors.New("ttok: vocabulary file has no words")
	}
	return New(vf.Words)
}
