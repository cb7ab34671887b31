// Package vocab indexes a tokenizer's vocabulary for grammar-guided masking.
// The index is a rune trie over token surfaces, built once and read-only
// afterwards, so any number of engines can share it.
package vocab

import (
	"errors"
	"fmt"
	"sort"
)

// Node is one trie position. Children are stored in ascending rune order, so
// every traversal of the same index visits tokens in the same order.
type Node struct {
	runes    []rune
	children []*Node
	ids      []int
}

// Len returns the number of child edges.
func (n *Node) Len() int { return len(n.runes) }

// Rune returns the label of child edge i.
func (n *Node) Rune(i int) rune { return n.runes[i] }

// Child returns the node child edge i leads to.
func (n *Node) Child(i int) *Node { return n.children[i] }

// Terminal returns the ids of every token whose surface ends at this node,
// sorted ascending. Nil when no token ends here. Callers must not modify the
// slice.
func (n *Node) Terminal() []int { return n.ids }

// Index is a read-only view over one tokenizer's vocabulary.
type Index struct {
	tok     Tokenizer
	root    *Node
	surface map[int]string
	size    int
	maxLen  int
}

// NewIndex builds the trie from tok.Vocab. Tokens with an empty surface are
// kept in the reverse table but not in the trie; they can never be produced
// by a grammar walk.
func NewIndex(tok Tokenizer) (*Index, error) {
	if tok == nil {
		return nil, errors.New("vocab: nil tokenizer")
	}
	v := tok.Vocab()
	if len(v) == 0 {
		return nil, errors.New("vocab: tokenizer has an empty vocabulary")
	}

	idx := &Index{
		tok:     tok,
		root:    &Node{},
		surface: make(map[int]string),
	}
	surfaces := make([]string, 0, len(v))
	for s := range v {
		surfaces = append(surfaces, s)
	}
	sort.Strings(surfaces)

	for _, s := range surfaces {
		ids := append([]int(nil), v[s]...)
		sort.Ints(ids)
		for _, id := range ids {
			if prev, ok := idx.surface[id]; ok && prev != s {
				return nil, fmt.Errorf("vocab: token id %d maps to both %q and %q", id, prev, s)
			}
			idx.surface[id] = s
		}
		idx.size += len(ids)
		if s == "" {
			continue
		}
		n := idx.root
		length := 0
		for _, r := range s {
			n = n.child(r)
			length++
		}
		n.ids = append(n.ids, ids...)
		sort.Ints(n.ids)
		if length > idx.maxLen {
			idx.maxLen = length
		}
	}
	return idx, nil
}

// child returns the child for r, inserting it in sorted position if missing.
// Only used during construction.
func (n *Node) child(r rune) *Node {
	i := sort.Search(len(n.runes), func(i int) bool { return n.runes[i] >= r })
	if i < len(n.runes) && n.runes[i] == r {
		return n.children[i]
	}
	c := &Node{}
	n.runes = append(n.runes, 0)
	copy(n.runes[i+1:], n.runes[i:])
	n.runes[i] = r
	n.children = append(n.children, nil)
	copy(n.children[i+1:], n.children[i:])
	n.children[i] = c
	return c
}

// Tokenizer returns the tokenizer the index was built from.
func (idx *Index) Tokenizer() Tokenizer { return idx.tok }

// Root returns the trie root for guided traversal.
func (idx *Index) Root() *Node { return idx.root }

// Surface returns the surface text of a token id.
func (idx *Index) Surface(id int) (string, bool) {
	s, ok := idx.surface[id]
	return s, ok
}

// Size returns the number of token ids in the vocabulary.
func (idx *Index) Size() int { return idx.size }

// MaxTokenLen returns the longest token surface in runes.
func (idx *Index) MaxTokenLen() int { return idx.maxLen }

// Lookup returns the ids whose surface is exactly text.
func (idx *Index) Lookup(text string) []int {
	n, ok := idx.Descend(text)
	if !ok {
		return nil
	}
	return n.ids
}

// Descend follows prefix through the trie and returns the node it lands on.
func (idx *Index) Descend(prefix string) (*Node, bool) {
	n := idx.root
	for _, r := range prefix {
		i := sort.Search(len(n.runes), func(i int) bool { return n.runes[i] >= r })
		if i >= len(n.runes) || n.runes[i] != r {
			return nil, false
		}
		n = n.children[i]
	}
	return n, true
}

// Walk visits every token surface in deterministic trie order. Returning
// false from fn stops the walk.
func (idx *Index) Walk(fn func(surface string, ids []int) bool) {
	idx.root.Walk(fn)
}

// Walk visits every token surface in the subtree below n, in deterministic
// trie order. Surfaces are relative to n, so combined with Descend the caller
// sees completions of the prefix. Returning false from fn stops the walk.
func (n *Node) Walk(fn func(surface string, ids []int) bool) {
	n.walk("", fn)
}

func (n *Node) walk(prefix string, fn func(surface string, ids []int) bool) bool {
	if len(n.ids) > 0 {
		if !fn(prefix, n.ids) {
			return false
		}
	}
	for i, r := range n.runes {
		if !n.children[i].walk(prefix+string(r), fn) {
			return false
		}
	}
	return true
}
