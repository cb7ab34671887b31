package vocab

// Tokenizer is the model-side vocabulary contract. Encode and Decode must
// round-trip text the model can emit; Vocab exposes every token surface with
// the ids that produce it, since real vocabularies map several ids to one
// surface.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
	Vocab() map[string][]int
}
