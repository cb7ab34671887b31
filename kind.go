package fence

// Kind identifies which constructor produced a machine. The set is closed:
// every Machine in this package reports exactly one of these.
type Kind int

const (
	KindLiteral Kind = iota
	KindCharSet
	KindSequence
	KindUnion
	KindRepeat
	KindDelimited
	KindSkipUntil
	KindRef
)

func (k Kind) String() string {
	switch k {
	case KindLiteral:
		return "literal"
	case KindCharSet:
		return "charset"
	case KindSequence:
		return "sequence"
	case KindUnion:
		return "union"
	case KindRepeat:
		return "repeat"
	case KindDelimited:
		return "delimited"
	case KindSkipUntil:
		return "skipuntil"
	case KindRef:
		return "ref"
	default:
		panic(k)
	}
}
