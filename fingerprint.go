package fence

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
)

// Fingerprint hashes the cursor's full configuration: machine identity,
// state, edge target, consumed text, residue, and the recursive shape of
// history, scans, and the live child. Token ids are bookkeeping and are
// excluded, so cursors that parsed the same text the same way collapse in
// dedup regardless of token boundaries.
func (s *Stepper) Fingerprint() uint64 {
	h := sha256.New()
	encodeStepper(h, s)
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint64(sum[:8])
}

func encodeStepper(h hash.Hash, s *Stepper) {
	// Machines are shared immutable values, so pointer identity is machine
	// identity.
	fmt.Fprintf(h, "%p", s.machine)
	binary.Write(h, binary.LittleEndian, int64(s.state))
	binary.Write(h, binary.LittleEndian, int64(s.target))
	binary.Write(h, binary.LittleEndian, int64(s.consumed))
	hashString(h, s.raw)
	hashString(h, s.remaining)

	binary.Write(h, binary.LittleEndian, uint64(len(s.history)))
	for _, c := range s.history {
		encodeStepper(h, c)
	}
	binary.Write(h, binary.LittleEndian, uint64(len(s.scans)))
	for _, a := range s.scans {
		encodeStepper(h, a)
	}
	if s.sub != nil {
		h.Write([]byte{1})
		encodeStepper(h, s.sub)
	} else {
		h.Write([]byte{0})
	}
}

func hashString(h hash.Hash, s string) {
	binary.Write(h, binary.LittleEndian, uint64(len(s)))
	h.Write([]byte(s))
}
