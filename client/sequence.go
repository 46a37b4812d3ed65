package client

import (
	"sync"

	"github.com/mbocsi/deviceio/proto"
)

// Sequence hands out request sequence numbers in [proto.SeqMin, proto.SeqMax),
// wrapping back to proto.SeqMin once the band is exhausted.
type Sequence struct {
	mu     sync.Mutex
	offset int
}

func NewSequence() *Sequence {
	return &Sequence{}
}

func (s *Sequence) Next() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := proto.SeqMin + s.offset
	s.offset = (s.offset + 1) % (proto.SeqMax - proto.SeqMin)
	return n
}
