package cdb

import (
	"hash"
	"sync"
)

// djbInit is the seed state of the cdb hash, per the format's §4.1
// definition (this is not FNV, djb2, or any hash.Hash32 in the
// standard library — it is a specific xor variant and is part of the
// on-disk format).
const djbInit uint32 = 5381

// djbHash implements hash.Hash32 so it can be dropped into Reader and
// Writer the same way the teacher's readerImpl plugs in an arbitrary
// hash.Hash32 via SetHash. The on-disk format is only interoperable
// with other cdb readers/writers when this default is left in place;
// overriding it (see CDB.SetHash) produces a private, non-standard
// file.
type djbHash struct {
	state uint32
}

// NewHash returns the canonical cdb hash function.
func NewHash() hash.Hash32 {
	return &djbHash{state: djbInit}
}

func (h *djbHash) Write(p []byte) (int, error) {
	s := h.state
	for _, b := range p {
		s = ((s << 5) + s) ^ uint32(b)
	}
	h.state = s
	return len(p), nil
}

func (h *djbHash) Sum(b []byte) []byte {
	s := h.Sum32()
	return append(b, byte(s>>24), byte(s>>16), byte(s>>8), byte(s))
}

func (h *djbHash) Reset()         { h.state = djbInit }
func (h *djbHash) Size() int      { return 4 }
func (h *djbHash) BlockSize() int { return 1 }
func (h *djbHash) Sum32() uint32  { return h.state }

// hashKey computes the hash of key using h, guarded by mu. hash.Hash32
// is stateful, so a Reader or Writer shared across goroutines must
// serialize Write+Sum32 pairs the same way the teacher's calcHash does.
func hashKey(h hash.Hash32, mu *sync.Mutex, key []byte) uint32 {
	mu.Lock()
	defer mu.Unlock()
	h.Reset()
	h.Write(key)
	return h.Sum32()
}
