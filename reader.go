package cdb

import (
	"bytes"
	"fmt"
	"hash"
	"sync"
)

const (
	tocSize   = 2048
	slotCount = 256
)

// hashTableRef is the (pos, num) pair the TOC records for one slot:
// pos is the byte offset of the slot's hash table, num its entry count.
// It is the teacher's original hashTableRef, generalized from
// (position, length) to the spec's own (pos, num) naming.
type hashTableRef struct {
	pos, num uint32
}

// Match reports the position and length of a record's key and value
// after a successful Find, Cursor.Next or Scanner.Next, per §4.4.5. It is returned
// by value rather than stashed on the handle so that independent
// Find calls against one shared *readerImpl — the concurrency
// contract §5 grants, and the one the teacher's own TestConcurrentGet
// exercises — can't race on shared output fields the way in-place
// "cdb_kpos/cdb_vpos" struct fields would.
type Match struct {
	KeyPos, KeyLen uint32
	ValPos, ValLen uint32
}

// CoreReader exposes the reader operations of §6.2 directly: Find,
// FindInit and its Cursor for enumerating duplicates, SeqInit and its
// Scanner, and the zero-copy/copying record accessors.
// Reader (the teacher-shaped convenience API returned by CDB.GetReader)
// is built on top of this.
type CoreReader interface {
	Find(key []byte) (Match, bool, error)
	FindInit(key []byte) (*Cursor, error)
	SeqInit() *Scanner
	Get(length int, pos uint32) ([]byte, error)
	Read(buf []byte, pos uint32) error
	Size() uint32
	RecordCount() int
	Close() error
}

// readerImpl is the reader handle of §3: it borrows a Provider and
// caches fsize/data_end and the 256 TOC entries, exactly as the
// teacher's own readerImpl caches refs [TABLE_NUM]hashTableRef up
// front in initialize(). Independent readerImpl values over the same
// immutable file may run on parallel goroutines without
// synchronization (§5); concurrent calls sharing one value are safe
// too, because no call stores match state on the handle itself — only
// the djb hash's Write+Sum32 pair needs the mutex, same as the
// teacher's calcHash.
type readerImpl struct {
	provider Provider
	hashFn   hash.Hash32
	mu       sync.Mutex

	fsize   uint32
	dataEnd uint32
	refs    [slotCount]hashTableRef
}

func newReaderImpl(p Provider, h hash.Hash32) (*readerImpl, error) {
	if err := p.Open(); err != nil {
		return nil, err
	}
	fsize := p.Size()
	if fsize < tocSize {
		p.Close()
		return nil, fmt.Errorf("%w: file of %d bytes smaller than the %d-byte table of contents", ErrProtocol, fsize, tocSize)
	}

	toc, err := p.Get(tocSize, 0, BufDefault)
	if err != nil {
		p.Close()
		return nil, err
	}

	r := &readerImpl{provider: p, hashFn: h, fsize: fsize}
	for i := 0; i < slotCount; i++ {
		j := i * 8
		r.refs[i] = hashTableRef{pos: unpack(toc[j : j+4]), num: unpack(toc[j+4 : j+8])}
	}

	// data_end is stored redundantly as slot 0's pos (byte 0 of the
	// file); the source clamps it into [2048, fsize] and tolerates
	// data_end == fsize (an all-empty-tables file) — preserved here
	// for file compatibility, per §9's Open Question.
	dend := unpack(toc[0:4])
	switch {
	case dend < tocSize:
		dend = tocSize
	case dend >= fsize:
		dend = fsize
	}
	r.dataEnd = dend

	return r, nil
}

func (r *readerImpl) Close() error { return r.provider.Close() }

func (r *readerImpl) Size() uint32 { return r.fsize }

// RecordCount sums num[i]/2 across all 256 slots (§3 invariant 5:
// num[i] = 2·records_in_slot[i]). This counts indexed entries, which
// for a file built with ModeReplace/ModeReplace0 is the number of
// live keys, not the number of physical records a sequential scan
// would see (superseded records stay in the data section, zeroed or
// not, per §4.5.3).
func (r *readerImpl) RecordCount() int {
	total := 0
	for _, ref := range r.refs {
		total += int(ref.num / 2)
	}
	return total
}

// Get returns a borrowed view of length bytes at pos, valid for the
// reader's lifetime (or, for a buffered Provider, until the next Get
// using the same BufferID — see §9).
func (r *readerImpl) Get(length int, pos uint32) ([]byte, error) {
	if uint64(pos)+uint64(length) > uint64(r.fsize) {
		return nil, fmt.Errorf("%w: range [%d,%d) exceeds file size %d", ErrProtocol, pos, uint64(pos)+uint64(length), r.fsize)
	}
	return r.provider.Get(length, pos, BufDefault)
}

// Read copies length(buf) bytes at pos into buf.
func (r *readerImpl) Read(buf []byte, pos uint32) error {
	return r.provider.Pread(buf, pos)
}

// Find performs a single first-match lookup: FindInit followed by one
// Cursor.Next.
func (r *readerImpl) Find(key []byte) (Match, bool, error) {
	cur, err := r.FindInit(key)
	if err != nil {
		return Match{}, false, err
	}
	return cur.Next()
}

// FindInit performs §4.4.2 steps 1–5 and returns a Cursor positioned
// at the probe start; Cursor.Next performs step 6 once per call,
// resuming past the previous match on repeat calls (§4.4.3).
func (r *readerImpl) FindInit(key []byte) (*Cursor, error) {
	if uint32(len(key)) >= r.dataEnd {
		return &Cursor{done: true}, nil
	}

	h := hashKey(r.hashFn, &r.mu, key)
	slot := h & 0xff
	ref := r.refs[slot]
	if ref.num == 0 {
		return &Cursor{done: true}, nil
	}
	if err := validateTable(ref.pos, ref.num, r.dataEnd, r.fsize); err != nil {
		return nil, err
	}

	tableEnd := ref.pos + 8*ref.num
	probeStart := ref.pos + ((h>>8)%ref.num)*8

	return &Cursor{
		reader:     r,
		key:        key,
		hash:       h,
		tableStart: ref.pos,
		tableEnd:   tableEnd,
		probe:      probeStart,
		remaining:  8 * ref.num,
	}, nil
}

func validateTable(pos, num, dataEnd, fsize uint32) error {
	if uint64(num) > uint64(fsize)/8 {
		return fmt.Errorf("%w: hash table claims %d entries, exceeds file bound", ErrProtocol, num)
	}
	if pos < dataEnd || pos > fsize {
		return fmt.Errorf("%w: hash table position %d outside [%d,%d]", ErrProtocol, pos, dataEnd, fsize)
	}
	if uint64(8)*uint64(num) > uint64(fsize)-uint64(pos) {
		return fmt.Errorf("%w: hash table of %d entries overruns file", ErrProtocol, num)
	}
	return nil
}

// Cursor is the "find cursor" of §3/§4.4.3: iterator state for
// repeated matches of one key.
type Cursor struct {
	reader *readerImpl
	key    []byte
	hash   uint32

	tableStart, tableEnd uint32
	probe                uint32
	remaining            uint32
	done                 bool
}

// Next performs one pass of §4.4.2 step 6, returning the next match
// (if any) and advancing past it so the following call resumes where
// this one left off.
func (c *Cursor) Next() (Match, bool, error) {
	if c.done {
		return Match{}, false, nil
	}
	r := c.reader

	for {
		entry, err := r.provider.Get(8, c.probe, BufHashTable)
		if err != nil {
			return Match{}, false, err
		}
		entryHash := unpack(entry[0:4])
		rpos := unpack(entry[4:8])
		if rpos == 0 {
			c.done = true
			return Match{}, false, nil
		}

		nextProbe := c.probe + 8
		if nextProbe >= c.tableEnd {
			nextProbe = c.tableStart
		}
		nextRemaining := c.remaining - 8

		if entryHash == c.hash {
			m, ok, err := r.readCandidate(rpos, c.key)
			if err != nil {
				return Match{}, false, err
			}
			if ok {
				c.probe = nextProbe
				c.remaining = nextRemaining
				if c.remaining == 0 {
					c.done = true
				}
				return m, true, nil
			}
		}

		c.probe = nextProbe
		c.remaining = nextRemaining
		if c.remaining == 0 {
			c.done = true
			return Match{}, false, nil
		}
	}
}

// readCandidate validates and compares the record at rpos against key,
// per §4.4.2 step 6's nested validation. All bounds arithmetic uses
// uint64 so a maliciously large klen/vlen can't wrap a 32-bit sum
// back into range (§8 property 8, adversarial robustness).
func (r *readerImpl) readCandidate(rpos uint32, key []byte) (Match, bool, error) {
	if rpos > r.dataEnd-8 {
		return Match{}, false, fmt.Errorf("%w: record at %d leaves no room for its header", ErrProtocol, rpos)
	}
	hdr, err := r.provider.Get(8, rpos, BufData)
	if err != nil {
		return Match{}, false, err
	}
	klen := unpack(hdr[0:4])
	if klen != uint32(len(key)) {
		return Match{}, false, nil
	}
	if uint64(rpos)+8+uint64(klen) > uint64(r.dataEnd) {
		return Match{}, false, fmt.Errorf("%w: record key at %d extends past the data section", ErrProtocol, rpos)
	}
	kbuf, err := r.provider.Get(int(klen), rpos+8, BufData)
	if err != nil {
		return Match{}, false, err
	}
	if !bytes.Equal(kbuf, key) {
		return Match{}, false, nil
	}

	vlen := unpack(hdr[4:8])
	if uint64(rpos)+8+uint64(klen)+uint64(vlen) > uint64(r.dataEnd) {
		return Match{}, false, fmt.Errorf("%w: record value at %d extends past the data section", ErrProtocol, rpos)
	}

	return Match{
		KeyPos: rpos + 8,
		KeyLen: klen,
		ValPos: rpos + 8 + klen,
		ValLen: vlen,
	}, true, nil
}

// Scanner is the "scan cursor" of §3/§4.4.4: a single byte offset,
// initialized to 2048 and advanced record by record.
type Scanner struct {
	reader *readerImpl
	pos    uint32
}

func (r *readerImpl) SeqInit() *Scanner {
	return &Scanner{reader: r, pos: tocSize}
}

// Next reads the record at the scanner's current position, validates
// it, advances past it, and returns it. It returns found=false once
// the scanner reaches data_end.
func (s *Scanner) Next() (Match, bool, error) {
	r := s.reader
	if s.pos > r.dataEnd-8 {
		return Match{}, false, nil
	}

	hdr, err := r.provider.Get(8, s.pos, BufData)
	if err != nil {
		return Match{}, false, err
	}
	klen := unpack(hdr[0:4])
	vlen := unpack(hdr[4:8])

	if uint64(s.pos)+8+uint64(klen) > uint64(r.dataEnd) {
		return Match{}, false, fmt.Errorf("%w: scanned record key at %d extends past the data section", ErrProtocol, s.pos)
	}
	if uint64(s.pos)+8+uint64(klen)+uint64(vlen) > uint64(r.dataEnd) {
		return Match{}, false, fmt.Errorf("%w: scanned record value at %d extends past the data section", ErrProtocol, s.pos)
	}

	m := Match{
		KeyPos: s.pos + 8,
		KeyLen: klen,
		ValPos: s.pos + 8 + klen,
		ValLen: vlen,
	}
	s.pos = s.pos + 8 + klen + vlen
	return m, true, nil
}
