package cdb

import (
	"bytes"
	"fmt"
	"hash"
	"sync"

	"k8s.io/klog/v2"
)

// PutMode selects one of the five conflict modes of §4.5.3.
type PutMode int

const (
	// ModeAdd appends unconditionally, ignoring any prior record with
	// the same key.
	ModeAdd PutMode = iota
	// ModeReplace appends, then drops every prior same-key entry from
	// the hash tables at Finish — the superseded records stay in the
	// data section but become unreachable by Find.
	ModeReplace
	// ModeInsert fails (returns existed=true, no append) if any
	// record with this key already exists.
	ModeInsert
	// ModeWarn appends unconditionally, like ModeAdd, but reports
	// whether a prior same-key record existed.
	ModeWarn
	// ModeReplace0 behaves like ModeReplace, and additionally zeros
	// the key+value bytes of each superseded record at Finish,
	// leaving its 8-byte length header intact so a sequential scan
	// still visits it.
	ModeReplace0
)

func (m PutMode) valid() bool {
	return m >= ModeAdd && m <= ModeReplace0
}

// maxUint32 bounds every on-disk offset and length (§1 Non-goals:
// values exceeding ~4 GiB, files exceeding 2³²−1 bytes).
const maxUint32 = 1<<32 - 1

// CoreWriter exposes the builder operations of §6.3 directly: the
// conflict-mode-aware Find/Exists/PutMode, the ADD-shorthand Add, and
// Finish, which performs the two-level hash build of §4.5.5.
type CoreWriter interface {
	Add(key, val []byte) error
	Exists(key []byte) (bool, error)
	Find(key []byte, mode PutMode) (bool, error)
	PutMode(key, val []byte, mode PutMode) (bool, error)
	Finish() error
}

// writerImpl is the builder handle of §3/§4.5.1: it owns a Provider,
// the data-section write cursor dpos, the record count, and 256
// chunked per-slot record lists.
type writerImpl struct {
	provider Provider
	hashFn   hash.Hash32
	mu       sync.Mutex

	dpos uint32
	rcnt uint32

	slots [slotCount]recordList

	// dropped and zeroed record the effect of ModeReplace/
	// ModeReplace0 discovered during Put, applied at Finish.
	dropped map[uint32]bool
	zeroed  map[uint32][2]uint32 // rpos -> (klen, vlen)

	finished bool
}

func newWriterImpl(p Provider, h hash.Hash32) (*writerImpl, error) {
	if err := p.Create(); err != nil {
		return nil, err
	}
	if err := p.Seek(tocSize); err != nil {
		return nil, err
	}
	return &writerImpl{
		provider: p,
		hashFn:   h,
		dpos:     tocSize,
		dropped:  make(map[uint32]bool),
		zeroed:   make(map[uint32][2]uint32),
	}, nil
}

// Add is PutMode's ADD shorthand, per §6.3.
func (w *writerImpl) Add(key, val []byte) error {
	_, err := w.PutMode(key, val, ModeAdd)
	return err
}

// Exists is Find evaluated in ADD mode: a pure presence check with no
// tagging side effect, per §4.5.3 ("exists is find with an equality
// test").
func (w *writerImpl) Exists(key []byte) (bool, error) {
	return w.Find(key, ModeAdd)
}

// Find is the probe-only operation of §4.5.3: it scans the slot's
// in-memory record list for a hash match, reads the candidate back
// through the Provider to confirm the key, and — for ModeReplace and
// ModeReplace0 — tags every match found for removal at Finish.
func (w *writerImpl) Find(key []byte, mode PutMode) (bool, error) {
	if !mode.valid() {
		return false, fmt.Errorf("%w: unknown put mode %d", ErrInvalidArgument, mode)
	}

	h := hashKey(w.hashFn, &w.mu, key)
	slot := h & 0xff

	found := false
	var walkErr error
	w.slots[slot].forEach(func(ri recordInfo) {
		if walkErr != nil || ri.hash != h {
			return
		}
		match, err := w.recordKeyEquals(ri.rpos, key)
		if err != nil {
			walkErr = err
			return
		}
		if !match {
			return
		}
		found = true

		switch mode {
		case ModeReplace:
			w.dropped[ri.rpos] = true
		case ModeReplace0:
			w.dropped[ri.rpos] = true
			klen, vlen, err := w.recordLens(ri.rpos)
			if err != nil {
				walkErr = err
				return
			}
			w.zeroed[ri.rpos] = [2]uint32{klen, vlen}
		}
	})
	if walkErr != nil {
		return false, walkErr
	}
	return found, nil
}

func (w *writerImpl) recordKeyEquals(rpos uint32, key []byte) (bool, error) {
	hdr, err := w.provider.Get(8, rpos, BufData)
	if err != nil {
		return false, err
	}
	klen := unpack(hdr[0:4])
	if klen != uint32(len(key)) {
		return false, nil
	}
	kbuf, err := w.provider.Get(int(klen), rpos+8, BufData)
	if err != nil {
		return false, err
	}
	return bytes.Equal(kbuf, key), nil
}

func (w *writerImpl) recordLens(rpos uint32) (klen, vlen uint32, err error) {
	hdr, err := w.provider.Get(8, rpos, BufData)
	if err != nil {
		return 0, 0, err
	}
	return unpack(hdr[0:4]), unpack(hdr[4:8]), nil
}

// PutMode appends (key, val) under the given conflict mode and
// reports whether a prior record with this key existed, per §6.3's
// "1 = ok + exists signal (WARN or INSERT hit)" convention expressed
// as a bool rather than a magic return code.
func (w *writerImpl) PutMode(key, val []byte, mode PutMode) (bool, error) {
	if w.finished {
		return false, fmt.Errorf("%w: writer already finished", ErrInvalidArgument)
	}
	if !mode.valid() {
		return false, fmt.Errorf("%w: unknown put mode %d", ErrInvalidArgument, mode)
	}

	existed, err := w.Find(key, mode)
	if err != nil {
		return false, err
	}

	if mode == ModeInsert && existed {
		return true, nil
	}

	if err := w.appendRecord(key, val); err != nil {
		return false, err
	}

	if mode == ModeWarn && existed {
		klog.V(4).Infof("cdb: duplicate key under ModeWarn (%d bytes)", len(key))
	}

	return existed, nil
}

// tableBytesPerRecord bounds the hash-table bytes one more record can
// add at Finish: load factor 2 means at most 2 table entries of 8
// bytes each per live record, so reserving 16 bytes per already-queued
// record (plus the one about to be appended) is always enough, even
// though ModeReplace/ModeReplace0 can only shrink that total.
const tableBytesPerRecord = 16

func (w *writerImpl) appendRecord(key, val []byte) error {
	klen, vlen := uint64(len(key)), uint64(len(val))
	if klen > maxUint32-8 || vlen > maxUint32-8 {
		return fmt.Errorf("%w: key or value length exceeds the format limit", ErrTooLarge)
	}
	recSize := 8 + klen + vlen
	reservedTableBytes := tableBytesPerRecord * (uint64(w.rcnt) + 1)
	if uint64(w.dpos)+recSize+reservedTableBytes > maxUint32 {
		return fmt.Errorf("%w: record would overflow the 32-bit file offset once hash tables are accounted for", ErrTooLarge)
	}

	h := hashKey(w.hashFn, &w.mu, key)

	kp := pack(uint32(klen))
	vp := pack(uint32(vlen))
	if err := w.provider.Write(kp[:]); err != nil {
		return err
	}
	if err := w.provider.Write(vp[:]); err != nil {
		return err
	}
	if err := w.provider.Write(key); err != nil {
		return err
	}
	if err := w.provider.Write(val); err != nil {
		return err
	}

	slot := h & 0xff
	w.slots[slot].push(h, w.dpos)

	w.dpos += uint32(recSize)
	w.rcnt++
	return nil
}

// Finish performs §4.5.5: it zeros any ModeReplace0-superseded
// records, builds each slot's 2·c-entry open-addressed hash table
// (dropping entries ModeReplace/ModeReplace0 tagged), writes the
// tables after the data section, then rewrites the 2 KiB TOC.
func (w *writerImpl) Finish() error {
	if w.finished {
		return nil
	}
	w.finished = true

	for rpos, lens := range w.zeroed {
		if err := w.zeroFill(rpos, lens[0], lens[1]); err != nil {
			return err
		}
	}

	maxSlot := 0
	for i := range w.slots {
		if w.slots[i].count > maxSlot {
			maxSlot = w.slots[i].count
		}
	}
	scratch := make([]recordInfo, 2*maxSlot)

	var toc [slotCount][2]uint32
	for i := range w.slots {
		live := make([]recordInfo, 0, w.slots[i].count)
		dropped := 0
		w.slots[i].forEach(func(ri recordInfo) {
			if w.dropped[ri.rpos] {
				dropped++
				return
			}
			live = append(live, ri)
		})
		if dropped > 0 {
			klog.V(4).Infof("cdb: slot %d dropped %d superseded record(s)", i, dropped)
		}

		c := len(live)
		if c == 0 {
			// pos still records the current data_end even for an
			// empty slot: slot 0's pos doubles as the file's
			// redundant data_end word at byte 0 (§3), so it must be
			// correct regardless of whether slot 0 itself holds any
			// records.
			toc[i] = [2]uint32{w.dpos, 0}
			continue
		}

		n := uint32(2 * c)
		table := scratch[:n]
		for j := range table {
			table[j] = recordInfo{}
		}
		for _, ri := range live {
			idx := (ri.hash >> 8) % n
			for table[idx].rpos != 0 {
				idx = (idx + 1) % n
			}
			table[idx] = ri
		}

		pos := w.dpos
		for _, e := range table {
			hb := pack(e.hash)
			pb := pack(e.rpos)
			if err := w.provider.Write(hb[:]); err != nil {
				return err
			}
			if err := w.provider.Write(pb[:]); err != nil {
				return err
			}
		}
		w.dpos += 8 * n
		toc[i] = [2]uint32{pos, n}
	}

	if err := w.provider.Seek(0); err != nil {
		return err
	}
	tocBuf := make([]byte, tocSize)
	for i, e := range toc {
		pb := pack(e[0])
		nb := pack(e[1])
		copy(tocBuf[i*8:i*8+4], pb[:])
		copy(tocBuf[i*8+4:i*8+8], nb[:])
	}
	if err := w.provider.Write(tocBuf); err != nil {
		return err
	}

	return w.provider.Close()
}

// zeroFill overwrites the key+value bytes of a ModeReplace0-superseded
// record with zeros, then resumes sequential writing at the current
// data-section cursor. The 8-byte length header at rpos is left
// intact so SeqNext still visits the (now empty) record.
func (w *writerImpl) zeroFill(rpos, klen, vlen uint32) error {
	if err := w.provider.Seek(rpos + 8); err != nil {
		return err
	}
	zeros := make([]byte, klen+vlen)
	if err := w.provider.Write(zeros); err != nil {
		return err
	}
	return w.provider.Seek(w.dpos)
}
