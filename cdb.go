// Package cdb implements the constant database format: an immutable,
// single-file key/value store built once by a Writer and looked up by
// any number of concurrent Readers without further synchronization.
package cdb

import (
	"hash"
	"os"
)

// Reader is the convenience read surface returned by CDB.GetReader.
// It wraps CoreReader's Find-based API behind the simpler Get/Has
// idiom; GetAll exposes duplicate enumeration without requiring the
// caller to drive a Cursor directly.
type Reader interface {
	Get(key []byte) ([]byte, error)
	GetAll(key []byte) ([][]byte, error)
	Has(key []byte) (bool, error)
	Size() int
	Close() error
	// Core exposes the full CoreReader beneath this convenience
	// wrapper, for callers that need FindInit/SeqInit/RecordCount.
	Core() CoreReader
}

// Writer is the convenience write surface returned by CDB.GetWriter.
// Put is ModeAdd's unconditional append; PutMode and Exists reach the
// full conflict-mode behavior of CoreWriter.
type Writer interface {
	Put(key, val []byte) error
	PutMode(key, val []byte, mode PutMode) (bool, error)
	Exists(key []byte) (bool, error)
	Close() error
	Core() CoreWriter
}

// CDB is a handle to the hash algorithm a database's readers and
// writers use. The zero value is not usable; construct one with New.
// A *CDB carries no file state of its own — GetReader/GetWriter open
// independent handles onto whatever *os.File is passed in, so one CDB
// can mint readers and writers for many files.
type CDB struct {
	newHash func() hash.Hash32
}

// New returns a CDB using the format's own djb2-xor hash.
func New() *CDB {
	return &CDB{newHash: NewHash}
}

// SetHash overrides the hash algorithm, matching the reader and writer
// against a non-standard file. Readers and writers opened after this
// call use the new hash; it has no effect on handles already open.
func (c *CDB) SetHash(h func() hash.Hash32) {
	c.newHash = h
}

// GetReader opens f for lookup. f must contain a complete, finished
// database; it is memory-mapped by the default Provider for the
// lifetime of the returned Reader.
func (c *CDB) GetReader(f *os.File) (Reader, error) {
	core, err := c.OpenCoreReader(f)
	if err != nil {
		return nil, err
	}
	return &cdbReader{core: core}, nil
}

// GetWriter truncates f and opens it for building. The database is
// not durable, and f's table of contents is not valid, until the
// returned Writer's Close (equivalently, its Core().Finish) returns.
func (c *CDB) GetWriter(f *os.File) (Writer, error) {
	core, err := c.OpenCoreWriter(f)
	if err != nil {
		return nil, err
	}
	return &cdbWriter{core: core}, nil
}

// OpenCoreReader is GetReader without the convenience wrapper, for
// callers that want FindInit/SeqInit/RecordCount directly.
func (c *CDB) OpenCoreReader(f *os.File) (CoreReader, error) {
	return newReaderImpl(NewFileProvider(f), c.newHash())
}

// OpenCoreWriter is GetWriter without the convenience wrapper.
func (c *CDB) OpenCoreWriter(f *os.File) (CoreWriter, error) {
	return newWriterImpl(NewFileProvider(f), c.newHash())
}

type cdbReader struct {
	core CoreReader
}

func (r *cdbReader) Core() CoreReader { return r.core }

func (r *cdbReader) Get(key []byte) ([]byte, error) {
	m, ok, err := r.core.Find(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEntryNotFound
	}
	return r.core.Get(int(m.ValLen), m.ValPos)
}

// GetAll returns every value stored under key, in the order they were
// written — the "duplicate key support" behavior of §4.4.3 surfaced
// without requiring the caller to drive a Cursor.
func (r *cdbReader) GetAll(key []byte) ([][]byte, error) {
	cur, err := r.core.FindInit(key)
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for {
		m, ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		val, err := r.core.Get(int(m.ValLen), m.ValPos)
		if err != nil {
			return nil, err
		}
		out = append(out, val)
	}
	return out, nil
}

func (r *cdbReader) Has(key []byte) (bool, error) {
	_, ok, err := r.core.Find(key)
	return ok, err
}

// Size returns the number of indexed records — matching the teacher's
// own Reader.Size() contract (cdb_test.go checks it against the count
// of records put, not the file's byte size; RecordCount is the one
// that means "how many keys", Core().Size() means "how many bytes").
func (r *cdbReader) Size() int { return r.core.RecordCount() }

func (r *cdbReader) Close() error { return r.core.Close() }

type cdbWriter struct {
	core CoreWriter
}

func (w *cdbWriter) Core() CoreWriter { return w.core }

func (w *cdbWriter) Put(key, val []byte) error {
	return w.core.Add(key, val)
}

func (w *cdbWriter) PutMode(key, val []byte, mode PutMode) (bool, error) {
	return w.core.PutMode(key, val, mode)
}

func (w *cdbWriter) Exists(key []byte) (bool, error) {
	return w.core.Exists(key)
}

func (w *cdbWriter) Close() error {
	return w.core.Finish()
}
