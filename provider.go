package cdb

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/exp/mmap"
)

// BufferID disambiguates simultaneously-live reads for a Provider that
// pages through a small internal buffer rather than exposing a whole
// mapped file; a probe against a hash table and the record it points
// at need independent buffers so reading one doesn't invalidate the
// other. Memory-mapped providers can safely ignore it. See §4.3/§9.
type BufferID int

const (
	BufDefault BufferID = iota
	BufHashTable
	BufData
)

const writeBufSize = 4096

// Provider is the file-I/O contract both Reader and Writer go
// through. The default, FileProvider, memory-maps for reading and
// streams buffered writes for building; a caller may substitute any
// type satisfying this interface (a compressed archive, a network
// store) and the on-disk format is unaffected.
type Provider interface {
	// Open prepares the provider for reading and discovers Size().
	Open() error
	// Create prepares the provider for writing from byte 0.
	Create() error
	// Get returns length bytes starting at pos. Implementations that
	// memory-map may return a slice aliasing the mapping; others may
	// return a freshly allocated copy — callers must not assume
	// either, only that the slice is valid until the Provider is
	// closed or (for buffered providers) until the next Get call
	// using the same BufferID.
	Get(length int, pos uint32, id BufferID) ([]byte, error)
	// Pread copies length(buf) bytes starting at pos into buf.
	Pread(buf []byte, pos uint32) error
	// Seek repositions the write cursor.
	Seek(pos uint32) error
	// Write appends buf at the current write cursor, advancing it.
	// It must write every byte of buf or return an error.
	Write(buf []byte) error
	// Close releases the underlying descriptor or mapping exactly
	// once. It must leave the Provider safe to call again after a
	// failed Open/Create.
	Close() error
	// Size returns the file size discovered by Open; 0 before Open
	// or while only writing.
	Size() uint32
}

// FileProvider is the default Provider, backed by a single *os.File
// used for either the read half (memory-mapped) or the write half
// (buffered), mirroring the single posix_file implementation in the
// format's reference C source that serves cdb_init and cdb_make_start
// alike from one vtable.
type FileProvider struct {
	file *os.File

	mm    *mmap.ReaderAt
	fsize uint32

	w *bufio.Writer
}

// NewFileProvider wraps an already-open *os.File. The file is not
// read or written until Open or Create is called.
func NewFileProvider(f *os.File) *FileProvider {
	return &FileProvider{file: f}
}

func (p *FileProvider) Open() error {
	r, err := mmap.Open(p.file.Name())
	if err != nil {
		return fmt.Errorf("cdb: open %q: %w", p.file.Name(), err)
	}
	if r.Len() < 0 || uint64(r.Len()) > 0xffffffff {
		size := r.Len()
		r.Close()
		return fmt.Errorf("%w: file size %d exceeds the 32-bit format limit", ErrProtocol, size)
	}
	p.mm = r
	p.fsize = uint32(r.Len())
	return nil
}

func (p *FileProvider) Create() error {
	if _, err := p.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := p.file.Truncate(0); err != nil {
		return err
	}
	p.w = bufio.NewWriterSize(p.file, writeBufSize)
	return nil
}

func (p *FileProvider) Size() uint32 { return p.fsize }

func (p *FileProvider) Get(length int, pos uint32, _ BufferID) ([]byte, error) {
	buf := make([]byte, length)
	if err := p.Pread(buf, pos); err != nil {
		return nil, err
	}
	return buf, nil
}

// Pread reads back len(buf) bytes at pos. While building, this flushes
// the write buffer first and reads through the file descriptor
// directly — duplicate-key detection during Put needs to read a
// record this same Writer wrote moments ago.
func (p *FileProvider) Pread(buf []byte, pos uint32) error {
	if p.mm != nil {
		if _, err := p.mm.ReadAt(buf, int64(pos)); err != nil {
			return fmt.Errorf("cdb: mmap read at %d: %w", pos, err)
		}
		return nil
	}
	if p.w != nil {
		if err := p.w.Flush(); err != nil {
			return fmt.Errorf("cdb: flush before read-back: %w", err)
		}
	}
	if _, err := p.file.ReadAt(buf, int64(pos)); err != nil {
		return fmt.Errorf("cdb: read at %d: %w", pos, err)
	}
	return nil
}

func (p *FileProvider) Seek(pos uint32) error {
	if p.w == nil {
		return errors.New("cdb: provider not opened for writing")
	}
	if err := p.w.Flush(); err != nil {
		return err
	}
	_, err := p.file.Seek(int64(pos), io.SeekStart)
	return err
}

func (p *FileProvider) Write(buf []byte) error {
	if p.w == nil {
		return errors.New("cdb: provider not opened for writing")
	}
	n, err := p.w.Write(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("cdb: short write: wrote %d of %d bytes", n, len(buf))
	}
	return nil
}

// Close flushes any pending write and releases the mapping if one was
// opened. It never closes the underlying *os.File — that file was
// handed to NewFileProvider by its caller and remains theirs to close.
func (p *FileProvider) Close() error {
	if p.w != nil {
		if err := p.w.Flush(); err != nil {
			return err
		}
	}
	if p.mm != nil {
		return p.mm.Close()
	}
	return nil
}
