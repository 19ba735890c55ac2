package cdb

import (
	"encoding/binary"
	"io/ioutil"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

// keysAvoidingSlotZero returns n keys none of which hash into slot 0,
// for exercising the case where slot 0 — whose pos field doubles as
// the file's redundant data_end word — has no records of its own.
func keysAvoidingSlotZero(n int) [][]byte {
	h := NewHash()
	keys := make([][]byte, 0, n)
	for i := 0; len(keys) < n; i++ {
		key := []byte("key" + strconv.Itoa(i))
		h.Reset()
		h.Write(key)
		if h.Sum32()&0xff == 0 {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

// A database whose slot 0 happens to hold no records must still be
// fully readable: slot 0's TOC entry doubles as the file's redundant
// data_end word at byte 0, so Finish must record the true data_end
// there even when slot 0 itself is empty.
func TestRoundTripSurvivesEmptySlotZero(t *testing.T) {
	f, err := ioutil.TempFile("", "test_adv_slot0_*.cdb")
	require.NoError(t, err)
	defer os.Remove(f.Name())
	defer f.Close()

	handle := New()
	writer, err := handle.GetWriter(f)
	require.NoError(t, err)

	keys := keysAvoidingSlotZero(10)
	for i, key := range keys {
		require.NoError(t, writer.Put(key, []byte("v"+strconv.Itoa(i))))
	}
	require.NoError(t, writer.Close())

	reader, err := handle.GetReader(f)
	require.NoError(t, err)
	defer reader.Close()

	require.Equal(t, len(keys), reader.Size())

	for i, key := range keys {
		val, err := reader.Get(key)
		require.NoErrorf(t, err, "key %s", key)
		require.Equal(t, "v"+strconv.Itoa(i), string(val))
	}
}

// A zero-byte file is smaller than the 2 KiB table of contents and
// must be rejected up front, not read out of bounds.
func TestOpenRejectsZeroByteFile(t *testing.T) {
	f, err := ioutil.TempFile("", "test_adv_empty_*.cdb")
	require.NoError(t, err)
	defer os.Remove(f.Name())
	defer f.Close()

	handle := New()
	_, err = handle.GetReader(f)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrProtocol)
}

// A file exactly the size of the table of contents, all zero, is a
// valid (if useless) empty database: every slot has num == 0.
func TestOpenAcceptsBareTOC(t *testing.T) {
	f, err := ioutil.TempFile("", "test_adv_bare_*.cdb")
	require.NoError(t, err)
	defer os.Remove(f.Name())
	defer f.Close()

	require.NoError(t, f.Truncate(tocSize))

	handle := New()
	reader, err := handle.GetReader(f)
	require.NoError(t, err)
	defer reader.Close()

	_, err = reader.Get([]byte("anything"))
	require.ErrorIs(t, err, ErrEntryNotFound)
}

// A hash-table entry claiming a record count that would overrun the
// file must fail with ErrProtocol, not panic or read out of bounds.
func TestFindRejectsOversizedTableClaim(t *testing.T) {
	f, err := ioutil.TempFile("", "test_adv_oversize_*.cdb")
	require.NoError(t, err)
	defer os.Remove(f.Name())
	defer f.Close()

	probeKey := []byte("probe")
	h := NewHash()
	h.Write(probeKey)
	slot := h.Sum32() & 0xff

	buf := make([]byte, tocSize+16)
	// probeKey's slot table: pos = tocSize, num = a count far larger
	// than the file could possibly hold.
	binary.LittleEndian.PutUint32(buf[slot*8:slot*8+4], tocSize)
	binary.LittleEndian.PutUint32(buf[slot*8+4:slot*8+8], 1<<20)
	require.NoError(t, ioutil.WriteFile(f.Name(), buf, 0o600))

	f2, err := os.Open(f.Name())
	require.NoError(t, err)
	defer f2.Close()

	handle := New()
	reader, err := handle.GetReader(f2)
	require.NoError(t, err)
	defer reader.Close()

	_, _, err = reader.Core().Find(probeKey)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrProtocol)
}

// A file whose first word (the redundantly-stored data_end) claims an
// impossible value must still clamp safely and never crash: every
// find either reports not found or a protocol error.
func TestOpenClampsImpossibleDataEnd(t *testing.T) {
	f, err := ioutil.TempFile("", "test_adv_dataend_*.cdb")
	require.NoError(t, err)
	defer os.Remove(f.Name())
	defer f.Close()

	buf := make([]byte, tocSize)
	binary.LittleEndian.PutUint32(buf[0:4], 0xffffffff)
	require.NoError(t, ioutil.WriteFile(f.Name(), buf, 0o600))

	f2, err := os.Open(f.Name())
	require.NoError(t, err)
	defer f2.Close()

	handle := New()
	reader, err := handle.GetReader(f2)
	require.NoError(t, err)
	defer reader.Close()

	_, ok, err := reader.Core().Find([]byte("anything"))
	if err != nil {
		require.ErrorIs(t, err, ErrProtocol)
	} else {
		require.False(t, ok)
	}
}

// A key longer than data_end can never match anything and must be
// rejected cheaply rather than probed.
func TestFindRejectsKeyLongerThanDataSection(t *testing.T) {
	f, err := ioutil.TempFile("", "test_adv_longkey_*.cdb")
	require.NoError(t, err)
	defer os.Remove(f.Name())
	defer f.Close()

	require.NoError(t, f.Truncate(tocSize))

	handle := New()
	reader, err := handle.GetReader(f)
	require.NoError(t, err)
	defer reader.Close()

	longKey := make([]byte, tocSize*2)
	_, ok, err := reader.Core().Find(longKey)
	require.NoError(t, err)
	require.False(t, ok)
}

// Record headers whose klen/vlen would overflow a 32-bit sum of
// (rpos + 8 + klen + vlen) must be caught by the uint64-widened bounds
// check rather than wrapping around and appearing to fit.
func TestReadCandidateRejectsOverflowingLengths(t *testing.T) {
	f, err := ioutil.TempFile("", "test_adv_overflow_*.cdb")
	require.NoError(t, err)
	defer os.Remove(f.Name())
	defer f.Close()

	handle := New()
	writer, err := handle.GetWriter(f)
	require.NoError(t, err)
	require.NoError(t, writer.Put([]byte("k"), []byte("v")))
	require.NoError(t, writer.Close())

	// Corrupt the on-disk record's vlen to a huge value that would
	// overflow a 32-bit offset sum. klen is left intact so the key
	// still matches and the value bounds check is reached.
	raw, err := ioutil.ReadFile(f.Name())
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(raw[tocSize+4:tocSize+8], 0xfffffff0)
	require.NoError(t, ioutil.WriteFile(f.Name(), raw, 0o600))

	f2, err := os.Open(f.Name())
	require.NoError(t, err)
	defer f2.Close()

	reader2, err := handle.GetReader(f2)
	require.NoError(t, err)
	defer reader2.Close()

	_, _, err = reader2.Core().Find([]byte("k"))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrProtocol)
}
