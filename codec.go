package cdb

import "encoding/binary"

// pack and unpack are the sole entry points for the file's integer
// encoding: every multi-byte integer on disk is little-endian, per
// §4.2 of the format.
func pack(u uint32) [4]byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], u)
	return b
}

func unpack(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}
