package cdb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestDJBHashVectors checks the hash against known values: 5381 for
// the empty string, and the values the djb2-xor update yields for "a"
// and "abc".
func TestDJBHashVectors(t *testing.T) {
	cases := []struct {
		in   string
		want uint32
	}{
		{"", 5381},
		{"a", 177604},
		{"abc", 193409669},
	}

	for _, c := range cases {
		h := NewHash()
		h.Reset()
		_, err := h.Write([]byte(c.in))
		require.NoError(t, err)
		require.Equalf(t, c.want, h.Sum32(), "hash(%q)", c.in)
	}
}

func TestDJBHashResetReusable(t *testing.T) {
	h := NewHash()
	h.Write([]byte("abc"))
	first := h.Sum32()

	h.Reset()
	h.Write([]byte("abc"))
	require.Equal(t, first, h.Sum32())
}
