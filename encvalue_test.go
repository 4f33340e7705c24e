package mvdb

import (
	"errors"
	"testing"
)

func TestChain_encoding(t *testing.T) {
	c := chain{
		{Version: 7, Data: []byte("new")},
		{Version: 5, Deleted: true},
		{Version: 2, Data: []byte("old")},
	}
	raw := c.appendEncoded(nil)
	deepEqual(t, hexstr(raw), "0103"+"0700"+"036e6577"+"050100"+"0200"+"036f6c64")

	got, err := decodeChain(raw)
	ensure(err)
	deepEqual(t, got, c)
}

func TestChain_decodeErrors(t *testing.T) {
	tests := []struct {
		name string
		hex  string
	}{
		{"empty", ""},
		{"unsupported flags", "0200"},
		{"versions out of order", "0102" + "0200" + "00" + "0500" + "00"},
		{"duplicate version", "0102" + "0200" + "00" + "0200" + "00"},
		{"unsupported entry flags", "0101" + "0204" + "00"},
		{"truncated data", "0101" + "0200" + "05aa"},
		{"trailing bytes", "0101" + "0200" + "00" + "ff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeChain(x(tt.hex))
			var de *DataError
			if !errors.As(err, &de) {
				t.Fatalf("** decodeChain(%s) err = %v, wanted *DataError", tt.hex, err)
			}
		})
	}
}

func TestChain_at(t *testing.T) {
	c := chain{{Version: 7}, {Version: 5, Deleted: true}, {Version: 2}}
	deepEqual(t, c.latest().Version, uint64(7))
	deepEqual(t, c.at(9).Version, uint64(7))
	deepEqual(t, c.at(6).Version, uint64(5))
	deepEqual(t, c.at(2).Version, uint64(2))
	isnil(t, c.at(1))
	isnil(t, chain(nil).latest())
}

func TestChain_push(t *testing.T) {
	var c chain
	c = c.push(versionEntry{Version: 1, Data: []byte("a")})
	c = c.push(versionEntry{Version: 3, Data: []byte("b")})
	c = c.push(versionEntry{Version: 3, Data: []byte("c")})
	deepEqual(t, versions(c), []uint64{3, 1})
	deepEqual(t, string(c.latest().Data), "c")

	defer func() {
		if recover() == nil {
			t.Fatalf("** push of an older version did not panic")
		}
	}()
	c.push(versionEntry{Version: 2})
}

func TestChain_truncateAfter(t *testing.T) {
	c := chain{{Version: 7}, {Version: 5}, {Version: 2}}
	deepEqual(t, versions(c.truncateAfter(9)), []uint64{7, 5, 2})
	deepEqual(t, versions(c.truncateAfter(6)), []uint64{5, 2})
	deepEqual(t, versions(c.truncateAfter(2)), []uint64{2})
	isempty(t, c.truncateAfter(1))
}

func TestChain_reclaimBelow(t *testing.T) {
	c := chain{{Version: 7}, {Version: 5}, {Version: 2}}

	r, n := c.reclaimBelow(1)
	deepEqual(t, versions(r), []uint64{7, 5, 2})
	deepEqual(t, n, 0)

	r, n = c.reclaimBelow(6)
	deepEqual(t, versions(r), []uint64{7, 5})
	deepEqual(t, n, 1)

	r, n = c.reclaimBelow(7)
	deepEqual(t, versions(r), []uint64{7})
	deepEqual(t, n, 2)

	// a tombstone nobody can see past is dropped with its chain
	dead := chain{{Version: 4, Deleted: true}, {Version: 2}}
	r, n = dead.reclaimBelow(4)
	isempty(t, r)
	deepEqual(t, n, 2)

	// but it stays while an older reader may still see it
	r, n = dead.reclaimBelow(3)
	deepEqual(t, versions(r), []uint64{4, 2})
	deepEqual(t, n, 0)
}

func TestVersionKey(t *testing.T) {
	k := appendVersionKey(nil, 0x0102)
	deepEqual(t, hexstr(k), "0000000000000102")
	deepEqual(t, must(decodeVersionKey(k)), uint64(0x0102))
	_, err := decodeVersionKey([]byte{1})
	if err == nil {
		t.Errorf("** decodeVersionKey(short) succeeded")
	}
}

func versions(c chain) []uint64 {
	out := []uint64{}
	for _, e := range c {
		out = append(out, e.Version)
	}
	return out
}
