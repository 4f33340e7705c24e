package mvdb

import (
	"encoding/binary"
)

// A stored value is a version chain: every committed version of one key that is
// still retained, newest first.
//
//	chain := flags:uvarint count:uvarint entry*
//	entry := version:uvarint entryFlags:uvarint data:varbytes
const (
	chainFormatVer1 = 1

	cfVer1          = chainFlags(chainFormatVer1)
	cfSupportedMask = cfVer1

	efTombstone     = entryFlags(1)
	efSupportedMask = efTombstone

	maxChainLength = 1 << 20 // sanity value
)

type (
	chainFlags uint64
	entryFlags uint64
)

type versionEntry struct {
	Version uint64
	Deleted bool
	Data    []byte
}

type chain []versionEntry

// latest returns the newest entry, or nil if there is none.
func (c chain) latest() *versionEntry {
	if len(c) == 0 {
		return nil
	}
	return &c[0]
}

// at returns the newest entry with Version <= v.
func (c chain) at(v uint64) *versionEntry {
	for i := range c {
		if c[i].Version <= v {
			return &c[i]
		}
	}
	return nil
}

func (c chain) push(e versionEntry) chain {
	if len(c) > 0 && c[0].Version >= e.Version {
		if c[0].Version == e.Version {
			c[0] = e
			return c
		}
		panic(inconsistencyf("version chain out of order: pushing %d on top of %d", e.Version, c[0].Version))
	}
	out := make(chain, 0, len(c)+1)
	out = append(out, e)
	return append(out, c...)
}

// truncateAfter drops all entries newer than v.
func (c chain) truncateAfter(v uint64) chain {
	for i := range c {
		if c[i].Version <= v {
			return c[i:]
		}
	}
	return nil
}

// reclaimBelow drops entries that no reader at or after floor can observe: all
// entries older than the newest entry at or below floor. A chain that ends up
// holding only a tombstone at or below floor is dropped entirely.
func (c chain) reclaimBelow(floor uint64) (chain, int) {
	for i := range c {
		if c[i].Version <= floor {
			dropped := len(c) - i - 1
			if i == 0 && c[0].Deleted {
				return nil, len(c)
			}
			return c[:i+1], dropped
		}
	}
	return c, 0
}

func (c chain) appendEncoded(buf []byte) []byte {
	buf = appendUvarint(buf, uint64(cfVer1))
	buf = appendUvarint(buf, uint64(len(c)))
	for _, e := range c {
		var ef entryFlags
		if e.Deleted {
			ef |= efTombstone
		}
		buf = appendUvarint(buf, e.Version)
		buf = appendUvarint(buf, uint64(ef))
		buf = appendVarbytes(buf, e.Data)
	}
	return buf
}

// decodeChain decodes a chain. Entry data is copied, so the result stays valid
// after the storage transaction ends.
func decodeChain(data []byte) (chain, error) {
	d := makeByteDecoder(data)
	v, err := d.Uvarint()
	if err != nil {
		return nil, err
	}
	if (chainFlags(v) &^ cfSupportedMask) != 0 {
		return nil, dataErrf(data, 0, nil, "invalid chain: unsupported flags %x", v)
	}
	n, err := d.Uvarinti()
	if err != nil {
		return nil, err
	}
	if n > maxChainLength {
		return nil, dataErrf(data, d.Off(), nil, "invalid chain: length %d", n)
	}
	c := make(chain, 0, n)
	var prev uint64
	for i := 0; i < n; i++ {
		var e versionEntry
		e.Version, err = d.Uvarint()
		if err != nil {
			return nil, err
		}
		if i > 0 && e.Version >= prev {
			return nil, dataErrf(data, d.Off(), nil, "invalid chain: version %d after %d", e.Version, prev)
		}
		prev = e.Version
		f, err := d.Uvarint()
		if err != nil {
			return nil, err
		}
		if (entryFlags(f) &^ efSupportedMask) != 0 {
			return nil, dataErrf(data, d.Off(), nil, "invalid chain entry: unsupported flags %x", f)
		}
		e.Deleted = entryFlags(f)&efTombstone != 0
		raw, err := d.VarBytes()
		if err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			e.Data = append([]byte(nil), raw...)
		}
		c = append(c, e)
	}
	if len(d.Buf) != 0 {
		return nil, dataErrf(data, d.Off(), nil, "invalid chain: %d trailing bytes", len(d.Buf))
	}
	return c, nil
}

func appendVersionKey(buf []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(buf, v)
}

func decodeVersionKey(k []byte) (uint64, error) {
	if len(k) != 8 {
		return 0, dataErrf(k, 0, nil, "invalid version key")
	}
	return binary.BigEndian.Uint64(k), nil
}
