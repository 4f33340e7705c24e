// Package journaltest opens journals in temporary directories with a fake
// clock and describes expected file contents in a compact hex notation.
package journaltest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/andreyvit/mvdb/journal"
)

// Start is the fake clock reading of a fresh TestJournal.
var Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// FilePattern matches the segment names used by the history journal.
const FilePattern = "history-*.jrnl"

type TestJournal struct {
	*journal.Journal

	T   testing.TB
	Dir string

	now time.Time
}

// Writable opens a journal for writing in t.TempDir(). Log output goes to t.Log.
func Writable(t testing.TB, o journal.Options) *TestJournal {
	j := &TestJournal{
		T:   t,
		Dir: t.TempDir(),
		now: Start,
	}
	o.FileName = FilePattern
	o.Now = func() time.Time { return j.now }
	o.Logger = slog.New(slog.NewTextHandler(testLog{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	o.Verbose = true
	o.NoSync = true

	j.Journal = journal.New(j.Dir, o)
	j.StartWriting()
	t.Cleanup(func() {
		if err := j.FinishWriting(); err != nil {
			t.Error(err)
		}
	})
	return j
}

func (j *TestJournal) Advance(d time.Duration) {
	j.now = j.now.Add(d)
}

// Eq compares a file with the bytes described by expected (see Expand).
func (j *TestJournal) Eq(fileName string, expected ...string) {
	j.T.Helper()
	BytesEq(j.T, j.Data(fileName), Expand(expected...))
}

// Put replaces a file with the bytes described by specs.
func (j *TestJournal) Put(fileName string, specs ...string) {
	if err := os.WriteFile(filepath.Join(j.Dir, fileName), Expand(specs...), 0o644); err != nil {
		j.T.Fatal(err)
	}
}

// Data returns the contents of a file, or nil if it does not exist.
func (j *TestJournal) Data(fileName string) []byte {
	b, err := os.ReadFile(filepath.Join(j.Dir, fileName))
	if err != nil && !os.IsNotExist(err) {
		j.T.Fatalf("reading %v: %v", fileName, err)
	}
	return b
}

func (j *TestJournal) FileNames() []string {
	entries, err := os.ReadDir(j.Dir)
	if err != nil {
		j.T.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	slices.Sort(names)
	return names
}

// Records reads back every committed record as a string.
func (j *TestJournal) Records() []string {
	j.T.Helper()
	var out []string
	err := j.ReadAll(func(rec journal.Record) error {
		out = append(out, string(rec.Data))
		return nil
	})
	if err != nil {
		j.T.Fatal(err)
	}
	return out
}

type testLog struct{ t testing.TB }

func (l testLog) Write(buf []byte) (int, error) {
	l.t.Log(strings.TrimSuffix(string(buf), "\n"))
	return len(buf), nil
}

// Expand turns whitespace-separated elements into bytes:
//
//	ab_cd       hex bytes (underscores and odd digits split bytes)
//	#300        uvarint
//	'text       literal text up to the next space
//	x*3         element repeated three times
//	x../y...    x, zero padded to 4/8 bytes, then y
//	x/comment   everything after a slash is ignored
func Expand(specs ...string) []byte {
	var out []byte
	for _, spec := range specs {
		for _, elem := range strings.Fields(spec) {
			var err error
			if out, err = expandElem(out, elem); err != nil {
				panic(fmt.Errorf("%w in element %q", err, elem))
			}
		}
	}
	return out
}

func expandElem(out []byte, elem string) ([]byte, error) {
	elem, _, _ = strings.Cut(elem, "/")
	if elem == "" {
		return out, nil
	}
	elem, repStr, _ := strings.Cut(elem, "*")
	rep := 1
	if repStr != "" {
		var err error
		if rep, err = strconv.Atoi(repStr); err != nil {
			return nil, fmt.Errorf("invalid repeat count %q", repStr)
		}
	}

	pad := 0
	left, right, ok := strings.Cut(elem, "...")
	if ok {
		pad = 8
	} else if left, right, ok = strings.Cut(elem, ".."); ok {
		pad = 4
	}
	lb, err := decodeHexish(nil, left)
	if err != nil {
		return nil, err
	}
	rb, err := decodeHexish(nil, right)
	if err != nil {
		return nil, err
	}

	for range rep {
		out = append(out, lb...)
		for n := len(lb) + len(rb); n < pad; n++ {
			out = append(out, 0)
		}
		out = append(out, rb...)
	}
	return out, nil
}

func decodeHexish(out []byte, s string) ([]byte, error) {
	if dec, ok := strings.CutPrefix(s, "#"); ok {
		v, err := strconv.ParseUint(dec, 10, 64)
		if err != nil {
			return nil, err
		}
		return binary.AppendUvarint(out, v), nil
	}
	if text, ok := strings.CutPrefix(s, "'"); ok {
		return append(out, text...), nil
	}

	half := -1
	for _, c := range []byte(s) {
		var v int
		switch {
		case c == '_' || c == ' ':
			if half >= 0 {
				out = append(out, byte(half))
				half = -1
			}
			continue
		case c >= '0' && c <= '9':
			v = int(c - '0')
		case c >= 'a' && c <= 'f':
			v = int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v = int(c-'A') + 10
		default:
			return nil, fmt.Errorf("invalid char '%c'", c)
		}
		if half < 0 {
			half = v
		} else {
			out = append(out, byte(half<<4|v))
			half = -1
		}
	}
	if half >= 0 {
		out = append(out, byte(half))
	}
	return out, nil
}

// HexDump renders b as 8-byte lines, marking the byte at mark with '>'.
func HexDump(b []byte, mark int) string {
	var buf strings.Builder
	for off := 0; ; off += 8 {
		fmt.Fprintf(&buf, "%08x", off)
		if off >= len(b) {
			buf.WriteByte('\n')
			return buf.String()
		}
		line := b[off:min(off+8, len(b))]
		for i := range 8 {
			switch {
			case i >= len(line):
				buf.WriteString("   ")
				continue
			case off+i == mark:
				buf.WriteByte('>')
			default:
				buf.WriteByte(' ')
			}
			fmt.Fprintf(&buf, "%02x", line[i])
		}
		buf.WriteString("  |")
		for _, c := range line {
			if c < 32 || c > 126 {
				c = '.'
			}
			buf.WriteByte(c)
		}
		buf.WriteString("|\n")
		if off+8 >= len(b) {
			return buf.String()
		}
	}
}

// BytesEq reports a hex dump of both sides when a and e differ.
func BytesEq(t testing.TB, a, e []byte) bool {
	if bytes.Equal(a, e) {
		return true
	}
	off := min(len(a), len(e))
	for i := range off {
		if a[i] != e[i] {
			off = i
			break
		}
	}
	t.Helper()
	t.Errorf("** got:\n%v\nwanted:\n%v\nfirst difference offset: 0x%x (%d)", HexDump(a, off), HexDump(e, off), off, off)
	return false
}

// HexDumpless formats b as an Expand-compatible hex string.
func HexDumpless(b []byte) string {
	return fmt.Sprintf("%x", b)
}
