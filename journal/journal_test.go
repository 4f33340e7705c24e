package journal_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/andreyvit/mvdb/journal"
	"github.com/andreyvit/mvdb/journal/journaltest"
)

const magic = "'JOURNLAT"
const header1 = "0/ver 0/pad 0_0/flags 0../pad"
const header2 = "0*32/journal_inv 0*32/seg_inv 0...*3/reserved"

func TestJournal_trivial(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	ensure(j.WriteRecord(0, []byte("hello")))
	ensure(j.WriteRecord(0, []byte("w")))
	j.Advance(1000 * time.Second)
	ensure(j.WriteRecord(0, []byte("orld")))
	ensure(j.Commit())
	j.FinishWriting()

	files := j.FileNames()
	deepEq(t, files, []string{"history-000000000001-20240101T000000-0000000000000001.jrnl"})

	j.Eq(files[0], shdr("1.. 80_00_92_65 0...", "e984dc85563d5731"),
		"#10 #0 'hello",
		"#2 #0 'w",
		"#8 #1000 'orld",
		"7d_33_a6_68_73_e0_8f_ee",
	)
}

func shdr(inside, check string) string {
	return magic + " " + header1 + " " +
		inside + " " + header2 + " " + check
}

func deepEq[T any](t testing.TB, a, e T) bool {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
		return false
	}
	return true
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}

func readAll(t testing.TB, j *journaltest.TestJournal) []string {
	t.Helper()
	return j.Records()
}

func TestJournal_readBack(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	ensure(j.WriteRecord(0, []byte("hello")))
	ensure(j.WriteRecord(0, []byte("world")))
	ensure(j.Commit())
	j.Advance(5 * time.Second)
	ensure(j.WriteRecord(0, []byte("again")))
	ensure(j.Commit())

	deepEq(t, readAll(t, j), []string{"hello", "world", "again"})

	var last journal.Record
	ensure(j.ReadAll(func(rec journal.Record) error {
		last = rec
		return nil
	}))
	deepEq(t, last.Time(), journaltest.Start.Add(5*time.Second))
	deepEq(t, last.Segment, uint32(1))
}

func TestJournal_uncommittedTailIgnored(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	ensure(j.WriteRecord(0, []byte("kept")))
	ensure(j.Commit())
	ensure(j.FinishWriting())

	files := j.FileNames()
	deepEq(t, len(files), 1)
	data := j.Data(files[0])
	j.Put(files[0], journaltest.HexDumpless(data), "#8 #0 'torn")

	deepEq(t, readAll(t, j), []string{"kept"})
}

func TestJournal_corruptedTrailerDropsGroup(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	ensure(j.WriteRecord(0, []byte("a")))
	ensure(j.Commit())
	ensure(j.WriteRecord(0, []byte("b")))
	ensure(j.Commit())
	ensure(j.FinishWriting())

	files := j.FileNames()
	data := j.Data(files[0])
	data[len(data)-1] ^= 0xFF
	j.Put(files[0], journaltest.HexDumpless(data))

	deepEq(t, readAll(t, j), []string{"a"})
}

func TestJournal_rotation(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{MaxFileSize: 150})
	ensure(j.WriteRecord(0, []byte("first record that is long enough")))
	ensure(j.Commit())
	ensure(j.WriteRecord(0, []byte("second")))
	ensure(j.Commit())

	files := j.FileNames()
	deepEq(t, files, []string{
		"history-000000000001-20240101T000000-0000000000000001.jrnl",
		"history-000000000002-20240101T000000-0000000000000002.jrnl",
	})
	deepEq(t, readAll(t, j), []string{"first record that is long enough", "second"})
}

func TestJournal_reopenContinuesSequence(t *testing.T) {
	j := journaltest.Writable(t, journal.Options{})
	ensure(j.WriteRecord(0, []byte("one")))
	ensure(j.Commit())
	ensure(j.FinishWriting())

	j.StartWriting()
	ensure(j.WriteRecord(0, []byte("two")))
	ensure(j.Commit())
	ensure(j.FinishWriting())

	deepEq(t, len(j.FileNames()), 2)
	deepEq(t, readAll(t, j), []string{"one", "two"})
}

func TestJournal_readOnly(t *testing.T) {
	j := journal.New(t.TempDir(), journal.Options{})
	if err := j.WriteRecord(0, []byte("x")); err != journal.ErrReadOnly {
		t.Errorf("WriteRecord = %v, wanted ErrReadOnly", err)
	}
}
