// Package fsync flushes written files to stable storage.
package fsync

import "os"

// Fdatasync triggers the fastest fsync-like operation that ensures durability
// of the data written to f. It may be faster than f.Sync() because it does
// not flush metadata (modification time and such) that durability of the
// data does not depend on.
//
// Errors returned by this function are not recoverable: many file systems mark
// pages clean after a failed flush, so the only sensible handling is to treat
// the file as corrupted.
func Fdatasync(f *os.File) error {
	return fdatasync(f)
}

// Dir flushes the directory entry list, making renames and file creations in
// dir durable.
func Dir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return dirSync(f)
}
