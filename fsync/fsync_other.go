//go:build !linux

package fsync

import "os"

func fdatasync(f *os.File) error {
	return f.Sync()
}

// dirSync is best effort: some platforms (Windows) cannot sync directories.
func dirSync(f *os.File) error {
	_ = f.Sync()
	return nil
}
