package fsync

import (
	"os"

	"golang.org/x/sys/unix"
)

func fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}

func dirSync(f *os.File) error {
	return unix.Fsync(int(f.Fd()))
}
