//go:build linux

package sys

import (
	"golang.org/x/sys/unix"
)

// Preallocate best-effort reserves size bytes for f using fallocate, so the
// filesystem can lay the file out contiguously. It is purely a performance
// hint; nothing in this module calls it.
func Preallocate(f File, size int64) error {
	type fder interface{ Fd() uintptr }
	fd, ok := f.(fder)
	if !ok {
		return nil
	}
	return unix.Fallocate(int(fd.Fd()), 0, 0, size)
}
