//go:build !linux

package sys

// Preallocate is a no-op on platforms without a fallocate-style syscall.
func Preallocate(f File, size int64) error {
	return nil
}
