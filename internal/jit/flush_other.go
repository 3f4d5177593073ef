//go:build !amd64 && !(arm64 && unix)

package jit

func flushCaches(alloc DualPointer, size uintptr) error {
	return ErrCacheFlush
}
