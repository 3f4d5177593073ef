//go:build amd64

// x86-64 的指令缓存对同地址空间的写入保持一致，
// 跨核的流水线失效交给 pipelineSync。

package jit

func flushCaches(alloc DualPointer, size uintptr) error {
	return nil
}
