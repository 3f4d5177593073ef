//go:build arm64 && unix

// arm64 的数据缓存与指令缓存不保证一致。写入走的是可写视图，
// 先把写视图的脏行冲刷到共同的物理页，跨核的指令预取失效再由
// pipelineSync 的 sync-core 屏障完成。
// 任一步失败都按硬提交失败处理，该分配被废弃。

package jit

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

func flushCaches(alloc DualPointer, size uintptr) error {
	// msync 要求页对齐地址：范围向外扩到页边界
	pageSize := uintptr(os.Getpagesize())
	start := alloc.Write() &^ (pageSize - 1)
	end := (alloc.Write() + size + pageSize - 1) &^ (pageSize - 1)

	written := unsafe.Slice((*byte)(unsafe.Pointer(start)), end-start)
	if err := unix.Msync(written, unix.MS_SYNC); err != nil {
		return fmt.Errorf("%w: msync: %v", ErrCacheFlush, err)
	}
	return nil
}
