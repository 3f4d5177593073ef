//go:build linux

// pipeline_linux.go - 跨核指令流水线同步
//
// 提交新代码后，其他核可能仍持有旧指令的预取结果。
// membarrier(SYNC_CORE) 让内核在每个核上执行一次串行化屏障，
// 等价于向所有线程广播 context synchronization。
// 使用 PRIVATE_EXPEDITED_SYNC_CORE 前必须先注册。

package jit

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// membarrier 命令字，按内核 ABI 定义（x/sys/unix 只导出系统调用号）
const (
	membarrierCmdGlobal                           = 1 << 0
	membarrierCmdPrivateExpeditedSyncCore         = 1 << 5
	membarrierCmdRegisterPrivateExpeditedSyncCore = 1 << 6
)

func membarrier(cmd int) error {
	_, _, errno := unix.Syscall(unix.SYS_MEMBARRIER, uintptr(cmd), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// registerPipelineSync 注册 sync-core 屏障意图（初始化时调用一次）
//
// 老内核没有 SYNC_CORE 命令：此时退化为全局 membarrier，
// 注册失败不视为致命。
func registerPipelineSync() bool {
	err := membarrier(membarrierCmdRegisterPrivateExpeditedSyncCore)
	return err == nil
}

func pipelineSync(registered bool) error {
	if registered {
		if err := membarrier(membarrierCmdPrivateExpeditedSyncCore); err != nil {
			return fmt.Errorf("%w: membarrier sync-core: %v", ErrCacheFlush, err)
		}
		return nil
	}
	// 退化路径：全局屏障，慢但语义足够
	if err := membarrier(membarrierCmdGlobal); err != nil {
		return fmt.Errorf("%w: membarrier global: %v", ErrCacheFlush, err)
	}
	return nil
}
