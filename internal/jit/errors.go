// errors.go - 代码缓存错误分类
//
// 错误通过显式返回值传递给直接调用方，没有异步传播：
//   - 初始化时的 OS 映射失败对 JIT 子系统是致命的，
//     外层调用方退回纯解释执行；
//   - 分配耗尽通过空值/零地址表达，重试策略由调用方决定；
//   - 提交后的缓存刷新失败视为硬失败，该分配被废弃。

package jit

import "errors"

var (
	// ErrMappingUnsupported 当前平台不支持所需的内存映射方式
	ErrMappingUnsupported = errors.New("jit: code cache mapping not supported on this platform")

	// ErrDualViewUnavailable 双视图映射不可用且未允许回退
	ErrDualViewUnavailable = errors.New("jit: dual-view mapping unavailable and rwx fallback not permitted")

	// ErrCacheFlush 提交代码后的缓存刷新/流水线同步失败
	ErrCacheFlush = errors.New("jit: cache flush after code commit failed")

	// ErrRegionClosed 内存区已关闭
	ErrRegionClosed = errors.New("jit: memory region closed")

	// ErrBadCapacity 容量参数非法
	ErrBadCapacity = errors.New("jit: invalid code cache capacity")
)
