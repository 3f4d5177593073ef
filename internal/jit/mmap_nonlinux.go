//go:build !linux

// 双视图映射依赖 memfd_create，目前只在 Linux 上提供。
// 其他平台按配置回退到单视图模式或放弃初始化。

package jit

func newDualMapping(capacity uintptr, isZygote bool) (*mapping, error) {
	return nil, ErrDualViewUnavailable
}
