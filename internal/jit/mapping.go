// mapping.go - 代码缓存的底层 OS 映射
//
// 一次性预留 [数据半区 | 代码半区] 的完整地址区间：
//
//	双视图模式：匿名共享内存文件被映射两次：代码半区在预留
//	区间内以 RX 固定映射（执行视图），同一段页另以 RW 映射在
//	别处（影子视图）。任何字节都不会同时可写可执行。
//
//	单视图模式（回退）：一段普通匿名映射，代码半区平时 RX，
//	写入期间临时切到 RW（作用域写窗口）。
//
// 平台实现见 mmap_*.go。

package jit

// mapping 底层映射句柄
type mapping struct {
	// base 预留区间 [数据写视图 | 代码执行视图]
	base []byte

	// codeShadow 代码半区的可写影子视图（仅双视图模式）
	codeShadow []byte

	// fd 匿名共享内存文件描述符（仅双视图模式）
	fd int

	// singleView 是否处于单视图回退模式
	singleView bool
}

// half 返回半区大小
func (m *mapping) half() uintptr {
	return uintptr(len(m.base)) / 2
}

// dataBase 数据半区（可写视图）基址
func (m *mapping) dataBase() uintptr {
	return baseAddr(m.base)
}

// codeExecBase 代码半区执行视图基址
func (m *mapping) codeExecBase() uintptr {
	return baseAddr(m.base) + m.half()
}

// codeWriteBase 代码半区可写视图基址
func (m *mapping) codeWriteBase() uintptr {
	if m.singleView {
		return m.codeExecBase()
	}
	return baseAddr(m.codeShadow)
}

// writeDelta 执行视图到可写视图的固定偏移
func (m *mapping) writeDelta() int64 {
	return int64(m.codeWriteBase()) - int64(m.codeExecBase())
}
