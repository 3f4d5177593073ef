// dualview.go - 双视图指针
//
// W^X 约束下同一段物理页被映射到两个虚拟地址：一个只可执行、
// 一个只可写。两个视图之间的换算是一个固定的虚拟地址偏移，
// 绝不做无类型的指针转换。DualPointer 把这层换算收进一个
// 小值类型里。

package jit

// DualPointer 指向代码缓存内一处分配的双视图地址
//
// 零值表示空分配。单视图回退模式下偏移为 0，两个访问器
// 返回同一地址。
type DualPointer struct {
	exec  uintptr
	delta int64 // write = exec + delta
}

// Exec 返回可执行视图中的地址
func (p DualPointer) Exec() uintptr {
	return p.exec
}

// Write 返回可写视图中的地址
func (p DualPointer) Write() uintptr {
	return uintptr(int64(p.exec) + p.delta)
}

// IsNull 返回指针是否为空
func (p DualPointer) IsNull() bool {
	return p.exec == 0
}

// advance 返回偏移 n 字节后的指针
func (p DualPointer) advance(n uintptr) DualPointer {
	if p.IsNull() {
		return p
	}
	return DualPointer{exec: p.exec + n, delta: p.delta}
}
