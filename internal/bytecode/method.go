// method.go - 方法身份与入口点管理
//
// 本文件定义了运行时方法的身份模型。代码缓存中的每个编译产物
// 都归属于唯一的方法身份；方法的入口点决定一次调用进入编译代码、
// 解释器桥接还是解析跳板。
//
// 入口点的读写都是原子的：调用方在无锁路径上读取入口点，
// 而代码缓存的收集器可能在任意时刻把入口点改回解释器桥接。

package bytecode

import (
	"sync"
	"sync/atomic"
)

// Method 运行时方法身份
//
// 由类加载机制创建，归属于唯一的 MethodArena。
// 代码缓存以 *Method 作为编译产物的属主键。
type Method struct {
	Name      string
	ClassName string
	Arity     int

	// entrypoint 当前入口点地址
	entrypoint atomic.Uintptr

	// hotness 调用计数，驱动热点检测与重编译决策
	hotness atomic.Int64

	owner *MethodArena
}

// FullName 返回 类名::方法名 形式的完整名称
func (m *Method) FullName() string {
	if m.ClassName == "" {
		return m.Name
	}
	return m.ClassName + "::" + m.Name
}

// Entrypoint 返回当前入口点地址
func (m *Method) Entrypoint() uintptr {
	return m.entrypoint.Load()
}

// SetEntrypoint 原子更新入口点地址
func (m *Method) SetEntrypoint(addr uintptr) {
	m.entrypoint.Store(addr)
}

// RecordCall 记录一次调用，返回累计调用次数
func (m *Method) RecordCall() int64 {
	return m.hotness.Add(1)
}

// CallCount 返回累计调用次数
func (m *Method) CallCount() int64 {
	return m.hotness.Load()
}

// Owner 返回方法所属的分配区
func (m *Method) Owner() *MethodArena {
	return m.owner
}

// ============================================================================
// 方法分配区
// ============================================================================

// MethodArena 方法线性分配区
//
// 模拟类加载器拥有的线性内存：同一个加载器加载的所有方法
// 都从同一个分配区创建。卸载类加载器时，代码缓存以分配区为
// 单位移除其全部方法的编译产物。
type MethodArena struct {
	mu      sync.Mutex
	name    string
	methods []*Method
}

// NewMethodArena 创建方法分配区
func NewMethodArena(name string) *MethodArena {
	return &MethodArena{name: name}
}

// Name 返回分配区名称
func (a *MethodArena) Name() string {
	return a.name
}

// NewMethod 在分配区内创建一个方法
func (a *MethodArena) NewMethod(className, name string, arity int) *Method {
	m := &Method{
		Name:      name,
		ClassName: className,
		Arity:     arity,
		owner:     a,
	}

	a.mu.Lock()
	a.methods = append(a.methods, m)
	a.mu.Unlock()

	return m
}

// Methods 返回分配区内全部方法的快照
func (a *MethodArena) Methods() []*Method {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*Method, len(a.methods))
	copy(out, a.methods)
	return out
}

// Size 返回分配区内的方法数量
func (a *MethodArena) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.methods)
}
