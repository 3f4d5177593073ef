// region.go - 代码缓存内存区
//
// 内存区拥有原始 OS 映射和两个竞技场分配器（代码、数据）。
// 容量语义：
//   - max 容量在初始化时一次性预留完地址空间；
//   - current 容量是两个竞技场足迹上限之和，从 initial 起步，
//     1MB 以下翻倍增长、之后每次加 1MB，封顶 max。
//
// 分配调用从不阻塞、从不内部重试：耗尽返回空值，重试策略
// （收集、扩容）由代码缓存门面决定。
//
// 本类型不自带锁，调用方（CodeCache）持有缓存锁时调用。

package jit

import (
	"fmt"
	"os"
	"unsafe"
)

// 容量增长参数
const (
	capacityDoubleLimit = 1 << 20 // 1MB 以下翻倍
	capacityStep        = 1 << 20 // 之后每次 +1MB
)

// MemoryRegion 双半区内存区
type MemoryRegion struct {
	m *mapping

	initialCapacity uintptr
	currentCapacity uintptr
	maxCapacity     uintptr

	codeArena *arena
	dataArena *arena

	// writeDelta 代码执行视图到可写视图的固定偏移
	writeDelta int64

	// syncCore membarrier sync-core 是否注册成功
	syncCore bool

	closed bool
}

// NewMemoryRegion 初始化内存区
//
// 两个容量都向页大小取整。优先尝试双视图映射；不可用时仅在
// allowRWXFallback 允许的情况下退回单视图模式，否则初始化失败，
// 调用方应让整个进程退回纯解释执行。
func NewMemoryRegion(initial, max uintptr, allowRWXFallback, isZygote bool) (*MemoryRegion, error) {
	pageSize := uintptr(os.Getpagesize())
	initial = roundUp(initial, 2*pageSize)
	max = roundUp(max, 2*pageSize)
	if initial == 0 || max == 0 || initial > max {
		return nil, ErrBadCapacity
	}
	// 头部的表偏移是 u32（代码起始地址 - 表地址），偏移上界是
	// 整个预留范围的大小，容量因此封顶在 4GB
	if uint64(max) > 1<<32 {
		return nil, ErrBadCapacity
	}

	m, err := newDualMapping(max, isZygote)
	if err != nil {
		if !allowRWXFallback {
			return nil, fmt.Errorf("%w (dual mapping: %v)", ErrDualViewUnavailable, err)
		}
		m, err = newSingleMapping(max)
		if err != nil {
			return nil, err
		}
	}

	r := &MemoryRegion{
		m:               m,
		initialCapacity: initial,
		currentCapacity: initial,
		maxCapacity:     max,
		writeDelta:      m.writeDelta(),
		syncCore:        registerPipelineSync(),
	}

	// 每个半区一个竞技场，锚定在可写视图上；
	// 足迹上限是 current（不是 max），增长通知用于提前提交新页。
	half := initial / 2
	r.dataArena = newArena("jit-data", m.dataBase(), half, max/2,
		func(old, new uintptr) {
			m.advise(m.dataBase()+old, new-old)
		})
	r.codeArena = newArena("jit-code", m.codeWriteBase(), half, max/2,
		func(old, new uintptr) {
			m.advise(m.codeWriteBase()+old, new-old)
		})

	return r, nil
}

func roundUp(n, multiple uintptr) uintptr {
	return (n + multiple - 1) &^ (multiple - 1)
}

// ============================================================================
// 分配
// ============================================================================

// AllocateCode 在代码半区分配 size 字节
//
// 返回执行视图地址。竞技场账本锚定在影子视图上，
// 换算是固定偏移。耗尽时返回空指针。
func (r *MemoryRegion) AllocateCode(size uintptr) DualPointer {
	w := r.codeArena.alloc(size)
	if w == 0 {
		return DualPointer{}
	}
	return DualPointer{exec: uintptr(int64(w) - r.writeDelta), delta: r.writeDelta}
}

// FreeCode 释放 AllocateCode 返回的分配，返回释放的字节数
func (r *MemoryRegion) FreeCode(exec uintptr) uintptr {
	return r.codeArena.freeBlock(uintptr(int64(exec) + r.writeDelta))
}

// AllocateData 在数据半区分配 size 字节（数据只有可写视图）
func (r *MemoryRegion) AllocateData(size uintptr) DualPointer {
	w := r.dataArena.alloc(size)
	if w == 0 {
		return DualPointer{}
	}
	return DualPointer{exec: w, delta: 0}
}

// FreeData 释放数据分配，返回释放的字节数
func (r *MemoryRegion) FreeData(ptr uintptr) uintptr {
	return r.dataArena.freeBlock(ptr)
}

// CodeAllocationSize 返回代码分配的大小（exec 地址非法时为 0）
func (r *MemoryRegion) CodeAllocationSize(exec uintptr) uintptr {
	return r.codeArena.sizeOf(uintptr(int64(exec) + r.writeDelta))
}

// ============================================================================
// 提交
// ============================================================================

// CommitCode 把机器码与头部写入一处代码分配并使其可执行
//
// alloc 必须是一次至少 codeHeaderSize+len(code) 字节的代码分配。
// 表地址以执行视图地址空间给出（数据半区与代码执行视图连续）。
// 返回代码起始地址（方法入口点）。任一刷新步骤失败都返回错误，
// 该分配不可信任，调用方必须废弃。
func (r *MemoryRegion) CommitCode(alloc DualPointer, code []byte,
	mappingTable, vmapTable, gcMap uintptr, frame FrameInfo, hasDeopt bool) (uintptr, error) {

	codePtr := alloc.Exec() + codeHeaderSize

	err := r.scopedCodeWrite(func() error {
		// 机器码
		dst := unsafe.Slice((*byte)(unsafe.Pointer(alloc.Write()+codeHeaderSize)), len(code))
		copy(dst, code)

		// 头部原地构造
		h := (*CodeHeader)(unsafe.Pointer(alloc.Write()))
		*h = CodeHeader{
			MappingTableOffset: tableOffset(codePtr, mappingTable),
			VmapTableOffset:    tableOffset(codePtr, vmapTable),
			GCMapOffset:        tableOffset(codePtr, gcMap),
			FrameSizeInBytes:   frame.FrameSizeInBytes,
			CoreSpillMask:      frame.CoreSpillMask,
			FpSpillMask:        frame.FpSpillMask,
			CodeSize:           uint32(len(code)),
		}
		if hasDeopt {
			h.Flags |= HeaderFlagHasDeopt
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	total := codeHeaderSize + uintptr(len(code))
	if err := flushCaches(alloc, total); err != nil {
		return 0, err
	}
	if err := pipelineSync(r.syncCore); err != nil {
		return 0, err
	}
	return codePtr, nil
}

func tableOffset(codePtr, table uintptr) uint32 {
	if table == 0 {
		return 0
	}
	return uint32(codePtr - table)
}

// CommitData 写入计数前缀的对象引用根表和栈图字节
//
// 布局：[根数量 uintptr][根地址 ...][栈图字节 ...]
func (r *MemoryRegion) CommitData(alloc DualPointer, roots []uintptr, stackMap []byte) error {
	need := uintptr(len(roots)+1)*unsafe.Sizeof(uintptr(0)) + uintptr(len(stackMap))
	if got := r.dataArena.sizeOf(alloc.Write()); got < need {
		return fmt.Errorf("jit: data allocation too small: have %d, need %d", got, need)
	}

	w := alloc.Write()
	*(*uintptr)(unsafe.Pointer(w)) = uintptr(len(roots))
	w += unsafe.Sizeof(uintptr(0))
	for _, root := range roots {
		*(*uintptr)(unsafe.Pointer(w)) = root
		w += unsafe.Sizeof(uintptr(0))
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(w)), len(stackMap))
	copy(dst, stackMap)

	return flushCaches(alloc, need)
}

// WriteData 把原始字节拷入一处数据分配
func (r *MemoryRegion) WriteData(alloc DualPointer, data []byte) {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(alloc.Write())), len(data))
	copy(dst, data)
}

// scopedCodeWrite 作用域写窗口
//
// 双视图模式下写影子视图即可；单视图模式下临时把代码半区
// 切到 RW，写完立刻切回 RX。窗口内绝不执行缓存内代码。
func (r *MemoryRegion) scopedCodeWrite(fn func() error) error {
	if !r.m.singleView {
		return fn()
	}
	if err := r.m.protectCode(protRW); err != nil {
		return err
	}
	writeErr := fn()
	if err := r.m.protectCode(protRX); err != nil {
		return err
	}
	return writeErr
}

// ============================================================================
// 容量
// ============================================================================

// IncreaseCapacity 提升 current 容量
//
// 1MB 以下翻倍，之后每次 +1MB，封顶 max。已到 max 时返回 false。
// 足迹上限的更新在写窗口内完成。
func (r *MemoryRegion) IncreaseCapacity() bool {
	if r.currentCapacity >= r.maxCapacity {
		return false
	}

	next := r.currentCapacity
	if next < capacityDoubleLimit {
		next *= 2
	} else {
		next += capacityStep
	}
	if next > r.maxCapacity {
		next = r.maxCapacity
	}

	_ = r.scopedCodeWrite(func() error {
		r.codeArena.setFootprint(next / 2)
		r.dataArena.setFootprint(next / 2)
		return nil
	})
	r.currentCapacity = next
	return true
}

// CurrentCapacity 返回 current 容量
func (r *MemoryRegion) CurrentCapacity() uintptr {
	return r.currentCapacity
}

// MaxCapacity 返回 max 容量
func (r *MemoryRegion) MaxCapacity() uintptr {
	return r.maxCapacity
}

// ============================================================================
// 范围查询
// ============================================================================

// CodeRange 返回代码半区执行视图的预留范围 [begin, end)
func (r *MemoryRegion) CodeRange() (begin, end uintptr) {
	begin = r.m.codeExecBase()
	return begin, begin + r.m.half()
}

// DataRange 返回数据半区的预留范围 [begin, end)
func (r *MemoryRegion) DataRange() (begin, end uintptr) {
	begin = r.m.dataBase()
	return begin, begin + r.m.half()
}

// CodeBytesUsed 返回代码半区已分配字节数
func (r *MemoryRegion) CodeBytesUsed() uintptr {
	return r.codeArena.used()
}

// DataBytesUsed 返回数据半区已分配字节数
func (r *MemoryRegion) DataBytesUsed() uintptr {
	return r.dataArena.used()
}

// IsSingleView 返回是否处于单视图回退模式
func (r *MemoryRegion) IsSingleView() bool {
	return r.m.singleView
}

// Close 解除全部映射
func (r *MemoryRegion) Close() error {
	if r.closed {
		return ErrRegionClosed
	}
	r.closed = true
	return r.m.close()
}
