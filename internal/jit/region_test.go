// region_test.go - 内存区测试

package jit

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func newTestRegion(t *testing.T, initial, max uintptr) *MemoryRegion {
	t.Helper()
	r, err := NewMemoryRegion(initial, max, true, false)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

// TestRegionInitialize 测试初始化与半区划分
func TestRegionInitialize(t *testing.T) {
	r := newTestRegion(t, 64<<10, 1<<20)

	require.Equal(t, uintptr(64<<10), r.CurrentCapacity())
	require.Equal(t, uintptr(1<<20), r.MaxCapacity())

	codeBegin, codeEnd := r.CodeRange()
	dataBegin, dataEnd := r.DataRange()
	require.Equal(t, codeEnd-codeBegin, dataEnd-dataBegin)
	// 数据半区紧贴代码半区下方，保证头部偏移为正
	require.Equal(t, codeBegin, dataEnd)
}

// TestRegionBadCapacity 测试非法容量参数
func TestRegionBadCapacity(t *testing.T) {
	_, err := NewMemoryRegion(1<<20, 64<<10, true, false)
	require.ErrorIs(t, err, ErrBadCapacity)

	_, err = NewMemoryRegion(0, 0, true, false)
	require.ErrorIs(t, err, ErrBadCapacity)

	// 头部表偏移是 u32：预留范围不得超过 4GB
	if unsafe.Sizeof(uintptr(0)) == 8 {
		big := uintptr(5)
		_, err = NewMemoryRegion(64<<10, big<<30, true, false)
		require.ErrorIs(t, err, ErrBadCapacity)
	}
}

// TestRegionAllocateCodeViews 测试代码分配的双视图换算
func TestRegionAllocateCodeViews(t *testing.T) {
	r := newTestRegion(t, 64<<10, 1<<20)

	alloc := r.AllocateCode(256)
	require.False(t, alloc.IsNull())

	codeBegin, codeEnd := r.CodeRange()
	// testify 的有序断言不支持 uintptr，转成 uint64 比较
	require.GreaterOrEqual(t, uint64(alloc.Exec()), uint64(codeBegin))
	require.Less(t, uint64(alloc.Exec()), uint64(codeEnd))

	// 写视图与执行视图之间是固定偏移
	alloc2 := r.AllocateCode(256)
	require.False(t, alloc2.IsNull())
	require.Equal(t, alloc.Write()-alloc.Exec(), alloc2.Write()-alloc2.Exec())

	// 释放后可复用
	size := r.FreeCode(alloc.Exec())
	require.Equal(t, alignUp(256), size)
}

// TestRegionCommitCode 测试提交：字节落位、头部可读回
func TestRegionCommitCode(t *testing.T) {
	r := newTestRegion(t, 64<<10, 1<<20)

	code := []byte{0xc3, 0x90, 0x90, 0xc3}
	mt := r.AllocateData(16)
	require.False(t, mt.IsNull())

	alloc := r.AllocateCode(codeHeaderSize + uintptr(len(code)))
	require.False(t, alloc.IsNull())

	frame := FrameInfo{FrameSizeInBytes: 96, CoreSpillMask: 0x3, FpSpillMask: 0x1}
	codePtr, err := r.CommitCode(alloc, code, mt.Exec(), 0, 0, frame, true)
	require.NoError(t, err)
	require.Equal(t, alloc.Exec()+codeHeaderSize, codePtr)

	// 执行视图可读：提交的字节就位
	got := unsafe.Slice((*byte)(unsafe.Pointer(codePtr)), len(code))
	require.True(t, bytes.Equal(code, got))

	// 头部从裸 PC 反推
	h := headerFromCodePointer(codePtr)
	require.Equal(t, uint32(len(code)), h.CodeSize)
	require.Equal(t, uint32(96), h.FrameSizeInBytes)
	require.Equal(t, uint32(0x3), h.CoreSpillMask)
	require.Equal(t, uint32(0x1), h.FpSpillMask)
	require.True(t, h.HasDeoptFlag())
	require.Equal(t, mt.Exec(), h.MappingTable(codePtr))
	require.Equal(t, uintptr(0), h.VmapTable(codePtr))
}

// TestRegionCommitData 测试计数前缀根表与栈图写入
func TestRegionCommitData(t *testing.T) {
	r := newTestRegion(t, 64<<10, 1<<20)

	roots := []uintptr{0x1111, 0x2222, 0x3333}
	stackMap := []byte{9, 8, 7, 6}

	ptrSize := unsafe.Sizeof(uintptr(0))
	need := uintptr(len(roots)+1)*ptrSize + uintptr(len(stackMap))
	alloc := r.AllocateData(need)
	require.False(t, alloc.IsNull())

	require.NoError(t, r.CommitData(alloc, roots, stackMap))

	w := alloc.Write()
	require.Equal(t, uintptr(len(roots)), *(*uintptr)(unsafe.Pointer(w)))
	for i, root := range roots {
		got := *(*uintptr)(unsafe.Pointer(w + uintptr(i+1)*ptrSize))
		require.Equal(t, root, got)
	}
	sm := unsafe.Slice((*byte)(unsafe.Pointer(w+uintptr(len(roots)+1)*ptrSize)), len(stackMap))
	require.True(t, bytes.Equal(stackMap, sm))

	// 分配不够大时拒绝
	small := r.AllocateData(8)
	require.False(t, small.IsNull())
	require.Error(t, r.CommitData(small, roots, stackMap))
}

// TestRegionIncreaseCapacity 测试容量增长曲线：1MB 以下翻倍、之后 +1MB、封顶
func TestRegionIncreaseCapacity(t *testing.T) {
	r := newTestRegion(t, 64<<10, 3<<20)

	want := []uintptr{128 << 10, 256 << 10, 512 << 10, 1 << 20, 2 << 20, 3 << 20}
	for _, w := range want {
		require.True(t, r.IncreaseCapacity())
		require.Equal(t, w, r.CurrentCapacity())
	}
	// 到顶后恒为 false，容量单调不再变化
	require.False(t, r.IncreaseCapacity())
	require.Equal(t, uintptr(3<<20), r.CurrentCapacity())
}

// TestRegionGrowthUnlocksAllocation 测试增长后原本失败的分配成功
func TestRegionGrowthUnlocksAllocation(t *testing.T) {
	r := newTestRegion(t, 8<<10, 64<<10)

	// 代码半区足迹 4KB：8KB 分配必须失败
	require.True(t, r.AllocateCode(8<<10).IsNull())

	require.True(t, r.IncreaseCapacity())
	require.False(t, r.AllocateCode(8<<10).IsNull())
}

// TestRegionClose 测试关闭幂等性
func TestRegionClose(t *testing.T) {
	r, err := NewMemoryRegion(64<<10, 1<<20, true, false)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.ErrorIs(t, r.Close(), ErrRegionClosed)
}
