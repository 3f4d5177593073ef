// header.go - 编译代码头部（ABI 契约）
//
// 每段机器码前方紧贴一个固定布局的头部记录。调试器、解释器
// 桥接和去优化器都按这个布局直接从裸 PC 反推出辅助表：
//
//	[CodeHeader 32 字节][机器码 ...]
//	 ^                  ^
//	 分配基址            代码起始地址（方法入口点）
//
// 头部里的表偏移是"代码起始地址 - 表地址"：辅助表存放在同一
// 预留区间的数据半区，位于代码半区下方，偏移恒为正且在 u32
// 范围内。偏移为 0 表示没有对应的表。

package jit

import "unsafe"

// 头部标志位
const (
	// HeaderFlagHasDeopt 栈帧里保留了 should-deoptimize 标志槽
	HeaderFlagHasDeopt uint32 = 1 << 0
)

// FrameInfo 编译器提供的栈帧描述
type FrameInfo struct {
	FrameSizeInBytes uint32
	CoreSpillMask    uint32
	FpSpillMask      uint32
}

// CodeHeader 紧贴机器码前方的固定头部
type CodeHeader struct {
	MappingTableOffset uint32 // 代码起始地址 - 映射表地址
	VmapTableOffset    uint32 // 代码起始地址 - vmap 表地址
	GCMapOffset        uint32 // 代码起始地址 - GC 表地址
	FrameSizeInBytes   uint32
	CoreSpillMask      uint32
	FpSpillMask        uint32
	CodeSize           uint32
	Flags              uint32
}

// codeHeaderSize 头部字节数，同时保证机器码 16 字节对齐
const codeHeaderSize = uintptr(32)

// headerFromCodePointer 从代码起始地址反推头部
func headerFromCodePointer(codePtr uintptr) *CodeHeader {
	return (*CodeHeader)(unsafe.Pointer(codePtr - codeHeaderSize))
}

// tableAddress 由偏移还原表地址；偏移 0 表示无表
func tableAddress(codePtr uintptr, offset uint32) uintptr {
	if offset == 0 {
		return 0
	}
	return codePtr - uintptr(offset)
}

// MappingTable 返回映射表地址（0 表示无）
func (h *CodeHeader) MappingTable(codePtr uintptr) uintptr {
	return tableAddress(codePtr, h.MappingTableOffset)
}

// VmapTable 返回 vmap 表地址（0 表示无）
func (h *CodeHeader) VmapTable(codePtr uintptr) uintptr {
	return tableAddress(codePtr, h.VmapTableOffset)
}

// GCMap 返回 GC 表地址（0 表示无）
func (h *CodeHeader) GCMap(codePtr uintptr) uintptr {
	return tableAddress(codePtr, h.GCMapOffset)
}

// HasDeoptFlag 返回栈帧是否带 should-deoptimize 标志槽
func (h *CodeHeader) HasDeoptFlag() bool {
	return h.Flags&HeaderFlagHasDeopt != 0
}

// Contains 返回 pc 是否落在该头部描述的代码范围内
func (h *CodeHeader) Contains(codePtr, pc uintptr) bool {
	return pc >= codePtr && pc < codePtr+uintptr(h.CodeSize)
}
