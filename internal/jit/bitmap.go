// bitmap.go - 代码区活跃位图
//
// 每个对齐分配单元一位，覆盖代码半区的全部预留地址空间。
// 只在收集过程中填充：检查点阶段由各线程并发置位，置位用
// 原子或操作，遍历中的线程之间不会在同一个字上竞争丢失更新。
// 清扫结束后整体清零。

package jit

import "sync/atomic"

// liveBitmap 活跃位图
type liveBitmap struct {
	begin uintptr
	end   uintptr
	words []uint64
}

// newLiveBitmap 创建覆盖 [begin, begin+size) 的位图
func newLiveBitmap(begin, size uintptr) *liveBitmap {
	bits := size / arenaAlign
	return &liveBitmap{
		begin: begin,
		end:   begin + size,
		words: make([]uint64, (bits+63)/64),
	}
}

func (b *liveBitmap) index(addr uintptr) (word int, mask uint64, ok bool) {
	if addr < b.begin || addr >= b.end {
		return 0, 0, false
	}
	bit := (addr - b.begin) / arenaAlign
	return int(bit / 64), 1 << (bit % 64), true
}

// testAndSet 原子置位，返回置位前该位是否已置
func (b *liveBitmap) testAndSet(addr uintptr) bool {
	word, mask, ok := b.index(addr)
	if !ok {
		return false
	}
	old := atomic.OrUint64(&b.words[word], mask)
	return old&mask != 0
}

// test 返回该位是否已置
func (b *liveBitmap) test(addr uintptr) bool {
	word, mask, ok := b.index(addr)
	if !ok {
		return false
	}
	return atomic.LoadUint64(&b.words[word])&mask != 0
}

// clear 整体清零
func (b *liveBitmap) clear() {
	for i := range b.words {
		atomic.StoreUint64(&b.words[i], 0)
	}
}
