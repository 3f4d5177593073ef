// arena.go - 有界竞技场分配器
//
// 在一段连续的虚拟地址区间上做首次适配分配：空闲块按地址排序、
// 释放时与相邻块合并。账本保存在 Go 堆上，区间本身不写入任何
// 元数据。代码半区的可写视图与可执行视图地址不同，把元数据
// 混进去只会招来换算错误。
//
// 足迹上限（footprint）小于等于预留上限（reserved）。提升足迹
// 通过 setFootprint 完成，并以增长回调通知属主提交新页。
// 任何满足"有界足迹 + 增长通知"契约的分配器都可以替换本实现。
//
// 本类型自身不加锁：代码缓存用一把互斥锁同时保护注册表和
// 两个竞技场，调用方必须持锁。

package jit

import "sort"

// arenaAlign 分配粒度，同时也是活跃位图的位粒度
const arenaAlign = 16

// growNotify 足迹增长通知回调
type growNotify func(oldLimit, newLimit uintptr)

// freeChunk 空闲块（相对区间基址的偏移）
type freeChunk struct {
	off  uintptr
	size uintptr
}

// arena 有界竞技场分配器
type arena struct {
	name string
	base uintptr // 可写视图基址

	footprint uintptr // 当前可分配字节数
	reserved  uintptr // 预留地址空间上限

	free      []freeChunk         // 按 off 升序
	allocated map[uintptr]uintptr // off -> size
	usedBytes uintptr

	onGrow growNotify
}

// newArena 创建竞技场
func newArena(name string, base, footprint, reserved uintptr, onGrow growNotify) *arena {
	a := &arena{
		name:      name,
		base:      base,
		footprint: footprint,
		reserved:  reserved,
		allocated: make(map[uintptr]uintptr),
		onGrow:    onGrow,
	}
	if footprint > 0 {
		a.free = append(a.free, freeChunk{off: 0, size: footprint})
	}
	return a
}

func alignUp(n uintptr) uintptr {
	return (n + arenaAlign - 1) &^ (arenaAlign - 1)
}

// alloc 分配 n 字节，返回可写视图地址；耗尽时返回 0，绝不阻塞
func (a *arena) alloc(n uintptr) uintptr {
	if n == 0 {
		return 0
	}
	n = alignUp(n)

	for i, c := range a.free {
		if c.size < n {
			continue
		}
		off := c.off
		if c.size == n {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = freeChunk{off: c.off + n, size: c.size - n}
		}
		a.allocated[off] = n
		a.usedBytes += n
		return a.base + off
	}
	return 0
}

// freeBlock 释放 p 处的分配，返回释放的字节数；p 非法时返回 0
func (a *arena) freeBlock(p uintptr) uintptr {
	off := p - a.base
	size, ok := a.allocated[off]
	if !ok {
		return 0
	}
	delete(a.allocated, off)
	a.usedBytes -= size
	a.insertFree(freeChunk{off: off, size: size})
	return size
}

// sizeOf 返回 p 处分配的大小；p 非法时返回 0
func (a *arena) sizeOf(p uintptr) uintptr {
	return a.allocated[p-a.base]
}

// insertFree 插入空闲块并与相邻块合并
func (a *arena) insertFree(c freeChunk) {
	i := sort.Search(len(a.free), func(i int) bool {
		return a.free[i].off > c.off
	})

	a.free = append(a.free, freeChunk{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = c

	// 与后块合并
	if i+1 < len(a.free) && a.free[i].off+a.free[i].size == a.free[i+1].off {
		a.free[i].size += a.free[i+1].size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	// 与前块合并
	if i > 0 && a.free[i-1].off+a.free[i-1].size == a.free[i].off {
		a.free[i-1].size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}

// setFootprint 提升足迹上限（只增不减），在预留空间内生效
func (a *arena) setFootprint(newLimit uintptr) {
	if newLimit > a.reserved {
		newLimit = a.reserved
	}
	if newLimit <= a.footprint {
		return
	}
	old := a.footprint
	a.insertFree(freeChunk{off: old, size: newLimit - old})
	a.footprint = newLimit

	if a.onGrow != nil {
		a.onGrow(old, newLimit)
	}
}

// used 返回已分配字节数
func (a *arena) used() uintptr {
	return a.usedBytes
}

// limit 返回当前足迹上限
func (a *arena) limit() uintptr {
	return a.footprint
}

// numAllocations 返回存活分配数
func (a *arena) numAllocations() int {
	return len(a.allocated)
}
