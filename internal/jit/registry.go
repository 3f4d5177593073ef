// registry.go - 已提交代码索引
//
// 注册表是存活编译产物上唯一可变的索引：按代码起始地址升序
// 的有序表，支持 lower_bound 式按 PC 查找，外加存活的
// ProfilingInfo 集合。所有读写都由代码缓存的互斥锁保护；
// 收集的标记阶段在提交被阻塞的前提下做只读访问。

package jit

import (
	"sort"

	"github.com/veloxlang/velox/internal/bytecode"
)

// codeEntry 一个已提交的编译产物
type codeEntry struct {
	// codePtr 执行视图中的代码起始地址（方法入口点）
	codePtr uintptr

	// allocBase 分配基址（codePtr - 头部大小）
	allocBase uintptr

	// codeSize 机器码字节数
	codeSize uintptr

	method *bytecode.Method
}

// contains 返回 pc 是否落在该产物的代码范围内
func (e *codeEntry) contains(pc uintptr) bool {
	return pc >= e.codePtr && pc < e.codePtr+e.codeSize
}

// registry 代码地址 -> 方法身份 的有序索引
type registry struct {
	entries   []*codeEntry // 按 codePtr 升序
	profiling map[*bytecode.Method]*ProfilingInfo
}

func newRegistry() *registry {
	return &registry{profiling: make(map[*bytecode.Method]*ProfilingInfo)}
}

// lowerBound 返回第一个 codePtr > pc 的下标
func (r *registry) lowerBound(pc uintptr) int {
	return sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].codePtr > pc
	})
}

// insert 插入新产物，保持有序
func (r *registry) insert(e *codeEntry) {
	i := r.lowerBound(e.codePtr)
	r.entries = append(r.entries, nil)
	copy(r.entries[i+1:], r.entries[i:])
	r.entries[i] = e
}

// findByPc lower_bound 后回退一格，找到覆盖 pc 的产物
func (r *registry) findByPc(pc uintptr) *codeEntry {
	i := r.lowerBound(pc)
	if i == 0 {
		return nil
	}
	e := r.entries[i-1]
	if !e.contains(pc) {
		return nil
	}
	return e
}

// allocationBaseFor 返回覆盖 pc 的分配基址（标记阶段使用）
//
// 标记是保守的：pc 落在 [allocBase, codePtr+codeSize) 任意位置
// 都算命中该分配。
func (r *registry) allocationBaseFor(pc uintptr) (uintptr, bool) {
	i := r.lowerBound(pc)
	if i > 0 {
		e := r.entries[i-1]
		if pc >= e.allocBase && pc < e.codePtr+e.codeSize {
			return e.allocBase, true
		}
	}
	// 头部区间落在 lower_bound 命中产物自身的 codePtr 之前
	if i < len(r.entries) {
		e := r.entries[i]
		if pc >= e.allocBase {
			return e.allocBase, true
		}
	}
	return 0, false
}

// removeAt 删除下标 i 处的产物
func (r *registry) removeAt(i int) {
	r.entries = append(r.entries[:i], r.entries[i+1:]...)
}

// size 返回存活产物数
func (r *registry) size() int {
	return len(r.entries)
}
