// profiling.go - 方法级剖析记录
//
// ProfilingInfo 按方法身份惰性创建，驻留在数据半区：每个调用点
// 一个内联缓存槽，记录观察到的接收者类。状态机沿用
// 单态 -> 多态 -> 超多态：槽位写满后进入超多态，不再记录。
//
// 记录与收集的关系：收集的软清除阶段把记录从方法上解挂；
// 清扫阶段为幸存产物重新挂接，属主产物被回收的记录随之释放。

package jit

import (
	"unsafe"

	"github.com/veloxlang/velox/internal/bytecode"
)

// icSlotWidth 每个调用点缓存的接收者类数量上限
const icSlotWidth = 4

// icMegamorphic 超多态哨兵：槽位溢出后写入首格
const icMegamorphic = ^uintptr(0)

// ProfilingInfo 方法剖析记录
type ProfilingInfo struct {
	method *bytecode.Method

	// data 数据半区后备存储：[站点数 uintptr][站点0 槽x4]...
	data DualPointer
	size uintptr

	numSites int

	// attached 是否挂接在方法上；收集期间会被解挂，
	// 幸存后重新挂接。由缓存锁保护。
	attached bool
}

// profilingInfoSize 返回 numSites 个调用点需要的后备字节数
func profilingInfoSize(numSites int) uintptr {
	words := 1 + numSites*icSlotWidth
	return uintptr(words) * unsafe.Sizeof(uintptr(0))
}

func newProfilingInfo(m *bytecode.Method, data DualPointer, size uintptr, numSites int) *ProfilingInfo {
	p := &ProfilingInfo{
		method:   m,
		data:     data,
		size:     size,
		numSites: numSites,
		attached: true,
	}
	// 站点数前缀 + 槽位清零
	w := data.Write()
	*(*uintptr)(unsafe.Pointer(w)) = uintptr(numSites)
	for i := 0; i < numSites*icSlotWidth; i++ {
		*p.slot(i) = 0
	}
	return p
}

// slot 返回第 i 个槽的可写指针
func (p *ProfilingInfo) slot(i int) *uintptr {
	w := p.data.Write() + uintptr(1+i)*unsafe.Sizeof(uintptr(0))
	return (*uintptr)(unsafe.Pointer(w))
}

// Method 返回属主方法
func (p *ProfilingInfo) Method() *bytecode.Method {
	return p.method
}

// NumSites 返回调用点数量
func (p *ProfilingInfo) NumSites() int {
	return p.numSites
}

// RecordReceiver 记录调用点 site 观察到的接收者类
//
// 已记录过的类不重复记录；槽位写满后标记为超多态。
func (p *ProfilingInfo) RecordReceiver(site int, classPtr uintptr) {
	if site < 0 || site >= p.numSites || classPtr == 0 {
		return
	}
	base := site * icSlotWidth
	if *p.slot(base) == icMegamorphic {
		return
	}
	for i := 0; i < icSlotWidth; i++ {
		s := p.slot(base + i)
		switch *s {
		case classPtr:
			return
		case 0:
			*s = classPtr
			return
		}
	}
	// 槽位已满：放弃缓存
	*p.slot(base) = icMegamorphic
}

// SiteClasses 返回调用点已观察到的类（超多态时返回 nil, true）
func (p *ProfilingInfo) SiteClasses(site int) (classes []uintptr, megamorphic bool) {
	if site < 0 || site >= p.numSites {
		return nil, false
	}
	base := site * icSlotWidth
	if *p.slot(base) == icMegamorphic {
		return nil, true
	}
	for i := 0; i < icSlotWidth; i++ {
		if c := *p.slot(base + i); c != 0 {
			classes = append(classes, c)
		}
	}
	return classes, false
}
