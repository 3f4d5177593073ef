// collector.go - 代码缓存的标记清扫收集器
//
// 机器码地址随时可能是其他线程栈上的活跃返回 PC，这种活性无法
// 靠引用计数观察到，必须让每个线程在安全点亲自报告。算法：
//
//  1. 持锁：有收集在途则等它结束后直接返回（至多一个收集器）；
//  2. 标记在途，快照注册表大小作为后置条件；
//  3. 软清除：所有已注册方法的入口点改回解释器桥接、剖析记录
//     解挂。此刻不释放任何代码，只是阻止"新"调用进入候选；
//  4. 放锁跑检查点：每个线程（含请求方）遍历自己的调用栈，
//     给落在代码区内的返回 PC 置活跃位；同时咨询插桩影子栈，
//     跳板后面的帧不会漏掉。检查点阻塞到全部线程报告完毕；
//  5. 重新持锁清扫：位未置的产物连同全部附属元数据释放；
//     位已置的产物把入口点恢复为自身编译代码。释放所有
//     不再被引用的剖析记录；
//  6. 清位图、清在途标记、唤醒等待者。
//
// 收集是刻意保守的：栈上可达的产物即便再无别的引用也会幸存，
// 用暂时的滞留换取绝不失效活跃返回地址。
//
// 顺序保证："入口点改桥接"对全局可见先于检查点开始；检查点
// 全部完成先于清扫开始。先标记后清扫正是回收安全的根据。

package jit

import (
	"time"

	"go.uber.org/zap"

	"github.com/veloxlang/velox/internal/vm"
)

// GarbageCollect 运行一轮收集
//
// self 是请求方线程：请求方自己也要参与检查点报告，
// 因此必须进入可被遍历的状态。
func (c *CodeCache) GarbageCollect(self *vm.Thread) {
	start := time.Now()

	c.mu.Lock()
	if c.collecting {
		// 别人已经在收集：等它完成后直接返回
		c.waitForCollectionLocked(self)
		c.mu.Unlock()
		return
	}
	c.collecting = true
	snapshot := c.reg.size()

	// 软清除
	for _, e := range c.reg.entries {
		e.method.SetEntrypoint(c.bridge)
	}
	for _, info := range c.reg.profiling {
		info.attached = false
	}
	c.mu.Unlock()

	// 标记：collecting 置位后提交被阻塞，注册表在检查点期间稳定
	c.checkpoints.RunCheckpoint(self, func(t *vm.Thread) {
		t.VisitFrames(func(f vm.Frame) {
			if f.Inlined {
				return
			}
			c.markPc(f.PC)
		})
		c.instr.VisitShadowFrames(t, c.markPc)
	})

	c.mu.Lock()
	if c.reg.size() != snapshot {
		c.log.Error("registry mutated during collection",
			zap.Int("before", snapshot), zap.Int("after", c.reg.size()))
	}

	collected := c.sweepLocked()
	c.bitmap.clear()
	c.collecting = false
	c.cond.Broadcast()
	c.mu.Unlock()

	elapsed := time.Since(start)
	c.collections.Inc()
	c.collectedEntries.Add(int64(collected))
	c.lastCollectionNs.Store(elapsed.Nanoseconds())

	c.log.Info("code cache collection finished",
		zap.Int("collected", collected),
		zap.Int("survived", snapshot-collected),
		zap.Duration("elapsed", elapsed))
}

// markPc 给覆盖 pc 的分配置活跃位
func (c *CodeCache) markPc(pc uintptr) {
	if !c.ContainsPc(pc) {
		return
	}

	c.mu.Lock()
	base, ok := c.reg.allocationBaseFor(pc)
	c.mu.Unlock()

	if ok {
		c.bitmap.testAndSet(base)
	}
}

// sweepLocked 清扫注册表，返回回收的产物数
func (c *CodeCache) sweepLocked() int {
	collected := 0
	for i := c.reg.size() - 1; i >= 0; i-- {
		e := c.reg.entries[i]
		if c.bitmap.test(e.allocBase) {
			// 幸存：撤销软清除
			e.method.SetEntrypoint(e.codePtr)
			if info, ok := c.reg.profiling[e.method]; ok {
				info.attached = true
			}
			continue
		}
		// 入口点保持桥接（软清除已设）
		c.freeEntryLocked(e)
		c.reg.removeAt(i)
		collected++
	}

	// 属主产物未幸存的剖析记录一并释放
	for m, info := range c.reg.profiling {
		if !info.attached {
			c.region.FreeData(info.data.Write())
			delete(c.reg.profiling, m)
		}
	}
	return collected
}
