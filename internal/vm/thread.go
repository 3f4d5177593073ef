// thread.go - 受管线程与调用栈模型
//
// 本文件定义了运行时线程的栈可见视图。代码缓存的收集器通过
// 检查点机制请求每个线程遍历自己的调用帧，把落在代码区内的
// 返回地址记入活跃位图。
//
// 真正的 OS 级线程挂起原语不在本包实现；这里提供的是安全点
// 轮询模型：执行中的线程在循环的关键位置调用 CheckSafepoint，
// 休眠中的线程由检查点请求方代为遍历。

package vm

import (
	"sync"
	"sync/atomic"
)

// Frame 调用帧
type Frame struct {
	// PC 帧的返回地址（或当前执行地址）
	PC uintptr

	// Inlined 内联帧没有独立的机器码帧，栈遍历时跳过
	Inlined bool
}

// Thread 受管线程
type Thread struct {
	id int

	mu     sync.Mutex
	frames []Frame

	// parked 线程是否处于休眠状态（不执行代码，栈静止）
	parked atomic.Bool

	// pending 待执行的检查点任务
	pending atomic.Pointer[checkpointTask]
}

// ID 返回线程编号
func (t *Thread) ID() int {
	return t.id
}

// PushFrame 压入一个调用帧
func (t *Thread) PushFrame(pc uintptr, inlined bool) {
	t.mu.Lock()
	t.frames = append(t.frames, Frame{PC: pc, Inlined: inlined})
	t.mu.Unlock()
}

// PopFrame 弹出栈顶调用帧
func (t *Thread) PopFrame() {
	t.mu.Lock()
	if n := len(t.frames); n > 0 {
		t.frames = t.frames[:n-1]
	}
	t.mu.Unlock()
}

// SetStack 整体替换调用栈（测试与模拟用）
func (t *Thread) SetStack(frames []Frame) {
	t.mu.Lock()
	t.frames = append(t.frames[:0], frames...)
	t.mu.Unlock()
}

// VisitFrames 从栈顶到栈底遍历调用帧
func (t *Thread) VisitFrames(fn func(Frame)) {
	t.mu.Lock()
	snapshot := append([]Frame(nil), t.frames...)
	t.mu.Unlock()

	for i := len(snapshot) - 1; i >= 0; i-- {
		fn(snapshot[i])
	}
}

// Park 标记线程进入休眠（栈静止，检查点可代跑）
func (t *Thread) Park() {
	t.parked.Store(true)
}

// Unpark 标记线程恢复执行
func (t *Thread) Unpark() {
	// 恢复前先兑现挂起的检查点任务，避免带着未遍历的栈继续跑
	t.runPending()
	t.parked.Store(false)
}

// IsParked 返回线程是否休眠
func (t *Thread) IsParked() bool {
	return t.parked.Load()
}

// CheckSafepoint 安全点轮询
//
// 执行循环应在函数调用前后、循环回边等位置调用此方法。
// 若有挂起的检查点任务则就地执行并通知屏障。
func (t *Thread) CheckSafepoint() {
	t.runPending()
}

func (t *Thread) runPending() {
	task := t.pending.Swap(nil)
	if task == nil {
		return
	}
	task.visit(t)
	task.wg.Done()
}

// checkpointTask 投递给线程的检查点任务
type checkpointTask struct {
	visit func(*Thread)
	wg    *sync.WaitGroup
}
