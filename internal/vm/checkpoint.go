// checkpoint.go - 检查点（全线程回调 + 完成屏障）
//
// 检查点的契约：对每个受管线程运行一次访问者，请求方阻塞到
// 所有线程（包括请求方自己）都运行完毕为止。代码缓存的收集器
// 用它来完成标记阶段。
//
// 任务通过每线程的原子指针投递：执行中的线程在下一个安全点
// 认领任务；休眠中的线程由请求方代跑。原子 Swap 保证每个任务
// 恰好执行一次。

package vm

import (
	"sync"
	"time"
)

// CheckpointRunner 检查点服务接口
//
// 实际运行时由线程挂起服务实现；本包的 ThreadRegistry
// 提供进程内的安全点轮询实现，供运行时与测试使用。
type CheckpointRunner interface {
	// RunCheckpoint 在每个受管线程上运行 visit，阻塞直到全部完成。
	// requester 为发起方线程（可为 nil），其访问由发起方就地执行。
	RunCheckpoint(requester *Thread, visit func(*Thread))
}

// ThreadRegistry 受管线程注册表
type ThreadRegistry struct {
	mu      sync.Mutex
	threads map[int]*Thread
	nextID  int
}

// NewThreadRegistry 创建线程注册表
func NewThreadRegistry() *ThreadRegistry {
	return &ThreadRegistry{threads: make(map[int]*Thread)}
}

// Attach 注册一个新线程
func (r *ThreadRegistry) Attach() *Thread {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	t := &Thread{id: r.nextID}
	r.threads[t.id] = t
	return t
}

// Detach 注销线程
//
// 退出前兑现挂起的检查点任务，注销后的线程不会再走到安全点，
// 留着任务会卡死请求方的完成屏障。
func (r *ThreadRegistry) Detach(t *Thread) {
	r.mu.Lock()
	delete(r.threads, t.ID())
	r.mu.Unlock()
	t.runPending()
}

// attached 返回线程是否仍在注册表中
func (r *ThreadRegistry) attached(t *Thread) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.threads[t.ID()]
	return ok
}

// Size 返回当前注册的线程数
func (r *ThreadRegistry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.threads)
}

// RunCheckpoint 实现 CheckpointRunner
func (r *ThreadRegistry) RunCheckpoint(requester *Thread, visit func(*Thread)) {
	r.mu.Lock()
	targets := make([]*Thread, 0, len(r.threads))
	for _, t := range r.threads {
		targets = append(targets, t)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	var posted []*Thread

	for _, t := range targets {
		if t == requester {
			// 请求方必须同样可被遍历：就地执行
			visit(t)
			continue
		}
		wg.Add(1)
		t.pending.Store(&checkpointTask{visit: visit, wg: &wg})
		posted = append(posted, t)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	// 等待屏障：执行中的线程在下一个安全点认领任务；
	// 休眠线程与投递后才注销的线程由请求方代跑。Swap 保证与
	// Unpark/CheckSafepoint/Detach 竞争时每个任务恰好执行一次。
	for {
		select {
		case <-done:
			return
		default:
		}
		for _, t := range posted {
			if !t.IsParked() && r.attached(t) {
				continue
			}
			if task := t.pending.Swap(nil); task != nil {
				task.visit(t)
				task.wg.Done()
			}
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// RunCheckpointFunc 函数适配器，便于注入外部检查点服务
type RunCheckpointFunc func(requester *Thread, visit func(*Thread))

// RunCheckpoint 实现 CheckpointRunner
func (f RunCheckpointFunc) RunCheckpoint(requester *Thread, visit func(*Thread)) {
	f(requester, visit)
}

// SpinUntil 等待条件成立（测试辅助）
func SpinUntil(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(100 * time.Microsecond)
	}
	return true
}
