// collector_test.go - 标记清扫收集器测试

package jit

import (
	"bytes"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veloxlang/velox/internal/bytecode"
	"github.com/veloxlang/velox/internal/vm"
)

func newCollectorCache(t *testing.T, shadow vm.Instrumentation) (*CodeCache, *vm.ThreadRegistry) {
	t.Helper()
	threads := vm.NewThreadRegistry()
	c, err := New(Options{
		InitialCapacity:   64 << 10,
		MaxCapacity:       1 << 20,
		AllowRWXFallback:  true,
		InterpreterBridge: testBridge,
		Checkpoints:       threads,
		Instrumentation:   shadow,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, threads
}

// TestCollectFreesUnreachable 测试不可达产物被回收、入口点保持桥接
func TestCollectFreesUnreachable(t *testing.T) {
	c, _ := newCollectorCache(t, nil)
	arena := bytecode.NewMethodArena("app")

	m := arena.NewMethod("Dead", "gone", 0)
	addr := commitMethod(t, c, m, 64)
	require.Equal(t, addr, m.Entrypoint())

	c.GarbageCollect(nil)

	require.Equal(t, testBridge, m.Entrypoint())
	h, _ := c.LookupMethodHeader(addr, nil)
	require.Nil(t, h)

	stats := c.Stats()
	require.Equal(t, int64(1), stats.Collections)
	require.Equal(t, int64(1), stats.CollectedEntries)
	require.Equal(t, 0, stats.LiveEntries)
}

// TestCollectOnStackSurvives 测试栈上返回 PC 覆盖的产物幸存
//
// 即便再无其他引用也不回收：宁可暂时滞留，绝不失效活跃返回地址。
func TestCollectOnStackSurvives(t *testing.T) {
	c, threads := newCollectorCache(t, nil)
	arena := bytecode.NewMethodArena("app")

	mLive := arena.NewMethod("Live", "onstack", 0)
	mDead := arena.NewMethod("Dead", "offstack", 0)
	liveAddr := commitMethod(t, c, mLive, 128)
	deadAddr := commitMethod(t, c, mDead, 128)

	// 休眠线程的栈静止，返回 PC 落在 live 的代码范围中部
	worker := threads.Attach()
	worker.PushFrame(liveAddr+60, false)
	worker.Park()

	c.GarbageCollect(nil)

	// 幸存者：入口点恢复为自身编译代码
	require.Equal(t, liveAddr, mLive.Entrypoint())
	h, codePtr := c.LookupMethodHeader(liveAddr+60, mLive)
	require.NotNil(t, h)
	require.Equal(t, liveAddr, codePtr)

	// 死者：入口点等于解释器桥接哨兵
	require.Equal(t, testBridge, mDead.Entrypoint())
	hDead, _ := c.LookupMethodHeader(deadAddr, nil)
	require.Nil(t, hDead)
}

// TestCollectInlinedFramesSkipped 测试内联帧不参与标记
func TestCollectInlinedFramesSkipped(t *testing.T) {
	c, threads := newCollectorCache(t, nil)
	arena := bytecode.NewMethodArena("app")

	m := arena.NewMethod("Inl", "inlined", 0)
	addr := commitMethod(t, c, m, 64)

	worker := threads.Attach()
	worker.PushFrame(addr+8, true) // 内联帧：跳过
	worker.Park()

	c.GarbageCollect(nil)
	require.Equal(t, testBridge, m.Entrypoint())
}

// TestCollectConsultsShadowStack 测试藏在跳板后的帧经影子栈标记
func TestCollectConsultsShadowStack(t *testing.T) {
	shadow := vm.NewShadowStack()
	c, threads := newCollectorCache(t, shadow)
	arena := bytecode.NewMethodArena("app")

	m := arena.NewMethod("Tramp", "hidden", 0)
	addr := commitMethod(t, c, m, 64)

	worker := threads.Attach()
	worker.Park()
	// 真实返回地址被插桩跳板顶替，只存在于影子栈上
	shadow.Push(worker, addr+16)

	c.GarbageCollect(nil)

	require.Equal(t, addr, m.Entrypoint())
	h, _ := c.LookupMethodHeader(addr, m)
	require.NotNil(t, h)
}

// TestCollectRequesterParticipates 测试请求方自己的栈也计入标记
func TestCollectRequesterParticipates(t *testing.T) {
	c, threads := newCollectorCache(t, nil)
	arena := bytecode.NewMethodArena("app")

	m := arena.NewMethod("Self", "requester", 0)
	addr := commitMethod(t, c, m, 64)

	self := threads.Attach()
	self.PushFrame(addr+4, false)

	c.GarbageCollect(self)
	require.Equal(t, addr, m.Entrypoint())
}

// TestCollectRunningThreadsAtSafepoint 测试执行中线程在安全点报告
func TestCollectRunningThreadsAtSafepoint(t *testing.T) {
	c, threads := newCollectorCache(t, nil)
	arena := bytecode.NewMethodArena("app")

	m := arena.NewMethod("Run", "polling", 0)
	addr := commitMethod(t, c, m, 64)

	worker := threads.Attach()
	worker.PushFrame(addr+4, false)

	// 模拟执行循环：持续轮询安全点直到收集结束
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				worker.CheckSafepoint()
			}
		}
	}()

	c.GarbageCollect(nil)
	close(done)

	require.Equal(t, addr, m.Entrypoint())
}

// TestCollectProfilingInfoLifecycle 测试剖析记录随属主产物回收
func TestCollectProfilingInfoLifecycle(t *testing.T) {
	c, threads := newCollectorCache(t, nil)
	arena := bytecode.NewMethodArena("app")

	mLive := arena.NewMethod("P", "live", 0)
	mDead := arena.NewMethod("P", "dead", 0)
	liveAddr := commitMethod(t, c, mLive, 64)
	commitMethod(t, c, mDead, 64)

	require.NotNil(t, c.AddProfilingInfo(nil, mLive, 2, false))
	require.NotNil(t, c.AddProfilingInfo(nil, mDead, 2, false))

	worker := threads.Attach()
	worker.PushFrame(liveAddr+8, false)
	worker.Park()

	c.GarbageCollect(nil)

	require.NotNil(t, c.ProfilingInfoFor(mLive), "survivor keeps its profiling info")
	require.Nil(t, c.ProfilingInfoFor(mDead), "collected entry drops its profiling info")
}

// TestCollectMemoryIsReusable 测试回收的空间可被后续提交复用
func TestCollectMemoryIsReusable(t *testing.T) {
	c, _ := newCollectorCache(t, nil)
	arena := bytecode.NewMethodArena("app")

	// 填到接近初始足迹，收集后等量提交应再次成功且无需扩容
	for round := 0; round < 5; round++ {
		for i := 0; i < 100; i++ {
			m := arena.NewMethod("R", fmt.Sprintf("r%d_%d", round, i), 0)
			code := bytes.Repeat([]byte{0x90}, 128)
			_, ok := c.CommitCode(nil, m, nil, nil, nil, FrameInfo{}, code, false)
			require.True(t, ok)
		}
		c.GarbageCollect(nil)
		require.Equal(t, 0, c.Stats().LiveEntries)
	}
}

// TestCommitDuringCollectionNoDeadlock 测试收集在途时受管线程的提交不死锁
//
// 在条件变量上等收集的线程走不到安全点，等待路径必须把它标成
// 休眠态，收集请求方才能代跑它的标记任务；否则双方互相等待。
func TestCommitDuringCollectionNoDeadlock(t *testing.T) {
	c, threads := newCollectorCache(t, nil)
	arena := bytecode.NewMethodArena("app")

	mutator := threads.Attach()
	defer threads.Detach(mutator)

	var failures int64
	commits := make(chan struct{})
	go func() {
		defer close(commits)
		for i := 0; i < 200; i++ {
			m := arena.NewMethod("Mut", fmt.Sprintf("c%03d", i), 0)
			code := bytes.Repeat([]byte{0x90}, 64)
			if _, ok := c.CommitCode(mutator, m, nil, nil, nil, FrameInfo{}, code, false); !ok {
				atomic.AddInt64(&failures, 1)
			}
			mutator.CheckSafepoint()
		}
	}()

	collections := make(chan struct{})
	go func() {
		defer close(collections)
		for i := 0; i < 20; i++ {
			c.GarbageCollect(nil)
		}
	}()

	for _, ch := range []chan struct{}{commits, collections} {
		select {
		case <-ch:
		case <-time.After(10 * time.Second):
			t.Fatal("commit deadlocked against in-flight collection")
		}
	}
	require.Zero(t, atomic.LoadInt64(&failures))
}
