// instrumentation.go - 插桩监听框架接口
//
// 插桩框架在方法入口安插跳板时，会把被遮蔽的真实返回地址
// 保存到每线程的影子栈上。收集器标记时必须同时咨询影子栈，
// 否则藏在跳板后面的编译代码会被误判为不可达。
// 框架本身不在本核心实现。

package vm

import "sync"

// Instrumentation 插桩监听框架的影子栈视图
type Instrumentation interface {
	// VisitShadowFrames 遍历线程影子栈上保存的返回地址
	VisitShadowFrames(t *Thread, fn func(pc uintptr))
}

// NopInstrumentation 空实现（未启用插桩时使用）
type NopInstrumentation struct{}

// VisitShadowFrames 实现 Instrumentation
func (NopInstrumentation) VisitShadowFrames(*Thread, func(uintptr)) {}

// ShadowStack 进程内影子栈实现（运行时与测试使用）
type ShadowStack struct {
	mu     sync.Mutex
	frames map[int][]uintptr // 线程 ID -> 被遮蔽的返回地址
}

// NewShadowStack 创建影子栈
func NewShadowStack() *ShadowStack {
	return &ShadowStack{frames: make(map[int][]uintptr)}
}

// Push 记录一个被跳板遮蔽的返回地址
func (s *ShadowStack) Push(t *Thread, pc uintptr) {
	s.mu.Lock()
	s.frames[t.ID()] = append(s.frames[t.ID()], pc)
	s.mu.Unlock()
}

// Pop 移除线程影子栈栈顶
func (s *ShadowStack) Pop(t *Thread) {
	s.mu.Lock()
	if fs := s.frames[t.ID()]; len(fs) > 0 {
		s.frames[t.ID()] = fs[:len(fs)-1]
	}
	s.mu.Unlock()
}

// VisitShadowFrames 实现 Instrumentation
func (s *ShadowStack) VisitShadowFrames(t *Thread, fn func(pc uintptr)) {
	s.mu.Lock()
	snapshot := append([]uintptr(nil), s.frames[t.ID()]...)
	s.mu.Unlock()

	for _, pc := range snapshot {
		fn(pc)
	}
}
