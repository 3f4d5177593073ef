// cache.go - JIT 代码缓存门面
//
// 协调内存区、注册表和收集器，暴露给编译器与运行时的唯一入口。
// 实例在启动时显式构造、按引用传给各使用方（编译器、去优化器、
// 栈遍历器），关停时销毁，没有全局单例。
//
// 锁模型：一把互斥锁同时保护注册表和两个竞技场；条件变量串行化
// 收集（收集进行中的分配在其上阻塞）。ContainsPc 的边界检查和
// LookupMethodHeader 的"不在此处"快路径无锁。

package jit

import (
	"sync"

	uatomic "go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/veloxlang/velox/internal/bytecode"
	"github.com/veloxlang/velox/internal/vm"
)

// 默认容量
const (
	DefaultInitialCapacity = 64 << 10 // 64KB
	DefaultMaxCapacity     = 64 << 20 // 64MB
)

// Options 代码缓存构造参数
type Options struct {
	InitialCapacity uintptr
	MaxCapacity     uintptr

	// AllowRWXFallback 双视图不可用时是否允许单视图回退
	AllowRWXFallback bool

	// Zygote 以 zygote 变体创建（memfd 命名并封印）
	Zygote bool

	// InterpreterBridge 解释器桥接入口地址（软清除哨兵）
	InterpreterBridge uintptr

	// Checkpoints 线程挂起/检查点服务
	Checkpoints vm.CheckpointRunner

	// Instrumentation 插桩框架的影子栈视图
	Instrumentation vm.Instrumentation

	Logger *zap.Logger
}

// CodeCache JIT 代码缓存
type CodeCache struct {
	mu   sync.Mutex
	cond *sync.Cond

	region *MemoryRegion
	reg    *registry
	bitmap *liveBitmap

	// collecting 至多一个收集在途
	collecting bool

	bridge      uintptr
	checkpoints vm.CheckpointRunner
	instr       vm.Instrumentation
	log         *zap.Logger

	// 代码半区执行视图边界，初始化后只读（无锁快路径）
	codeBegin uintptr
	codeEnd   uintptr

	committed        uatomic.Int64
	failedCommits    uatomic.Int64
	collections      uatomic.Int64
	collectedEntries uatomic.Int64
	lastCollectionNs uatomic.Int64
}

// New 构造代码缓存
func New(opts Options) (*CodeCache, error) {
	if opts.InitialCapacity == 0 {
		opts.InitialCapacity = DefaultInitialCapacity
	}
	if opts.MaxCapacity == 0 {
		opts.MaxCapacity = DefaultMaxCapacity
	}
	if opts.Checkpoints == nil {
		opts.Checkpoints = vm.NewThreadRegistry()
	}
	if opts.Instrumentation == nil {
		opts.Instrumentation = vm.NopInstrumentation{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	region, err := NewMemoryRegion(opts.InitialCapacity, opts.MaxCapacity,
		opts.AllowRWXFallback, opts.Zygote)
	if err != nil {
		return nil, err
	}

	c := &CodeCache{
		region:      region,
		reg:         newRegistry(),
		bridge:      opts.InterpreterBridge,
		checkpoints: opts.Checkpoints,
		instr:       opts.Instrumentation,
		log:         opts.Logger.Named("codecache"),
	}
	c.cond = sync.NewCond(&c.mu)
	c.codeBegin, c.codeEnd = region.CodeRange()
	c.bitmap = newLiveBitmap(c.codeBegin, c.codeEnd-c.codeBegin)

	c.log.Info("code cache initialized",
		zap.Uint64("initial_capacity", uint64(region.CurrentCapacity())),
		zap.Uint64("max_capacity", uint64(region.MaxCapacity())),
		zap.Bool("single_view", region.IsSingleView()))
	return c, nil
}

// waitForCollectionLocked 在收集完成前阻塞（持锁调用）
//
// 受管线程在条件变量上睡眠期间无法走到安全点，而在途收集的
// 检查点恰恰要等它报告。等待前把线程标成休眠态，收集请求方
// 就能代跑它的标记任务；self 为 nil（非受管调用方）时只是
// 单纯等待。
//
// 恢复执行态放在循环之后：收集结束（检查点屏障已完成）才可能
// 退出循环，此刻不存在未认领的任务，Unpark 不会在持缓存锁时
// 执行标记访问者。
func (c *CodeCache) waitForCollectionLocked(self *vm.Thread) {
	if !c.collecting {
		return
	}
	if self != nil {
		self.Park()
	}
	for c.collecting {
		c.cond.Wait()
	}
	if self != nil {
		self.Unpark()
	}
}

// ============================================================================
// 提交
// ============================================================================

// CommitCode 提交一个方法的编译产物
//
// 失败时运行一次收集并重试（重试允许扩容）；再次失败返回
// (0, false)，调用方让该方法继续走解释器入口。
// 成功时方法入口点指向新代码，返回代码起始地址。
func (c *CodeCache) CommitCode(self *vm.Thread, m *bytecode.Method,
	mappingTable, vmapTable, gcMap []byte, frame FrameInfo, code []byte, hasDeopt bool) (uintptr, bool) {

	if addr, ok := c.commitAttempt(self, m, mappingTable, vmapTable, gcMap, frame, code, hasDeopt, false); ok {
		return addr, true
	}

	// 恰好一轮收集后重试；仍失败即本次提交的永久失败
	c.GarbageCollect(self)

	addr, ok := c.commitAttempt(self, m, mappingTable, vmapTable, gcMap, frame, code, hasDeopt, true)
	if !ok {
		c.failedCommits.Inc()
		c.log.Warn("code commit failed after collection",
			zap.String("method", m.FullName()),
			zap.Int("code_size", len(code)))
	}
	return addr, ok
}

func (c *CodeCache) commitAttempt(self *vm.Thread, m *bytecode.Method,
	mappingTable, vmapTable, gcMap []byte, frame FrameInfo, code []byte,
	hasDeopt bool, allowGrow bool) (uintptr, bool) {

	c.mu.Lock()
	defer c.mu.Unlock()
	c.waitForCollectionLocked(self)

	// 辅助表先落入数据半区，之后头部以偏移引用它们
	var tables [3]uintptr
	for i, blob := range [][]byte{mappingTable, vmapTable, gcMap} {
		ptr, ok := c.addDataLocked(blob, allowGrow)
		if !ok {
			c.freeTablesLocked(tables[:i])
			return 0, false
		}
		tables[i] = ptr
	}

	total := codeHeaderSize + uintptr(len(code))
	alloc := c.allocCodeLocked(total, allowGrow)
	if alloc.IsNull() {
		c.freeTablesLocked(tables[:])
		return 0, false
	}

	codePtr, err := c.region.CommitCode(alloc, code, tables[0], tables[1], tables[2], frame, hasDeopt)
	if err != nil {
		// 刷新失败的分配不可信任：整体废弃
		c.region.FreeCode(alloc.Exec())
		c.freeTablesLocked(tables[:])
		c.log.Error("code commit flush failed", zap.Error(err),
			zap.String("method", m.FullName()))
		return 0, false
	}

	c.reg.insert(&codeEntry{
		codePtr:   codePtr,
		allocBase: alloc.Exec(),
		codeSize:  uintptr(len(code)),
		method:    m,
	})
	m.SetEntrypoint(codePtr)
	c.committed.Inc()

	c.log.Debug("code committed",
		zap.String("method", m.FullName()),
		zap.Uint64("entrypoint", uint64(codePtr)),
		zap.Int("code_size", len(code)))
	return codePtr, true
}

// allocCodeLocked 代码分配，可选扩容重试
func (c *CodeCache) allocCodeLocked(size uintptr, allowGrow bool) DualPointer {
	alloc := c.region.AllocateCode(size)
	for alloc.IsNull() && allowGrow && c.region.IncreaseCapacity() {
		alloc = c.region.AllocateCode(size)
	}
	return alloc
}

// addDataLocked 把字节拷入数据半区，返回地址；空表返回 (0, true)
func (c *CodeCache) addDataLocked(data []byte, allowGrow bool) (uintptr, bool) {
	if len(data) == 0 {
		return 0, true
	}
	alloc := c.region.AllocateData(uintptr(len(data)))
	for alloc.IsNull() && allowGrow && c.region.IncreaseCapacity() {
		alloc = c.region.AllocateData(uintptr(len(data)))
	}
	if alloc.IsNull() {
		return 0, false
	}
	c.region.WriteData(alloc, data)
	return alloc.Exec(), true
}

func (c *CodeCache) freeTablesLocked(tables []uintptr) {
	for _, t := range tables {
		if t != 0 {
			c.region.FreeData(t)
		}
	}
}

// ============================================================================
// 查找
// ============================================================================

// ContainsPc O(1) 边界检查，无锁，可在每个栈遍历帧上调用
func (c *CodeCache) ContainsPc(pc uintptr) bool {
	return pc >= c.codeBegin && pc < c.codeEnd
}

// LookupMethodHeader 找到覆盖 pc 的产物头部
//
// "不在此处"的快路径无锁；命中路径在缓存锁下做 lower_bound。
// 返回头部与代码起始地址；未命中返回 (nil, 0)。
func (c *CodeCache) LookupMethodHeader(pc uintptr, hint *bytecode.Method) (*CodeHeader, uintptr) {
	if !c.ContainsPc(pc) {
		return nil, 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.reg.findByPc(pc)
	if e == nil {
		return nil, 0
	}
	if debugChecks && hint != nil && e.method != hint {
		c.log.Error("method hint mismatch in header lookup",
			zap.String("hint", hint.FullName()),
			zap.String("found", e.method.FullName()))
	}
	return headerFromCodePointer(e.codePtr), e.codePtr
}

// ============================================================================
// 元数据
// ============================================================================

// ReserveData 在数据半区预留 size 字节
//
// 直通到竞技场：耗尽返回空指针，不收集、不重试。
func (c *CodeCache) ReserveData(self *vm.Thread, size uintptr) DualPointer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waitForCollectionLocked(self)
	return c.region.AllocateData(size)
}

// AddDataArray 拷入一段元数据字节，返回其地址（0 表示失败）
func (c *CodeCache) AddDataArray(self *vm.Thread, data []byte) uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waitForCollectionLocked(self)
	ptr, _ := c.addDataLocked(data, false)
	return ptr
}

// CommitData 写入计数前缀根表与栈图
func (c *CodeCache) CommitData(self *vm.Thread, alloc DualPointer, roots []uintptr, stackMap []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waitForCollectionLocked(self)
	return c.region.CommitData(alloc, roots, stackMap)
}

// ClearData 释放一处元数据分配
func (c *CodeCache) ClearData(self *vm.Thread, ptr uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waitForCollectionLocked(self)
	c.region.FreeData(ptr)
}

// ============================================================================
// 按属主移除
// ============================================================================

// RemoveMethodsIn 移除属于指定方法分配区的全部产物
//
// 类加载器卸载时调用。与在途收集互斥。返回移除的产物数。
func (c *CodeCache) RemoveMethodsIn(self *vm.Thread, arena *bytecode.MethodArena) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waitForCollectionLocked(self)

	removed := 0
	for i := c.reg.size() - 1; i >= 0; i-- {
		e := c.reg.entries[i]
		if e.method.Owner() != arena {
			continue
		}
		e.method.SetEntrypoint(c.bridge)
		c.freeEntryLocked(e)
		c.reg.removeAt(i)
		removed++
	}

	for m, info := range c.reg.profiling {
		if m.Owner() == arena {
			c.region.FreeData(info.data.Write())
			delete(c.reg.profiling, m)
		}
	}

	if removed > 0 {
		c.log.Info("removed methods by owner",
			zap.String("arena", arena.Name()), zap.Int("removed", removed))
	}
	return removed
}

// freeEntryLocked 释放一个产物：代码 + 头部引用的全部辅助表
func (c *CodeCache) freeEntryLocked(e *codeEntry) {
	h := headerFromCodePointer(e.codePtr)
	for _, table := range []uintptr{
		h.MappingTable(e.codePtr),
		h.VmapTable(e.codePtr),
		h.GCMap(e.codePtr),
	} {
		if table != 0 {
			c.region.FreeData(table)
		}
	}
	c.region.FreeCode(e.allocBase)
}

// ============================================================================
// 剖析记录
// ============================================================================

// AddProfilingInfo 为方法创建（或返回已有的）剖析记录
//
// 分配失败且 retry 为真时，与 CommitCode 相同的
// 收集一次再重试策略。失败返回 nil。
func (c *CodeCache) AddProfilingInfo(self *vm.Thread, m *bytecode.Method, numSites int, retry bool) *ProfilingInfo {
	if info := c.tryAddProfilingInfo(self, m, numSites, false); info != nil {
		return info
	}
	if !retry {
		return nil
	}
	c.GarbageCollect(self)
	return c.tryAddProfilingInfo(self, m, numSites, true)
}

func (c *CodeCache) tryAddProfilingInfo(self *vm.Thread, m *bytecode.Method, numSites int, allowGrow bool) *ProfilingInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waitForCollectionLocked(self)

	if info, ok := c.reg.profiling[m]; ok {
		return info
	}

	size := profilingInfoSize(numSites)
	alloc := c.region.AllocateData(size)
	for alloc.IsNull() && allowGrow && c.region.IncreaseCapacity() {
		alloc = c.region.AllocateData(size)
	}
	if alloc.IsNull() {
		return nil
	}

	info := newProfilingInfo(m, alloc, size, numSites)
	c.reg.profiling[m] = info
	return info
}

// ProfilingInfoFor 返回方法的剖析记录（不存在时为 nil）
func (c *CodeCache) ProfilingInfoFor(m *bytecode.Method) *ProfilingInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reg.profiling[m]
}

// ============================================================================
// 观测
// ============================================================================

// EntryInfo 检查器暴露的产物摘要
type EntryInfo struct {
	Method    string `json:"method"`
	CodePtr   uint64 `json:"code_ptr"`
	CodeSize  uint64 `json:"code_size"`
	CallCount int64  `json:"call_count"`
}

// Entries 返回存活产物的快照
func (c *CodeCache) Entries() []EntryInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]EntryInfo, 0, c.reg.size())
	for _, e := range c.reg.entries {
		out = append(out, EntryInfo{
			Method:    e.method.FullName(),
			CodePtr:   uint64(e.codePtr),
			CodeSize:  uint64(e.codeSize),
			CallCount: e.method.CallCount(),
		})
	}
	return out
}

// Close 等待在途收集后释放全部映射
//
// 关停路径不属于任何受管线程，以非受管身份等待。
func (c *CodeCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waitForCollectionLocked(nil)
	return c.region.Close()
}
