// arena_test.go - 竞技场分配器测试

package jit

import "testing"

// TestArenaAllocFree 测试基本分配与释放
func TestArenaAllocFree(t *testing.T) {
	a := newArena("test", 0x10000, 1024, 4096, nil)

	p1 := a.alloc(100)
	if p1 == 0 {
		t.Fatal("alloc(100) failed")
	}
	if p1 < 0x10000 || p1 >= 0x10000+1024 {
		t.Fatalf("allocation outside arena: %#x", p1)
	}

	p2 := a.alloc(200)
	if p2 == 0 {
		t.Fatal("alloc(200) failed")
	}
	if p2 < p1+alignUp(100) {
		t.Fatalf("allocations overlap: p1=%#x p2=%#x", p1, p2)
	}

	if got := a.sizeOf(p1); got != alignUp(100) {
		t.Errorf("sizeOf(p1) = %d, want %d", got, alignUp(100))
	}

	if freed := a.freeBlock(p1); freed != alignUp(100) {
		t.Errorf("freeBlock returned %d, want %d", freed, alignUp(100))
	}
	// 重复释放无效
	if freed := a.freeBlock(p1); freed != 0 {
		t.Errorf("double free returned %d, want 0", freed)
	}
}

// TestArenaExhaustion 测试耗尽返回 0 而非阻塞
func TestArenaExhaustion(t *testing.T) {
	a := newArena("test", 0x10000, 256, 512, nil)

	if p := a.alloc(512); p != 0 {
		t.Fatalf("alloc beyond footprint should fail, got %#x", p)
	}

	p := a.alloc(256)
	if p == 0 {
		t.Fatal("alloc(256) failed")
	}
	if q := a.alloc(16); q != 0 {
		t.Fatalf("alloc after exhaustion should fail, got %#x", q)
	}
}

// TestArenaCoalesce 测试相邻空闲块合并
func TestArenaCoalesce(t *testing.T) {
	a := newArena("test", 0x10000, 512, 512, nil)

	p1 := a.alloc(128)
	p2 := a.alloc(128)
	p3 := a.alloc(128)
	if p1 == 0 || p2 == 0 || p3 == 0 {
		t.Fatal("setup allocations failed")
	}

	// 释放顺序制造空洞，再检验合并后能放下大块
	a.freeBlock(p1)
	a.freeBlock(p3)
	a.freeBlock(p2)

	if p := a.alloc(512); p == 0 {
		t.Fatal("coalesced free space should fit 512 bytes")
	}
}

// TestArenaFootprintGrowth 测试足迹增长与通知回调
func TestArenaFootprintGrowth(t *testing.T) {
	var notified []uintptr
	a := newArena("test", 0x10000, 256, 1024, func(old, new uintptr) {
		notified = append(notified, old, new)
	})

	a.alloc(256)
	if p := a.alloc(64); p != 0 {
		t.Fatal("should be exhausted")
	}

	a.setFootprint(512)
	if p := a.alloc(64); p == 0 {
		t.Fatal("alloc should succeed after footprint growth")
	}
	if len(notified) != 2 || notified[0] != 256 || notified[1] != 512 {
		t.Errorf("grow notification = %v, want [256 512]", notified)
	}

	// 足迹不超过预留上限
	a.setFootprint(4096)
	if a.limit() != 1024 {
		t.Errorf("footprint = %d, want clamped to 1024", a.limit())
	}
}

// TestArenaUsedBytes 测试用量统计
func TestArenaUsedBytes(t *testing.T) {
	a := newArena("test", 0x10000, 1024, 1024, nil)

	p := a.alloc(100)
	if a.used() != alignUp(100) {
		t.Errorf("used = %d, want %d", a.used(), alignUp(100))
	}
	a.freeBlock(p)
	if a.used() != 0 {
		t.Errorf("used after free = %d, want 0", a.used())
	}
}
