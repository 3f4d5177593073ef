// method_test.go - 方法身份模型测试

package bytecode

import (
	"sync"
	"testing"
)

// TestMethodFullName 测试完整名称
func TestMethodFullName(t *testing.T) {
	a := NewMethodArena("test")

	m := a.NewMethod("Point", "distance", 1)
	if m.FullName() != "Point::distance" {
		t.Errorf("FullName = %q", m.FullName())
	}

	f := a.NewMethod("", "main", 0)
	if f.FullName() != "main" {
		t.Errorf("FullName = %q", f.FullName())
	}
}

// TestMethodEntrypoint 测试入口点的原子读写
func TestMethodEntrypoint(t *testing.T) {
	a := NewMethodArena("test")
	m := a.NewMethod("C", "m", 0)

	if m.Entrypoint() != 0 {
		t.Fatal("fresh method should have zero entrypoint")
	}
	m.SetEntrypoint(0x4000)
	if m.Entrypoint() != 0x4000 {
		t.Fatalf("Entrypoint = %#x", m.Entrypoint())
	}

	// 并发改写不撕裂（竞态检测器护航）
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(v uintptr) {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.SetEntrypoint(v)
				_ = m.Entrypoint()
			}
		}(uintptr(0x1000 * (i + 1)))
	}
	wg.Wait()
}

// TestMethodHotness 测试调用计数
func TestMethodHotness(t *testing.T) {
	a := NewMethodArena("test")
	m := a.NewMethod("C", "hot", 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.RecordCall()
			}
		}()
	}
	wg.Wait()

	if m.CallCount() != 800 {
		t.Fatalf("CallCount = %d, want 800", m.CallCount())
	}
}

// TestArenaOwnership 测试方法归属
func TestArenaOwnership(t *testing.T) {
	a := NewMethodArena("loaderA")
	b := NewMethodArena("loaderB")

	ma := a.NewMethod("C", "m", 0)
	mb := b.NewMethod("C", "m", 0)

	if ma.Owner() != a || mb.Owner() != b {
		t.Fatal("ownership mismatch")
	}
	if a.Size() != 1 || b.Size() != 1 {
		t.Fatalf("sizes = %d, %d", a.Size(), b.Size())
	}

	ms := a.Methods()
	if len(ms) != 1 || ms[0] != ma {
		t.Fatal("Methods snapshot mismatch")
	}
}
