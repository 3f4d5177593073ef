//go:build !unix

// 不支持的平台：JIT 代码缓存无法初始化，外层回退纯解释执行。

package jit

var (
	protRX = 0
	protRW = 0
)

func baseAddr(b []byte) uintptr { return 0 }

func newSingleMapping(capacity uintptr) (*mapping, error) {
	return nil, ErrMappingUnsupported
}

func (m *mapping) protectCode(prot int) error { return ErrMappingUnsupported }

func (m *mapping) advise(writeAddr, length uintptr) {}

func (m *mapping) close() error { return nil }
