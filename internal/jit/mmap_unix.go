//go:build unix

// mmap_unix.go - Unix 通用映射操作
//
// 单视图回退模式、保护位切换与解除映射对所有 Unix 平台一致。

package jit

import (
	"fmt"
	"unsafe"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// 平台保护位（region.go 通过这两个值请求切换，避免直接依赖 unix 包）
var (
	protRX = unix.PROT_READ | unix.PROT_EXEC
	protRW = unix.PROT_READ | unix.PROT_WRITE
)

func baseAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// newSingleMapping 建立单视图回退映射
//
// 整段匿名私有映射，数据半区 RW，代码半区静止时 RX、
// 写入期间由作用域写窗口临时切到 RW。
func newSingleMapping(capacity uintptr) (*mapping, error) {
	base, err := unix.Mmap(-1, 0, int(capacity),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("map single-view code cache: %w", err)
	}

	m := &mapping{base: base, fd: -1, singleView: true}
	if err := m.protectCode(unix.PROT_READ | unix.PROT_EXEC); err != nil {
		unix.Munmap(base)
		return nil, err
	}
	return m, nil
}

// protectCode 切换代码半区的保护位（仅单视图模式有意义）
func (m *mapping) protectCode(prot int) error {
	half := m.half()
	code := m.base[half : half+half]
	if err := unix.Mprotect(code, prot); err != nil {
		return fmt.Errorf("mprotect code half: %w", err)
	}
	return nil
}

// advise 对可写视图的一段做 madvise（足迹增长时提交新页）
func (m *mapping) advise(writeAddr, length uintptr) {
	s := unsafe.Slice((*byte)(unsafe.Pointer(writeAddr)), length)
	// 建议性调用，失败不影响正确性
	_ = unix.Madvise(s, unix.MADV_WILLNEED)
}

// close 解除全部视图并关闭文件描述符
func (m *mapping) close() error {
	var err error
	if m.codeShadow != nil {
		err = multierr.Append(err, unix.Munmap(m.codeShadow))
		m.codeShadow = nil
	}
	if m.base != nil {
		err = multierr.Append(err, unix.Munmap(m.base))
		m.base = nil
	}
	if m.fd >= 0 {
		err = multierr.Append(err, unix.Close(m.fd))
		m.fd = -1
	}
	return err
}
