//go:build linux

// mmap_linux.go - Linux 双视图映射
//
// memfd_create 提供匿名共享内存文件；同一段页被映射成只执行的
// 执行视图和只可写的影子视图。zygote 模式下附加封印，防止后代
// 进程改变文件大小。

package jit

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmapFixed 在指定地址强制映射（覆盖预留区间的一段）
func mmapFixed(addr, length uintptr, prot, flags, fd int, offset int64) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		length,
		uintptr(prot),
		uintptr(flags|unix.MAP_FIXED),
		uintptr(fd),
		uintptr(offset),
	)
	if errno != 0 {
		return fmt.Errorf("mmap fixed at %#x: %w", addr, errno)
	}
	return nil
}

// newDualMapping 建立双视图映射
func newDualMapping(capacity uintptr, isZygote bool) (*mapping, error) {
	name := "velox-jit-code-cache"
	if isZygote {
		name = "velox-zygote-jit-code-cache"
	}

	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(capacity)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate code cache fd: %w", err)
	}
	if isZygote {
		// 后代进程继承同一文件：封死扩缩
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS,
			unix.F_SEAL_SHRINK|unix.F_SEAL_GROW); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("seal zygote code cache fd: %w", err)
		}
	}

	// 先整段预留 PROT_NONE，保证数据半区与执行视图地址连续
	base, err := unix.Mmap(-1, 0, int(capacity), unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("reserve code cache range: %w", err)
	}

	half := capacity / 2
	reserved := uintptr(unsafe.Pointer(&base[0]))

	// 数据半区：可写视图
	if err := mmapFixed(reserved, half,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, fd, 0); err != nil {
		unix.Munmap(base)
		unix.Close(fd)
		return nil, err
	}

	// 代码半区：执行视图（绝不可写）
	if err := mmapFixed(reserved+half, half,
		unix.PROT_READ|unix.PROT_EXEC, unix.MAP_SHARED, fd, int64(half)); err != nil {
		unix.Munmap(base)
		unix.Close(fd)
		return nil, err
	}

	// 代码半区：影子视图（绝不可执行），地址由内核挑选
	shadow, err := unix.Mmap(fd, int64(half), int(half),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(base)
		unix.Close(fd)
		return nil, fmt.Errorf("map code shadow view: %w", err)
	}

	return &mapping{base: base, codeShadow: shadow, fd: fd}, nil
}
