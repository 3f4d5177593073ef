//go:build !velox_debug

package jit

// debugChecks 调试构建下启用方法提示交叉校验
const debugChecks = false
