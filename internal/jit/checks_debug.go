//go:build velox_debug

package jit

const debugChecks = true
