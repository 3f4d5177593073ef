//go:build !linux

package jit

func registerPipelineSync() bool { return false }

func pipelineSync(registered bool) error { return nil }
