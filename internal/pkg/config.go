// Package pkg 实现 Velox 运行时配置的加载与保存
package pkg

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// 常量定义
const (
	ConfigFileName = "velox.toml" // 配置文件名
)

// RuntimeConfig 运行时配置
type RuntimeConfig struct {
	Runtime RuntimeInfo `toml:"runtime"`
	JIT     JITConfig   `toml:"jit"`
}

// RuntimeInfo 运行时基本信息
type RuntimeInfo struct {
	// Name 运行时实例名（日志与检查器中显示）
	Name string `toml:"name"`

	// LogLevel 日志级别：debug / info / warn / error
	LogLevel string `toml:"log_level"`
}

// JITConfig JIT 代码缓存配置
type JITConfig struct {
	// Enabled 是否启用 JIT（关闭时进程纯解释执行）
	Enabled bool `toml:"enabled"`

	// InitialCodeCacheKB 代码缓存初始容量（KB）
	InitialCodeCacheKB int `toml:"initial_code_cache_kb"`

	// MaxCodeCacheKB 代码缓存容量上限（KB）
	MaxCodeCacheKB int `toml:"max_code_cache_kb"`

	// AllowRWXFallback 双视图映射不可用时允许单视图回退
	AllowRWXFallback bool `toml:"allow_rwx_fallback"`

	// Zygote 以 zygote 变体创建代码缓存
	Zygote bool `toml:"zygote"`

	// HotThreshold 热点检测阈值（调用次数）
	HotThreshold int `toml:"hot_threshold"`

	// InspectorAddr 检查器监听地址（空表示不启动）
	InspectorAddr string `toml:"inspector_addr"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *RuntimeConfig {
	return &RuntimeConfig{
		Runtime: RuntimeInfo{
			Name:     "velox",
			LogLevel: "info",
		},
		JIT: JITConfig{
			Enabled:            true,
			InitialCodeCacheKB: 64,
			MaxCodeCacheKB:     64 << 10,
			AllowRWXFallback:   false,
			HotThreshold:       1000,
		},
	}
}

// LoadConfig 从文件加载配置
func LoadConfig(path string) (*RuntimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate 校验配置
func (c *RuntimeConfig) Validate() error {
	if c.JIT.InitialCodeCacheKB <= 0 {
		return fmt.Errorf("jit.initial_code_cache_kb must be positive, got %d", c.JIT.InitialCodeCacheKB)
	}
	if c.JIT.MaxCodeCacheKB < c.JIT.InitialCodeCacheKB {
		return fmt.Errorf("jit.max_code_cache_kb (%d) smaller than initial (%d)",
			c.JIT.MaxCodeCacheKB, c.JIT.InitialCodeCacheKB)
	}
	return nil
}

// Save 保存配置到文件
func (c *RuntimeConfig) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
