// veloxjit - Velox JIT 代码缓存诊断工具
//
// 用法:
//   veloxjit stress [options]      # 合成提交/收集负载，打印统计
//   veloxjit serve [options]       # 启动检查器服务
//   veloxjit config                # 生成默认配置文件
//
// 负载是合成的：提交的"机器码"只被缓存管理，从不执行，
// 用于在目标机器上验证映射模式、容量策略与收集行为。

package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/veloxlang/velox/internal/bytecode"
	"github.com/veloxlang/velox/internal/debug"
	"github.com/veloxlang/velox/internal/jit"
	"github.com/veloxlang/velox/internal/pkg"
	"github.com/veloxlang/velox/internal/vm"
)

// 版本信息
const (
	Version = "0.1.0"
	Name    = "veloxjit"
)

// 命令行选项
var (
	helpFlag    = flag.Bool("help", false, "显示帮助信息")
	versionFlag = flag.Bool("version", false, "显示版本信息")
	verboseFlag = flag.Bool("verbose", false, "详细输出")
	configFlag  = flag.String("config", pkg.ConfigFileName, "配置文件路径")

	// stress 选项
	methodsFlag = flag.Int("methods", 200, "提交的方法数")
	sizeFlag    = flag.Int("size", 512, "每个方法的平均代码字节数")
	threadsFlag = flag.Int("threads", 4, "模拟的受管线程数")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if *helpFlag {
		usage()
		os.Exit(0)
	}
	if *versionFlag {
		fmt.Printf("%s version %s\n", Name, Version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "stress":
		err = cmdStress()
	case "serve":
		err = cmdServe()
	case "config":
		err = cmdConfig()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", Name, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `%s - Velox JIT code cache diagnostics

Usage:
  %s stress [options]    run a synthetic commit/collect workload
  %s serve  [options]    serve the cache inspector
  %s config              write a default %s

Options:
`, Name, Name, Name, Name, pkg.ConfigFileName)
	flag.PrintDefaults()
}

// loadConfig 加载配置，文件缺失时使用默认值
func loadConfig() *pkg.RuntimeConfig {
	cfg, err := pkg.LoadConfig(*configFlag)
	if err != nil {
		return pkg.DefaultConfig()
	}
	return cfg
}

func newLogger(cfg *pkg.RuntimeConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	level := cfg.Runtime.LogLevel
	if *verboseFlag {
		level = "debug"
	}
	lv, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("bad log level %q: %w", level, err)
	}
	zc.Level = zap.NewAtomicLevelAt(lv)
	return zc.Build()
}

// buildCache 按配置构造缓存与线程注册表
func buildCache(cfg *pkg.RuntimeConfig, log *zap.Logger) (*jit.CodeCache, *vm.ThreadRegistry, error) {
	threads := vm.NewThreadRegistry()
	cache, err := jit.New(jit.Options{
		InitialCapacity:  uintptr(cfg.JIT.InitialCodeCacheKB) << 10,
		MaxCapacity:      uintptr(cfg.JIT.MaxCodeCacheKB) << 10,
		AllowRWXFallback: cfg.JIT.AllowRWXFallback,
		Zygote:           cfg.JIT.Zygote,
		Checkpoints:      threads,
		Logger:           log,
	})
	if err != nil {
		return nil, nil, err
	}
	return cache, threads, nil
}

// cmdStress 合成负载：提交、部分驻留栈、收集
func cmdStress() error {
	cfg := loadConfig()
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	cache, threads, err := buildCache(cfg, log)
	if err != nil {
		return err
	}
	defer cache.Close()

	arena := bytecode.NewMethodArena("stress")
	rng := rand.New(rand.NewSource(1))

	// 休眠线程：栈静止，检查点由请求方代跑
	workers := make([]*vm.Thread, *threadsFlag)
	for i := range workers {
		workers[i] = threads.Attach()
		workers[i].Park()
	}

	committed := 0
	for i := 0; i < *methodsFlag; i++ {
		m := arena.NewMethod("Stress", fmt.Sprintf("m%04d", i), 2)
		code := make([]byte, *sizeFlag/2+rng.Intn(*sizeFlag))
		rng.Read(code)

		addr, ok := cache.CommitCode(nil, m,
			[]byte{0x01, 0x02}, []byte{0x03}, []byte{0x04, 0x05, 0x06},
			jit.FrameInfo{FrameSizeInBytes: 64}, code, false)
		if !ok {
			continue
		}
		committed++

		// 一部分入口点驻留在模拟线程的栈上，收集时应当幸存
		if i%7 == 0 {
			workers[i%len(workers)].PushFrame(addr+4, false)
		}
	}

	cache.GarbageCollect(nil)

	stats := cache.Stats()
	out, err := json.Marshal(struct {
		Committed int       `json:"committed"`
		Stats     jit.Stats `json:"stats"`
	}{committed, stats})
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// cmdServe 启动检查器并保持空闲缓存
func cmdServe() error {
	cfg := loadConfig()
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	addr := cfg.JIT.InspectorAddr
	if addr == "" {
		addr = "127.0.0.1:9229"
	}

	cache, _, err := buildCache(cfg, log)
	if err != nil {
		return err
	}
	defer cache.Close()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Info("inspector listening", zap.String("addr", addr))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return debug.NewInspector(cache, log).Serve(ctx, ln)
}

// cmdConfig 写出默认配置
func cmdConfig() error {
	cfg := pkg.DefaultConfig()
	if err := cfg.Save(*configFlag); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", *configFlag)
	return nil
}
