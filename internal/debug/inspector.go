// inspector.go - 代码缓存检查器
//
// 通过 JSON-RPC 暴露代码缓存的运行时状态，供诊断工具与 IDE
// 连接。支持的方法：
//
//	cache/stats    -> 统计快照
//	cache/entries  -> 存活产物列表（可带 {"limit": N} 参数）
//	cache/collect  -> 触发一轮收集，返回收集后的统计
//
// 检查器连接不是受管线程，触发的收集以 nil 请求方参与检查点。

package debug

import (
	"context"
	"net"

	"github.com/segmentio/encoding/json"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/zap"

	"github.com/veloxlang/velox/internal/jit"
)

// Inspector 代码缓存检查器
type Inspector struct {
	cache *jit.CodeCache
	log   *zap.Logger
}

// NewInspector 创建检查器
func NewInspector(cache *jit.CodeCache, log *zap.Logger) *Inspector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Inspector{cache: cache, log: log.Named("inspector")}
}

// Serve 在监听器上接受连接，直到 ctx 取消
func (s *Inspector) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.log.Info("inspector client connected",
			zap.String("remote", conn.RemoteAddr().String()))
		go s.ServeConn(ctx, conn)
	}
}

// ServeConn 在单个连接上处理 JSON-RPC 请求
func (s *Inspector) ServeConn(ctx context.Context, rwc net.Conn) {
	conn := jsonrpc2.NewConn(jsonrpc2.NewStream(rwc))
	conn.Go(ctx, s.handle)
	<-conn.Done()
}

// entriesParams cache/entries 的可选参数
type entriesParams struct {
	Limit int `json:"limit"`
}

func (s *Inspector) handle(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	switch req.Method() {
	case "cache/stats":
		return reply(ctx, s.cache.Stats(), nil)

	case "cache/entries":
		var params entriesParams
		if raw := req.Params(); len(raw) > 0 {
			if err := json.Unmarshal(raw, &params); err != nil {
				return reply(ctx, nil, err)
			}
		}
		entries := s.cache.Entries()
		if params.Limit > 0 && params.Limit < len(entries) {
			entries = entries[:params.Limit]
		}
		return reply(ctx, entries, nil)

	case "cache/collect":
		s.cache.GarbageCollect(nil)
		return reply(ctx, s.cache.Stats(), nil)

	default:
		return jsonrpc2.MethodNotFoundHandler(ctx, reply, req)
	}
}
