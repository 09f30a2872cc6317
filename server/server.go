// Package server 实时会话同步服务端：连接注册表、广播路由、
// WebSocket 与长轮询两种通道，以及监控接口。
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"spacesync/config"
)

const shutdownTimeout = 5 * time.Second

// Server 组装 Hub 与 HTTP 路由，生命周期与进程启动/停止一致
type Server struct {
	cfg     config.ServerConfig
	log     *zap.SugaredLogger
	metrics *Metrics
	hub     *Hub
	ws      *WSHandler
	poll    *PollHandler
}

// New 创建服务端；opts 透传给注册表（测试中固定 id）
func New(cfg config.ServerConfig, logger *zap.Logger, opts ...RegistryOption) *Server {
	log := logger.Sugar()
	metrics := &Metrics{}
	hub := NewHub(metrics, log, opts...)
	return &Server{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		hub:     hub,
		ws:      NewWSHandler(hub, cfg),
		poll:    NewPollHandler(hub, cfg),
	}
}

// Hub 暴露事件循环，便于嵌入与测试
func (s *Server) Hub() *Hub { return s.hub }

// Metrics 运行指标
func (s *Server) Metrics() *Metrics { return s.metrics }

// Handler 返回完整的 HTTP 路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/sync/ws", s.ws)
	mux.Handle("/sync/poll", s.poll)
	// 静态客户端资源与同步协议相互独立
	mux.Handle("/", http.FileServer(http.Dir(s.cfg.StaticDir)))
	mux.HandleFunc("/metrics", s.HandleMetrics)
	mux.HandleFunc("/sessions", s.HandleSessions)
	mux.HandleFunc("/healthz", HandleHealth)
	return mux
}

// Start 启动 Hub 与长轮询回收协程，返回的 stop 等待二者退出
func (s *Server) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.hub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.poll.Reap(ctx)
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// Run 在 cfg.Addr() 上提供服务，直到 ctx 取消后优雅退出
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve 使用已有监听器提供服务
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := s.Start(ctx)
	defer stop()

	srv := &http.Server{Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("spacesync listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// 被劫持的 WebSocket 连接不受 Shutdown 管理，由 Hub 停止时统一关闭
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
