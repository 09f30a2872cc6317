// Package client 会话代理：把同步通道上的入站事件转换为 Listener 回调，
// 并提供唯一的出站操作 SendMovement。
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"spacesync/config"
	"spacesync/protocol"
)

var (
	ErrNotConnected       = errors.New("not connected")
	ErrReconnectExhausted = errors.New("reconnection attempts exhausted")
)

// ConnectionFailedNotice 重连耗尽时展示给用户的提示
const ConnectionFailedNotice = "Connection failed. Please check your internet connection and try again."

// Proxy 包装一条同步通道（断线后自动重建）
type Proxy struct {
	cfg        config.ClientConfig
	base       *url.URL
	transports []Transport
	listener   Listener
	notices    *NoticeBoard
	backoff    *backoff.Backoff
	log        *zap.SugaredLogger

	connected       atomic.Bool
	connectionError atomic.Bool

	mu           sync.RWMutex
	conn         Conn
	id           string
	transport    string
	players      map[string]protocol.Player
	seenSnapshot bool
}

// Option 定制代理
type Option func(*Proxy)

// WithTransports 替换按配置构建的传输列表
func WithTransports(transports ...Transport) Option {
	return func(p *Proxy) { p.transports = transports }
}

// WithNoticeBoard 共享渲染层的提示面板
func WithNoticeBoard(nb *NoticeBoard) Option {
	return func(p *Proxy) { p.notices = nb }
}

// WithBackoff 替换重连间隔策略
func WithBackoff(b *backoff.Backoff) Option {
	return func(p *Proxy) { p.backoff = b }
}

// New 创建代理；需调用 Run 建立连接
func New(cfg config.ClientConfig, listener Listener, logger *zap.Logger, opts ...Option) (*Proxy, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing client url: %w", err)
	}
	transports, err := TransportsFromNames(cfg.Transports, cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	if listener == nil {
		listener = ListenerFuncs{}
	}
	log := logger.Sugar()
	p := &Proxy{
		cfg:        cfg,
		base:       base,
		transports: transports,
		listener:   listener,
		notices:    NewNoticeBoard(log),
		backoff: &backoff.Backoff{
			Min:    time.Second,
			Max:    5 * time.Second,
			Factor: 2,
			Jitter: true,
		},
		log:     log,
		players: make(map[string]protocol.Player),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Connected 已收到服务端连接确认
func (p *Proxy) Connected() bool { return p.connected.Load() }

// ConnectionError 最近一次连接尝试失败（重连成功后清除）
func (p *Proxy) ConnectionError() bool { return p.connectionError.Load() }

// Notices 用户提示面板
func (p *Proxy) Notices() *NoticeBoard { return p.notices }

// ID 当前会话 id，未连接时为空
func (p *Proxy) ID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.id
}

// Transport 当前使用的传输名
func (p *Proxy) Transport() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.transport
}

// Players 本地缓存的参与者副本
func (p *Proxy) Players() map[string]protocol.Player {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]protocol.Player, len(p.players))
	for id, pl := range p.players {
		out[id] = pl
	}
	return out
}

// SendMovement 发送本地位姿；不等待确认、不限速，由调用方决定频率
func (p *Proxy) SendMovement(pos protocol.Vec3, facing float64) error {
	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	frame := protocol.MustEncode(protocol.EventPlayerMovement, protocol.Movement{
		X:         pos.X,
		Y:         pos.Y,
		Z:         pos.Z,
		RotationY: facing,
	})
	if err := conn.WriteFrame(frame); err != nil {
		return fmt.Errorf("sending movement: %w", err)
	}
	return nil
}

// Run 建立连接并持续分发事件，断线后自动重连。
// 首次尝试之外最多重试 reconnect_attempts 次，全部失败后展示提示并返回 ErrReconnectExhausted；
// ctx 取消时返回 ctx.Err()
func (p *Proxy) Run(ctx context.Context) error {
	failures := 0
	for {
		conn, err := p.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			p.connectionError.Store(true)
			p.log.Warnw("connect failed", "attempt", failures, "error", err)
			if failures > p.cfg.ReconnectAttempts {
				p.notices.Show(ConnectionFailedNotice, p.cfg.NoticeTTL)
				return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, failures, err)
			}
			select {
			case <-time.After(p.backoff.Duration()):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		failures = 0
		p.backoff.Reset()
		err = p.serve(ctx, conn)
		p.detach(conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Infow("connection lost", "error", err)
	}
}

// connect 按顺序尝试每种传输，直到收到 connect 确认
func (p *Proxy) connect(ctx context.Context) (Conn, error) {
	var errs []error
	for _, t := range p.transports {
		conn, id, err := p.handshake(ctx, t)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
			continue
		}

		p.mu.Lock()
		p.conn = conn
		p.id = id
		p.transport = t.Name()
		p.seenSnapshot = false
		p.mu.Unlock()
		p.connected.Store(true)
		p.connectionError.Store(false)
		p.log.Infow("connected", "id", id, "transport", t.Name())
		return conn, nil
	}
	return nil, errors.Join(errs...)
}

func (p *Proxy) handshake(ctx context.Context, t Transport) (Conn, string, error) {
	dctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	conn, err := t.Dial(dctx, p.base)
	if err != nil {
		return nil, "", err
	}
	frame, err := conn.ReadFrame(dctx)
	if err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("awaiting connect: %w", err)
	}
	env, err := protocol.Decode(frame)
	if err == nil && env.Event != protocol.EventConnect {
		err = fmt.Errorf("expected %s, got %s", protocol.EventConnect, env.Event)
	}
	var hello protocol.Hello
	if err == nil {
		err = protocol.DecodeData(env, &hello)
	}
	if err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("awaiting connect: %w", err)
	}
	return conn, hello.ID, nil
}

// serve 读取帧并分发，直到通道出错或 ctx 取消
func (p *Proxy) serve(ctx context.Context, conn Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			return err
		}
		p.dispatch(frame)
	}
}

func (p *Proxy) detach(conn Conn) {
	_ = conn.Close()
	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
		p.id = ""
		p.transport = ""
	}
	p.mu.Unlock()
	p.connected.Store(false)
}

// dispatch 解码一帧，更新本地缓存后调用对应回调
func (p *Proxy) dispatch(frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		p.log.Debugw("dropping frame", "error", err)
		return
	}
	switch env.Event {
	case protocol.EventCurrentPlayers:
		var players map[string]protocol.Player
		if !p.decode(env, &players) {
			return
		}
		p.mu.Lock()
		first := !p.seenSnapshot
		p.seenSnapshot = true
		p.players = make(map[string]protocol.Player, len(players))
		for id, pl := range players {
			p.players[id] = pl
		}
		p.mu.Unlock()
		if first {
			p.listener.OnCurrentPlayers(players)
		}
	case protocol.EventNewPlayer:
		var pl protocol.Player
		if !p.decode(env, &pl) {
			return
		}
		p.mu.Lock()
		p.players[pl.ID] = pl
		p.mu.Unlock()
		p.listener.OnNewPlayer(pl)
	case protocol.EventPlayerMoved:
		var m protocol.Moved
		if !p.decode(env, &m) {
			return
		}
		p.mu.Lock()
		pl := p.players[m.ID]
		pl.ID, pl.X, pl.Y, pl.Z, pl.RotationY = m.ID, m.X, m.Y, m.Z, m.RotationY
		p.players[m.ID] = pl
		p.mu.Unlock()
		p.listener.OnPlayerMoved(m)
	case protocol.EventPlayerDisconnected:
		var id string
		if !p.decode(env, &id) {
			return
		}
		p.mu.Lock()
		delete(p.players, id)
		p.mu.Unlock()
		p.listener.OnPlayerDisconnected(id)
	default:
		p.log.Debugw("dropping frame", "event", env.Event, "error", protocol.ErrUnknownEvent)
	}
}

func (p *Proxy) decode(env protocol.Envelope, v any) bool {
	if err := protocol.DecodeData(env, v); err != nil {
		p.log.Debugw("dropping frame", "error", err)
		return false
	}
	return true
}
