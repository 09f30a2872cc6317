package server

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"spacesync/protocol"
)

// ErrHubClosed Hub 已停止，不再接受新连接
var ErrHubClosed = errors.New("hub closed")

type requestKind int

const (
	reqJoin requestKind = iota
	reqMove
	reqLeave
	reqQuery
)

// request 提交给事件循环的一个原子步骤
type request struct {
	kind   requestKind
	id     PlayerID
	ch     Channel
	pos    protocol.Vec3
	facing float64
	reply  chan SessionRecord
	query  func()
}

// Hub 持有唯一的 Registry 与 Router，由单个协程串行处理
// 连接、位姿更新、断开，每次只观察到一个变更，无需加锁
type Hub struct {
	registry *Registry
	router   *Router
	metrics  *Metrics
	log      *zap.SugaredLogger

	requests chan request
	done     chan struct{}
}

// NewHub 创建 Hub，需调用 Run 启动事件循环
func NewHub(metrics *Metrics, log *zap.SugaredLogger, opts ...RegistryOption) *Hub {
	return &Hub{
		registry: NewRegistry(opts...),
		router:   NewRouter(metrics, log),
		metrics:  metrics,
		log:      log,
		requests: make(chan request, 256), // 足够缓冲，避免网络读阻塞
		done:     make(chan struct{}),
	}
}

// Run 事件循环：ctx 取消后关闭所有通道并返回
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.router.CloseAll()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-h.requests:
			h.apply(req)
		}
	}
}

func (h *Hub) apply(req request) {
	switch req.kind {
	case reqJoin:
		rec := h.registry.Connect()
		h.metrics.IncConnects()
		h.router.Connected(rec, req.ch, h.registry.Snapshot())
		h.log.Infow("player connected", "player", rec.ID, "online", h.registry.Len())
		req.reply <- rec
	case reqMove:
		rec, ok := h.registry.Move(req.id, req.pos, req.facing)
		if !ok {
			// 与断线竞争的在途更新，属正常时序现象
			h.metrics.IncUnknownMovements()
			return
		}
		h.metrics.IncMovements()
		h.router.Moved(rec)
	case reqLeave:
		if !h.registry.Disconnect(req.id) {
			return
		}
		h.metrics.IncDisconnects()
		h.router.Disconnected(req.id)
		h.log.Infow("player disconnected", "player", req.id, "online", h.registry.Len())
	case reqQuery:
		req.query()
	}
}

// submit 阻塞提交，Hub 停止后返回 false
func (h *Hub) submit(req request) bool {
	select {
	case h.requests <- req:
		return true
	case <-h.done:
		return false
	}
}

// Join 为已打开的通道创建会话记录；握手与快照已写入 ch 的发送队列
func (h *Hub) Join(ctx context.Context, ch Channel) (SessionRecord, error) {
	reply := make(chan SessionRecord, 1)
	select {
	case h.requests <- request{kind: reqJoin, ch: ch, reply: reply}:
	case <-h.done:
		return SessionRecord{}, ErrHubClosed
	case <-ctx.Done():
		return SessionRecord{}, ctx.Err()
	}
	select {
	case rec := <-reply:
		return rec, nil
	case <-h.done:
		return SessionRecord{}, ErrHubClosed
	}
}

// Move 提交来自 id 自身通道的位姿更新
func (h *Hub) Move(id PlayerID, pos protocol.Vec3, facing float64) {
	h.submit(request{kind: reqMove, id: id, pos: pos, facing: facing})
}

// Leave 通道关闭时调用；重复调用为 no-op。
// 为保证移除一定生效，这里采用阻塞式写入
func (h *Hub) Leave(id PlayerID) {
	h.submit(request{kind: reqLeave, id: id})
}

// Snapshot 在事件循环中取一份时间点副本
func (h *Hub) Snapshot() map[PlayerID]SessionRecord {
	var snap map[PlayerID]SessionRecord
	h.query(func() { snap = h.registry.Snapshot() })
	return snap
}

// Count 在线会话数
func (h *Hub) Count() int {
	var n int
	h.query(func() { n = h.registry.Len() })
	return n
}

func (h *Hub) query(f func()) {
	finished := make(chan struct{})
	if !h.submit(request{kind: reqQuery, query: func() { f(); close(finished) }}) {
		return
	}
	select {
	case <-finished:
	case <-h.done:
	}
}
