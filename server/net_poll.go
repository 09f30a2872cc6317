package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"spacesync/config"
)

var errPollClosed = errors.New("poll session closed")

// PollConn 长轮询回退通道：出站帧在内存队列中等待下一次 GET 取走
type PollConn struct {
	mu     sync.Mutex
	queue  [][]byte
	max    int
	notify chan struct{}
	done   chan struct{}
	once   sync.Once

	lastSeen atomic.Int64 // unix 纳秒，用于空闲回收
}

func NewPollConn(max int) *PollConn {
	c := &PollConn{
		max:    max,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	c.touch()
	return c
}

// Send 非阻塞入队，满或已关闭时丢弃
func (c *PollConn) Send(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return false
	default:
	}
	if len(c.queue) >= c.max {
		return false
	}
	c.queue = append(c.queue, b)
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

func (c *PollConn) Close() {
	c.once.Do(func() { close(c.done) })
}

// Done 关闭信号
func (c *PollConn) Done() <-chan struct{} { return c.done }

// Drain 取走全部排队帧；队列为空时最多等待 wait
func (c *PollConn) Drain(ctx context.Context, wait time.Duration) ([][]byte, error) {
	c.touch()
	defer c.touch()
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			frames := c.queue
			c.queue = nil
			c.mu.Unlock()
			return frames, nil
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-c.done:
			return nil, errPollClosed
		case <-timer.C:
			return [][]byte{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// requeue 把未能送达的一批帧放回队首，保持原有顺序
func (c *PollConn) requeue(frames [][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(slices.Clone(frames), c.queue...)
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *PollConn) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

func (c *PollConn) idleSince() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// pollSession 一条长轮询会话。token 只返回给打开者，
// 与会话 id 无关：id 会随快照广播给所有人，不能当作凭据
type pollSession struct {
	id   PlayerID
	conn *PollConn
}

// PollHandler 长轮询接入：/sync/poll
//
//	POST   (无 sid)  打开会话，返回 {"sid": token}
//	GET    ?sid=     取走排队帧（JSON 数组，可能为空）
//	POST   ?sid=     投递一条入站帧
//	DELETE ?sid=     关闭会话
type PollHandler struct {
	hub *Hub
	cfg config.ServerConfig

	mu       sync.Mutex
	sessions map[string]*pollSession
}

func NewPollHandler(hub *Hub, cfg config.ServerConfig) *PollHandler {
	return &PollHandler{
		hub:      hub,
		cfg:      cfg,
		sessions: make(map[string]*pollSession),
	}
}

type pollOpenResponse struct {
	SID string `json:"sid"`
}

func (h *PollHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("sid")
	if token == "" {
		if r.Method != http.MethodPost {
			http.Error(w, "missing sid", http.StatusBadRequest)
			return
		}
		h.open(w)
		return
	}

	sess, ok := h.lookup(token)
	if !ok {
		http.Error(w, "unknown sid", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.drain(w, r, sess)
	case http.MethodPost:
		sess.conn.touch()
		body, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.MaxMessageSize+1))
		if err != nil || int64(len(body)) > h.cfg.MaxMessageSize {
			http.Error(w, "frame too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.hub.handleFrame(sess.id, body)
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		sess.conn.Close()
		h.release(token, sess)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// drain 响应一次 GET。客户端已离开时把帧放回队列；写失败的帧计为丢弃
func (h *PollHandler) drain(w http.ResponseWriter, r *http.Request, sess *pollSession) {
	frames, err := sess.conn.Drain(r.Context(), h.cfg.PollWait)
	if err != nil {
		http.Error(w, err.Error(), http.StatusGone)
		return
	}
	if r.Context().Err() != nil {
		if len(frames) > 0 {
			sess.conn.requeue(frames)
		}
		return
	}
	raw := make([]json.RawMessage, len(frames))
	for i, f := range frames {
		raw[i] = f
	}
	body, err := json.Marshal(raw)
	if err != nil {
		h.dropped(sess.id, len(frames), err)
		http.Error(w, "encoding poll batch", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(body); err != nil {
		h.dropped(sess.id, len(frames), err)
	}
}

func (h *PollHandler) dropped(id PlayerID, n int, err error) {
	h.hub.metrics.AddSendsDropped(n)
	h.hub.log.Debugw("poll batch lost", "player", id, "frames", n, "error", err)
}

func (h *PollHandler) open(w http.ResponseWriter) {
	conn := NewPollConn(h.cfg.SendBuffer)
	rec, err := h.hub.Join(context.Background(), conn)
	if err != nil {
		conn.Close()
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	token := uuid.NewString()
	sess := &pollSession{id: rec.ID, conn: conn}
	h.mu.Lock()
	h.sessions[token] = sess
	h.mu.Unlock()
	h.hub.metrics.IncPollSessions()

	// 关闭（显式 DELETE、空闲回收或服务停止）后恰好触发一次 Leave
	go func() {
		<-conn.Done()
		h.release(token, sess)
	}()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(pollOpenResponse{SID: token})
}

func (h *PollHandler) lookup(token string) (*pollSession, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[token]
	return s, ok
}

// release 从表中移除并通知 Hub；只有真正移除的一方调用 Leave
func (h *PollHandler) release(token string, sess *pollSession) {
	h.mu.Lock()
	cur, ok := h.sessions[token]
	removed := ok && cur == sess
	if removed {
		delete(h.sessions, token)
	}
	h.mu.Unlock()
	if removed {
		h.hub.Leave(sess.id)
	}
}

// Reap 定期关闭超过 poll_idle_timeout 未被轮询的会话，直到 ctx 取消
func (h *PollHandler) Reap(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.PollIdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.reapIdle(now)
		}
	}
}

func (h *PollHandler) reapIdle(now time.Time) int {
	h.mu.Lock()
	var idle []*PollConn
	for _, s := range h.sessions {
		if now.Sub(s.conn.idleSince()) > h.cfg.PollIdleTimeout {
			idle = append(idle, s.conn)
		}
	}
	h.mu.Unlock()

	for _, c := range idle {
		h.hub.metrics.IncPollReaped()
		c.Close()
	}
	return len(idle)
}
