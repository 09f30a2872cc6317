package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"spacesync/config"
)

// ClientConn 一个 WebSocket 参与者的发送队列与读写协程
type ClientConn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	writeWait      time.Duration
	pongWait       time.Duration
	maxMessageSize int64
}

func NewClientConn(ws *websocket.Conn, cfg config.ServerConfig) *ClientConn {
	return &ClientConn{
		ws:             ws,
		send:           make(chan []byte, cfg.SendBuffer),
		done:           make(chan struct{}),
		writeWait:      cfg.WriteWait,
		pongWait:       cfg.PongWait,
		maxMessageSize: cfg.MaxMessageSize,
	}
}

// Send 将要发送的消息压入队列（非阻塞，满则丢弃）
func (c *ClientConn) Send(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		// 为了实时性丢弃，防止阻塞事件循环
		return false
	}
}

// Close 通知写协程发送关闭帧并断开底层连接。
// send 通道不关闭，避免与并发 Send 竞争
func (c *ClientConn) Close() {
	c.once.Do(func() { close(c.done) })
}

// writePump 独立协程，负责从 send 队列写出到 WS，并定期 ping
func (c *ClientConn) writePump() {
	ticker := time.NewTicker(c.pongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(c.writeWait))
			return
		}
	}
}

// readPump 读取客户端帧交给 Hub；退出时恰好触发一次 Leave
func (c *ClientConn) readPump(hub *Hub, id PlayerID) {
	defer c.Close()
	defer hub.Leave(id)
	c.ws.SetReadLimit(c.maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(time.Now().Add(c.pongWait)) })

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				hub.log.Debugw("websocket read error", "player", id, "error", err)
			}
			return
		}
		hub.handleFrame(id, payload)
	}
}

// WSHandler WebSocket 接入：/sync/ws
type WSHandler struct {
	hub      *Hub
	cfg      config.ServerConfig
	upgrader websocket.Upgrader
}

func NewWSHandler(hub *Hub, cfg config.ServerConfig) *WSHandler {
	return &WSHandler{
		hub: hub,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// 静态资源与同步服务同源部署，允许所有来源
				return true
			},
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.log.Warnw("upgrade error", "error", err)
		return
	}

	client := NewClientConn(ws, h.cfg)
	rec, err := h.hub.Join(context.Background(), client)
	if err != nil {
		client.Close()
		_ = ws.Close()
		return
	}

	go client.writePump()
	go client.readPump(h.hub, rec.ID)
}
