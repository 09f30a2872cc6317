package server

import (
	"github.com/samber/lo"
	"go.uber.org/zap"

	"spacesync/protocol"
)

// Channel 一个参与者的有序双向通道（WebSocket 或长轮询）
type Channel interface {
	// Send 非阻塞入队，返回 false 表示已丢弃（队列满或已关闭）
	Send(frame []byte) bool
	// Close 关闭通道；读协程随之退出并触发一次 Leave
	Close()
}

// Router 将注册表事件扇出为协议消息。
// 与 Registry 一样只在 Hub 事件循环中调用。
type Router struct {
	channels map[PlayerID]Channel
	metrics  *Metrics
	log      *zap.SugaredLogger
}

func NewRouter(metrics *Metrics, log *zap.SugaredLogger) *Router {
	return &Router{
		channels: make(map[PlayerID]Channel),
		metrics:  metrics,
		log:      log,
	}
}

// Connected 新通道：握手 + 全量快照只发给自己，newPlayer 发给其他人
func (rt *Router) Connected(rec SessionRecord, ch Channel, snapshot map[PlayerID]SessionRecord) {
	rt.channels[rec.ID] = ch

	players := make(map[string]protocol.Player, len(snapshot))
	for id, s := range snapshot {
		players[string(id)] = s.Wire()
	}
	rt.deliver(rec.ID, ch, protocol.MustEncode(protocol.EventConnect, protocol.Hello{ID: string(rec.ID)}))
	rt.deliver(rec.ID, ch, protocol.MustEncode(protocol.EventCurrentPlayers, players))

	rt.broadcast(protocol.MustEncode(protocol.EventNewPlayer, rec.Wire()), rec.ID)
}

// Moved 位姿广播给除来源外的所有通道，来源不会收到回显
func (rt *Router) Moved(rec SessionRecord) {
	rt.broadcast(protocol.MustEncode(protocol.EventPlayerMoved, rec.Moved()), rec.ID)
}

// Disconnected 移除通道并通知所有剩余通道
func (rt *Router) Disconnected(id PlayerID) {
	delete(rt.channels, id)
	rt.broadcast(protocol.MustEncode(protocol.EventPlayerDisconnected, string(id)))
}

// CloseAll 关闭全部通道（服务停止时）
func (rt *Router) CloseAll() {
	for id, ch := range rt.channels {
		ch.Close()
		delete(rt.channels, id)
	}
}

// Len 已挂接的通道数
func (rt *Router) Len() int { return len(rt.channels) }

// broadcast 每个目标通道恰好一条消息，不合并不重排
func (rt *Router) broadcast(frame []byte, except ...PlayerID) {
	for id, ch := range lo.OmitByKeys(rt.channels, except) {
		rt.deliver(id, ch, frame)
	}
}

func (rt *Router) deliver(id PlayerID, ch Channel, frame []byte) {
	if ch.Send(frame) {
		rt.metrics.IncSent()
		return
	}
	// 慢或已断开的对端：丢弃，不影响其他参与者
	rt.metrics.IncSendDropped()
	rt.log.Debugw("send dropped", "player", id)
}
