package server

import (
	"sync/atomic"
)

// Metrics 记录同步服务运行期的关键指标（用于监控与调试）
type Metrics struct {
	Connects           int64 // 建立的会话数
	Disconnects        int64 // 销毁的会话数
	Movements          int64 // 已应用的位姿更新
	UnknownMovements   int64 // 因 id 已不存在被忽略的位姿更新
	MalformedFrames    int64 // 结构错误或未知事件的入站帧
	MessagesSent       int64 // 成功入队的出站消息
	SendsDropped       int64 // 因队列满或通道关闭被丢弃的出站消息
	PollSessions       int64 // 通过长轮询建立的会话数
	PollSessionsReaped int64 // 因空闲超时被回收的长轮询会话
}

func (m *Metrics) IncConnects()          { atomic.AddInt64(&m.Connects, 1) }
func (m *Metrics) IncDisconnects()       { atomic.AddInt64(&m.Disconnects, 1) }
func (m *Metrics) IncMovements()         { atomic.AddInt64(&m.Movements, 1) }
func (m *Metrics) IncUnknownMovements()  { atomic.AddInt64(&m.UnknownMovements, 1) }
func (m *Metrics) IncMalformed()         { atomic.AddInt64(&m.MalformedFrames, 1) }
func (m *Metrics) IncSent()              { atomic.AddInt64(&m.MessagesSent, 1) }
func (m *Metrics) IncSendDropped()       { atomic.AddInt64(&m.SendsDropped, 1) }
func (m *Metrics) AddSendsDropped(n int) { atomic.AddInt64(&m.SendsDropped, int64(n)) }
func (m *Metrics) IncPollSessions()      { atomic.AddInt64(&m.PollSessions, 1) }
func (m *Metrics) IncPollReaped()        { atomic.AddInt64(&m.PollSessionsReaped, 1) }

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"connects":             atomic.LoadInt64(&m.Connects),
		"disconnects":          atomic.LoadInt64(&m.Disconnects),
		"movements":            atomic.LoadInt64(&m.Movements),
		"unknown_movements":    atomic.LoadInt64(&m.UnknownMovements),
		"malformed_frames":     atomic.LoadInt64(&m.MalformedFrames),
		"messages_sent":        atomic.LoadInt64(&m.MessagesSent),
		"sends_dropped":        atomic.LoadInt64(&m.SendsDropped),
		"poll_sessions":        atomic.LoadInt64(&m.PollSessions),
		"poll_sessions_reaped": atomic.LoadInt64(&m.PollSessionsReaped),
	}
}
