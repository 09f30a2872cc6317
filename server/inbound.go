package server

import (
	"spacesync/protocol"
)

// handleFrame 解析一条客户端入站帧并提交给 Hub。
// 只接受 playerMovement；结构错误或未知事件直接丢弃并计数
func (h *Hub) handleFrame(id PlayerID, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		h.metrics.IncMalformed()
		h.log.Debugw("malformed frame", "player", id, "error", err)
		return
	}
	if env.Event != protocol.EventPlayerMovement {
		h.metrics.IncMalformed()
		h.log.Debugw("unexpected event", "player", id, "event", env.Event, "error", protocol.ErrUnknownEvent)
		return
	}
	var m protocol.Movement
	if err := protocol.DecodeData(env, &m); err != nil {
		h.metrics.IncMalformed()
		h.log.Debugw("malformed movement", "player", id, "error", err)
		return
	}
	h.Move(id, protocol.Vec3{X: m.X, Y: m.Y, Z: m.Z}, m.RotationY)
}
