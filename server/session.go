package server

import "spacesync/protocol"

// PlayerID 会话唯一标识，由注册表在连接时分配
type PlayerID string

// SessionRecord 每个在线参与者的服务端状态
type SessionRecord struct {
	ID       PlayerID
	Position protocol.Vec3
	Facing   float64 // 仅记录偏航角（弧度）
	Color    string  // 创建时确定，之后不变
}

// Wire 转为线上表示
func (s SessionRecord) Wire() protocol.Player {
	return protocol.Player{
		ID:        string(s.ID),
		X:         s.Position.X,
		Y:         s.Position.Y,
		Z:         s.Position.Z,
		RotationY: s.Facing,
		Color:     s.Color,
	}
}

// Moved 位姿广播负载
func (s SessionRecord) Moved() protocol.Moved {
	return protocol.Moved{
		ID:        string(s.ID),
		X:         s.Position.X,
		Y:         s.Position.Y,
		Z:         s.Position.Z,
		RotationY: s.Facing,
	}
}
