package client

import "spacesync/protocol"

// Listener 渲染层实现的回调。启动时注册一次，之后多次调用，无返回值。
// 所有回调都在 Run 所在协程中按到达顺序调用
type Listener interface {
	// OnCurrentPlayers 每个连接收到首个快照时调用一次，包含自己的记录
	OnCurrentPlayers(players map[string]protocol.Player)
	OnNewPlayer(player protocol.Player)
	// OnPlayerMoved 位姿原样交给调用方，垂直偏移等显示约定由渲染层处理
	OnPlayerMoved(moved protocol.Moved)
	OnPlayerDisconnected(id string)
}

// ListenerFuncs 用函数字段实现 Listener，未设置的钩子忽略
type ListenerFuncs struct {
	CurrentPlayers     func(players map[string]protocol.Player)
	NewPlayer          func(player protocol.Player)
	PlayerMoved        func(moved protocol.Moved)
	PlayerDisconnected func(id string)
}

func (l ListenerFuncs) OnCurrentPlayers(players map[string]protocol.Player) {
	if l.CurrentPlayers != nil {
		l.CurrentPlayers(players)
	}
}

func (l ListenerFuncs) OnNewPlayer(player protocol.Player) {
	if l.NewPlayer != nil {
		l.NewPlayer(player)
	}
}

func (l ListenerFuncs) OnPlayerMoved(moved protocol.Moved) {
	if l.PlayerMoved != nil {
		l.PlayerMoved(moved)
	}
}

func (l ListenerFuncs) OnPlayerDisconnected(id string) {
	if l.PlayerDisconnected != nil {
		l.PlayerDisconnected(id)
	}
}
