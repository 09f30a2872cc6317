// Package protocol 定义服务端与客户端之间的同步消息格式。
// 每个 WebSocket 文本帧（或轮询批次中的一项）都是一个 Envelope：
//
//	{"event":"playerMoved","data":{"id":"...","x":1,"y":0,"z":2,"rotationY":0.5}}
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// 事件名
const (
	EventConnect            = "connect"            // server→client 握手确认，携带自身 id
	EventCurrentPlayers     = "currentPlayers"     // server→新客户端 全量快照
	EventNewPlayer          = "newPlayer"          // server→其他客户端
	EventPlayerMovement     = "playerMovement"     // client→server
	EventPlayerMoved        = "playerMoved"        // server→其他客户端
	EventPlayerDisconnected = "playerDisconnected" // server→所有剩余客户端
)

var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrMalformed    = errors.New("malformed frame")
)

// Vec3 三维位置
type Vec3 struct {
	X float64
	Y float64
	Z float64
}

// Player 会话记录的线上表示（扁平结构）
type Player struct {
	ID        string  `json:"id"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	RotationY float64 `json:"rotationY"`
	Color     string  `json:"color"`
}

// Position 返回位置向量
func (p Player) Position() Vec3 { return Vec3{X: p.X, Y: p.Y, Z: p.Z} }

// Movement client→server 的位姿上报
type Movement struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	RotationY float64 `json:"rotationY"`
}

// UnmarshalJSON 要求四个字段全部存在；缺字段的上报会把参与者拉回原点
func (m *Movement) UnmarshalJSON(b []byte) error {
	var w struct {
		X         *float64 `json:"x"`
		Y         *float64 `json:"y"`
		Z         *float64 `json:"z"`
		RotationY *float64 `json:"rotationY"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.X == nil || w.Y == nil || w.Z == nil || w.RotationY == nil {
		return errors.New("movement requires x, y, z and rotationY")
	}
	*m = Movement{X: *w.X, Y: *w.Y, Z: *w.Z, RotationY: *w.RotationY}
	return nil
}

// Moved server→others 的位姿广播
type Moved struct {
	ID        string  `json:"id"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	RotationY float64 `json:"rotationY"`
}

// Hello 连接确认
type Hello struct {
	ID string `json:"id"`
}

// Envelope 帧外层
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Encode 将事件与负载编码为一帧
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// MustEncode 用于负载类型固定、编码不可能失败的场景
func MustEncode(event string, data any) []byte {
	b, err := Encode(event, data)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode 解析帧外层；负载留给调用方按事件名解码
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event", ErrMalformed)
	}
	return env, nil
}

// DecodeData 将负载解码到 v，仅做结构校验
func DecodeData(env Envelope, v any) error {
	if len(env.Data) == 0 || bytes.Equal(bytes.TrimSpace(env.Data), []byte("null")) {
		return fmt.Errorf("%w: %s without data", ErrMalformed, env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, env.Event, err)
	}
	return nil
}
