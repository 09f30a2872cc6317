package server

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"spacesync/protocol"
)

// 出生点范围：x、z 在 [-spawnHalfExtent, spawnHalfExtent) 内随机，y 为地面
const spawnHalfExtent = 5.0

// Random 注册表所需的随机源（*rand.Rand 满足）
type Random interface {
	Float64() float64
	IntN(n int) int
}

// Registry 在线会话表：id → SessionRecord，是“谁在线”的唯一来源。
// 非并发安全：只允许 Hub 的事件循环协程访问。
type Registry struct {
	sessions map[PlayerID]*SessionRecord
	newID    func() PlayerID
	rnd      Random
}

// RegistryOption 定制注册表（测试中固定 id 与随机源）
type RegistryOption func(*Registry)

// WithIDSource 替换 id 生成器
func WithIDSource(f func() PlayerID) RegistryOption {
	return func(r *Registry) { r.newID = f }
}

// WithRandom 替换随机源
func WithRandom(rnd Random) RegistryOption {
	return func(r *Registry) { r.rnd = rnd }
}

// NewRegistry 创建空注册表
func NewRegistry(opts ...RegistryOption) *Registry {
	seed := uint64(time.Now().UnixNano())
	r := &Registry{
		sessions: make(map[PlayerID]*SessionRecord),
		newID:    func() PlayerID { return PlayerID(uuid.NewString()) },
		rnd:      rand.New(rand.NewPCG(seed, seed>>1|1)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect 分配一个当前未被占用的 id，生成随机出生点与颜色并插入
func (r *Registry) Connect() SessionRecord {
	id := r.newID()
	for r.has(id) {
		id = r.newID()
	}
	rec := &SessionRecord{
		ID: id,
		Position: protocol.Vec3{
			X: r.rnd.Float64()*2*spawnHalfExtent - spawnHalfExtent,
			Y: 0,
			Z: r.rnd.Float64()*2*spawnHalfExtent - spawnHalfExtent,
		},
		Facing: 0,
		Color:  fmt.Sprintf("#%06x", r.rnd.IntN(0x1000000)),
	}
	r.sessions[id] = rec
	return *rec
}

// Move 覆盖位姿；id 不存在（与断线竞争）时静默忽略，ok=false。
// 不做任何物理合理性校验，信任客户端上报
func (r *Registry) Move(id PlayerID, pos protocol.Vec3, facing float64) (SessionRecord, bool) {
	rec, ok := r.sessions[id]
	if !ok {
		return SessionRecord{}, false
	}
	rec.Position = pos
	rec.Facing = facing
	return *rec, true
}

// Disconnect 删除记录；重复删除为 no-op，返回是否真正删除
func (r *Registry) Disconnect(id PlayerID) bool {
	if !r.has(id) {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Get 读取单条记录副本
func (r *Registry) Get(id PlayerID) (SessionRecord, bool) {
	rec, ok := r.sessions[id]
	if !ok {
		return SessionRecord{}, false
	}
	return *rec, true
}

// Snapshot 返回当前所有会话的只读副本
func (r *Registry) Snapshot() map[PlayerID]SessionRecord {
	return lo.MapValues(r.sessions, func(rec *SessionRecord, _ PlayerID) SessionRecord {
		return *rec
	})
}

// Len 在线会话数
func (r *Registry) Len() int { return len(r.sessions) }

func (r *Registry) has(id PlayerID) bool {
	_, ok := r.sessions[id]
	return ok
}
