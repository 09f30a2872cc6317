package client

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// NoticeBoard 面向用户的临时提示：同一时间只显示一条，到期自动消失
type NoticeBoard struct {
	mu      sync.Mutex
	message string
	visible bool
	gen     uint64 // 防止过期的定时器清掉新提示
	timer   *time.Timer
	log     *zap.SugaredLogger
}

func NewNoticeBoard(log *zap.SugaredLogger) *NoticeBoard {
	return &NoticeBoard{log: log}
}

// Show 显示提示 ttl 时长；已有提示在显示时不重复叠加，返回 false
func (b *NoticeBoard) Show(message string, ttl time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.visible {
		return false
	}
	b.message = message
	b.visible = true
	b.gen++
	gen := b.gen
	b.log.Warnw("notice", "message", message, "ttl", ttl)
	b.timer = time.AfterFunc(ttl, func() { b.expire(gen) })
	return true
}

// Current 当前可见的提示
func (b *NoticeBoard) Current() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.message, b.visible
}

// Dismiss 提前关闭
func (b *NoticeBoard) Dismiss() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
	}
	b.clear()
}

func (b *NoticeBoard) expire(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen == b.gen {
		b.clear()
	}
}

func (b *NoticeBoard) clear() {
	b.message = ""
	b.visible = false
	b.timer = nil
}
