package client

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

// Conn 一条已建立的有序双向通道
type Conn interface {
	// ReadFrame 阻塞读取下一帧；ctx 的截止时间作为读超时
	ReadFrame(ctx context.Context) ([]byte, error)
	// WriteFrame 发送一帧，可与 ReadFrame 并发调用
	WriteFrame(frame []byte) error
	Close() error
}

// Transport 建立 Conn 的方式（WebSocket 优先，长轮询回退）
type Transport interface {
	Name() string
	Dial(ctx context.Context, base *url.URL) (Conn, error)
}

const writeWait = 10 * time.Second

// TransportsFromNames 按配置顺序构建传输列表
func TransportsFromNames(names []string, connectTimeout time.Duration) ([]Transport, error) {
	transports := make([]Transport, 0, len(names))
	for _, name := range names {
		switch name {
		case "websocket":
			transports = append(transports, NewWebSocketTransport(connectTimeout))
		case "polling":
			transports = append(transports, NewPollingTransport(nil))
		default:
			return nil, fmt.Errorf("unknown transport %q", name)
		}
	}
	return transports, nil
}
