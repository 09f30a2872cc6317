package client

import (
	"context"
	"errors"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jpillora/backoff"
	"github.com/stretchr/testify/require"

	"spacesync/protocol"
)

// recorder 记录回调并按事件名通知
type recorder struct {
	mu        sync.Mutex
	snapshots []map[string]protocol.Player
	joined    []protocol.Player
	moved     []protocol.Moved
	left      []string
	events    chan string
}

func newRecorder() *recorder {
	return &recorder{events: make(chan string, 256)}
}

func (r *recorder) OnCurrentPlayers(players map[string]protocol.Player) {
	r.mu.Lock()
	r.snapshots = append(r.snapshots, players)
	r.mu.Unlock()
	r.events <- protocol.EventCurrentPlayers
}

func (r *recorder) OnNewPlayer(p protocol.Player) {
	r.mu.Lock()
	r.joined = append(r.joined, p)
	r.mu.Unlock()
	r.events <- protocol.EventNewPlayer
}

func (r *recorder) OnPlayerMoved(m protocol.Moved) {
	r.mu.Lock()
	r.moved = append(r.moved, m)
	r.mu.Unlock()
	r.events <- protocol.EventPlayerMoved
}

func (r *recorder) OnPlayerDisconnected(id string) {
	r.mu.Lock()
	r.left = append(r.left, id)
	r.mu.Unlock()
	r.events <- protocol.EventPlayerDisconnected
}

func (r *recorder) wait(t *testing.T, event string) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case got := <-r.events:
			if got == event {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

// expectQuiet 在 d 内不应有任何回调
func (r *recorder) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case got := <-r.events:
		t.Fatalf("unexpected callback %s", got)
	case <-time.After(d):
	}
}

// fakeConn 内存通道
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 32),
		out:    make(chan []byte, 32),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) WriteFrame(frame []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.out <- frame
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(event string, data any) {
	c.in <- protocol.MustEncode(event, data)
}

// fakeTransport 每次 Dial 取下一个预设结果；耗尽后返回错误
type fakeTransport struct {
	name    string
	mu      sync.Mutex
	results []*fakeConn // nil 表示本次拨号失败
	dials   atomic.Int32
}

func (t *fakeTransport) Name() string { return t.name }

func (t *fakeTransport) Dial(ctx context.Context, _ *url.URL) (Conn, error) {
	t.dials.Add(1)
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.results) == 0 {
		return nil, errors.New("refused")
	}
	c := t.results[0]
	t.results = t.results[1:]
	if c == nil {
		return nil, errors.New("refused")
	}
	return c, nil
}

// helloConn 预先放入 connect 确认的通道
func helloConn(id string) *fakeConn {
	c := newFakeConn()
	c.push(protocol.EventConnect, protocol.Hello{ID: id})
	return c
}

func fastBackoff() *backoff.Backoff {
	return &backoff.Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond}
}

func runProxy(t *testing.T, p *Proxy) (cancel func(), result <-chan error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(cancelFn)
	return cancelFn, done
}

func waitConnected(t *testing.T, p *Proxy) {
	t.Helper()
	require.Eventually(t, p.Connected, 3*time.Second, 5*time.Millisecond)
}
