package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

var errPollGone = errors.New("poll session gone")

type pollingTransport struct {
	http *http.Client
}

// NewPollingTransport 长轮询回退；hc 为 nil 时使用 http.DefaultClient
func NewPollingTransport(hc *http.Client) Transport {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &pollingTransport{http: hc}
}

func (t *pollingTransport) Name() string { return "polling" }

func (t *pollingTransport) Dial(ctx context.Context, base *url.URL) (Conn, error) {
	endpoint := *base
	endpoint.Path = "/sync/poll"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polling open: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("polling open: unexpected status %d", resp.StatusCode)
	}
	var body struct {
		SID string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.SID == "" {
		return nil, fmt.Errorf("polling open: bad response: %v", err)
	}

	q := endpoint.Query()
	q.Set("sid", body.SID)
	endpoint.RawQuery = q.Encode()

	connCtx, cancel := context.WithCancel(context.Background())
	return &pollConn{
		http:     t.http,
		endpoint: endpoint.String(),
		ctx:      connCtx,
		cancel:   cancel,
	}, nil
}

type pollConn struct {
	http     *http.Client
	endpoint string
	ctx      context.Context // Close 时取消，打断在途请求
	cancel   context.CancelFunc
	once     sync.Once

	pending []json.RawMessage // 只由读协程访问
}

func (c *pollConn) ReadFrame(ctx context.Context) ([]byte, error) {
	for len(c.pending) == 0 {
		frames, err := c.poll(ctx)
		if err != nil {
			return nil, err
		}
		c.pending = frames
	}
	frame := c.pending[0]
	c.pending = c.pending[1:]
	return frame, nil
}

func (c *pollConn) poll(ctx context.Context) ([]json.RawMessage, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: status %d", errPollGone, resp.StatusCode)
	}
	var frames []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&frames); err != nil {
		return nil, fmt.Errorf("decoding poll batch: %w", err)
	}
	return frames, nil
}

func (c *pollConn) WriteFrame(frame []byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, writeWait)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(frame))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%w: status %d", errPollGone, resp.StatusCode)
	}
	return nil
}

// Close 取消在途请求并尽力通知服务端
func (c *pollConn) Close() error {
	c.once.Do(func() {
		c.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint, nil)
		if err != nil {
			return
		}
		if resp, err := c.http.Do(req); err == nil {
			resp.Body.Close()
		}
	})
	return nil
}
