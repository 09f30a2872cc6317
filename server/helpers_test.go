package server

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"spacesync/protocol"
)

// fakeChannel 记录收到的帧
type fakeChannel struct {
	mu     sync.Mutex
	frames [][]byte
	full   bool
	closed bool
}

func (f *fakeChannel) Send(b []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full || f.closed {
		return false
	}
	f.frames = append(f.frames, b)
	return true
}

func (f *fakeChannel) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChannel) envelopes(t testing.TB) []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(f.frames))
	for _, b := range f.frames {
		env, err := protocol.Decode(b)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func (f *fakeChannel) events(t testing.TB) []string {
	var names []string
	for _, env := range f.envelopes(t) {
		names = append(names, env.Event)
	}
	return names
}

func (f *fakeChannel) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}

// sequentialIDs 生成 p1, p2, ... 便于断言
func sequentialIDs() func() PlayerID {
	var mu sync.Mutex
	n := 0
	return func() PlayerID {
		mu.Lock()
		defer mu.Unlock()
		n++
		return PlayerID(fmt.Sprintf("p%d", n))
	}
}

func decodeData[T any](t testing.TB, env protocol.Envelope) T {
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func nopLog() *zap.SugaredLogger { return zap.NewNop().Sugar() }
