package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spacesync/protocol"
)

func pollOpen(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp, err := http.Post(ts.URL+"/sync/poll", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body pollOpenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.SID)
	return body.SID
}

func pollGet(t *testing.T, ts *httptest.Server, sid string) (int, []protocol.Envelope) {
	t.Helper()
	resp, err := http.Get(ts.URL + "/sync/poll?sid=" + sid)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}
	var frames []json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&frames))
	envs := make([]protocol.Envelope, 0, len(frames))
	for _, f := range frames {
		env, err := protocol.Decode(f)
		require.NoError(t, err)
		envs = append(envs, env)
	}
	return resp.StatusCode, envs
}

func pollPost(t *testing.T, ts *httptest.Server, sid string, frame []byte) int {
	t.Helper()
	resp, err := http.Post(ts.URL+"/sync/poll?sid="+sid, "application/json", bytes.NewReader(frame))
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func pollDelete(t *testing.T, ts *httptest.Server, sid string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/sync/poll?sid="+sid, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestPoll_ScenarioWithWebSocketPeer(t *testing.T) {
	srv, ts := startTestServer(t)

	a := dialWS(t, ts)
	defer a.Close()
	readEnvelope(t, a)
	readEnvelope(t, a)

	sid := pollOpen(t, ts)
	status, envs := pollGet(t, ts, sid)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, envs, 2)
	assert.Equal(t, protocol.EventConnect, envs[0].Event)
	id := decodeData[protocol.Hello](t, envs[0]).ID
	assert.NotEqual(t, sid, id, "poll token must not be the public session id")
	assert.Len(t, decodeData[map[string]protocol.Player](t, envs[1]), 2)

	joined := readEnvelope(t, a)
	assert.Equal(t, protocol.EventNewPlayer, joined.Event)

	frame := protocol.MustEncode(protocol.EventPlayerMovement, protocol.Movement{X: 1, Z: 2, RotationY: 0.5})
	assert.Equal(t, http.StatusNoContent, pollPost(t, ts, sid, frame))
	moved := readEnvelope(t, a)
	assert.Equal(t, protocol.Moved{ID: id, X: 1, Z: 2, RotationY: 0.5}, decodeData[protocol.Moved](t, moved))

	// 轮询方不会收到自己的回显：等待超时后返回空数组
	status, envs = pollGet(t, ts, sid)
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, envs)

	assert.Equal(t, http.StatusNoContent, pollDelete(t, ts, sid))
	left := readEnvelope(t, a)
	assert.Equal(t, protocol.EventPlayerDisconnected, left.Event)
	assert.Equal(t, id, decodeData[string](t, left))

	status, _ = pollGet(t, ts, sid)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, 1, srv.Hub().Count())
}

func TestPoll_BadRequests(t *testing.T) {
	_, ts := startTestServer(t)

	resp, err := http.Get(ts.URL + "/sync/poll")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	status, _ := pollGet(t, ts, "nobody")
	assert.Equal(t, http.StatusNotFound, status)

	sid := pollOpen(t, ts)
	big := bytes.Repeat([]byte("x"), int(testServerConfig().MaxMessageSize)+10)
	assert.Equal(t, http.StatusRequestEntityTooLarge, pollPost(t, ts, sid, big))
}

func TestPoll_IdleSessionIsReaped(t *testing.T) {
	srv, ts := startTestServer(t)
	a := dialWS(t, ts)
	defer a.Close()
	readEnvelope(t, a)
	readEnvelope(t, a)

	pollOpen(t, ts)
	joined := decodeData[protocol.Player](t, readEnvelope(t, a))

	// 回收协程以 poll_idle_timeout/2 周期运行
	left := readEnvelope(t, a)
	require.Equal(t, protocol.EventPlayerDisconnected, left.Event)
	assert.Equal(t, joined.ID, decodeData[string](t, left))
	assert.Equal(t, int64(1), srv.Metrics().Snapshot()["poll_sessions_reaped"])
}

func TestPoll_SessionIDIsNotACredential(t *testing.T) {
	srv, ts := startTestServer(t)
	a := dialWS(t, ts)
	defer a.Close()
	readEnvelope(t, a)
	readEnvelope(t, a)

	sid := pollOpen(t, ts)
	victim := decodeData[protocol.Player](t, readEnvelope(t, a))

	// 任何人都能从广播中得知 id，但不能借它操作别人的会话
	frame := protocol.MustEncode(protocol.EventPlayerMovement, protocol.Movement{X: 999, Z: 999})
	assert.Equal(t, http.StatusNotFound, pollPost(t, ts, victim.ID, frame))
	assert.Equal(t, http.StatusNotFound, pollDelete(t, ts, victim.ID))
	status, _ := pollGet(t, ts, victim.ID)
	assert.Equal(t, http.StatusNotFound, status)

	snap := srv.Hub().Snapshot()
	require.Contains(t, snap, PlayerID(victim.ID))
	assert.Equal(t, victim.Position(), snap[PlayerID(victim.ID)].Position)
	assert.Equal(t, int64(0), srv.Metrics().Snapshot()["movements"])

	// 持有 token 的一方照常工作
	assert.Equal(t, http.StatusNoContent, pollPost(t, ts, sid, frame))
	moved := readEnvelope(t, a)
	assert.Equal(t, protocol.EventPlayerMoved, moved.Event)
	assert.Equal(t, victim.ID, decodeData[protocol.Moved](t, moved).ID)
}

type failingWriter struct {
	header http.Header
}

func (w *failingWriter) Header() http.Header {
	if w.header == nil {
		w.header = make(http.Header)
	}
	return w.header
}

func (w *failingWriter) Write([]byte) (int, error) { return 0, errors.New("connection reset") }

func (w *failingWriter) WriteHeader(int) {}

func TestPoll_FailedResponseCountsDroppedFrames(t *testing.T) {
	srv, ts := startTestServer(t)
	sid := pollOpen(t, ts) // 队列中已有 connect 与 currentPlayers

	req := httptest.NewRequest(http.MethodGet, "/sync/poll?sid="+sid, nil)
	srv.poll.ServeHTTP(&failingWriter{}, req)

	assert.Equal(t, int64(2), srv.Metrics().Snapshot()["sends_dropped"])
}

func TestPoll_AbandonedRequestKeepsFrames(t *testing.T) {
	srv, ts := startTestServer(t)
	sid := pollOpen(t, ts)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/sync/poll?sid="+sid, nil).WithContext(ctx)
	srv.poll.ServeHTTP(httptest.NewRecorder(), req)

	status, envs := pollGet(t, ts, sid)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, envs, 2)
	assert.Equal(t, protocol.EventConnect, envs[0].Event)
	assert.Equal(t, protocol.EventCurrentPlayers, envs[1].Event)
	assert.Equal(t, int64(0), srv.Metrics().Snapshot()["sends_dropped"])
}

func TestPollConn_DrainAndOverflow(t *testing.T) {
	c := NewPollConn(2)
	assert.True(t, c.Send([]byte("1")))
	assert.True(t, c.Send([]byte("2")))
	assert.False(t, c.Send([]byte("3")))

	frames, err := c.Drain(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("1"), []byte("2")}, frames)

	frames, err = c.Drain(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, frames)

	c.Close()
	c.Close()
	assert.False(t, c.Send([]byte("4")))
	_, err = c.Drain(context.Background(), time.Second)
	assert.ErrorIs(t, err, errPollClosed)
}

func TestPollConn_DrainWakesOnSend(t *testing.T) {
	c := NewPollConn(4)
	go func() {
		time.Sleep(20 * time.Millisecond)
		c.Send([]byte("late"))
	}()
	frames, err := c.Drain(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("late")}, frames)
}
