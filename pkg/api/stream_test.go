package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/slotpool/pkg/events"
	"github.com/harun/slotpool/pkg/jobqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialStream(t *testing.T, srv *httptest.Server, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	return websocket.DefaultDialer.Dial(url, nil)
}

func readMessage(t *testing.T, conn *websocket.Conn) StreamMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg StreamMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestStreamDeliversEvents(t *testing.T) {
	env := newTestEnv(t, ServerOptions{}, jobqueue.Options{}, 1)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	conn, _, err := dialStream(t, srv, "")
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool { return env.hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	env.bus.Emit(events.SessionRefresh, map[string]interface{}{"session_id": "s-1"})
	env.bus.Emit(events.MaintenanceDone, nil)

	first := readMessage(t, conn)
	assert.Equal(t, events.SessionRefresh, first.Event)
	assert.Equal(t, "s-1", first.Data["session_id"])
	assert.NotZero(t, first.Timestamp)

	second := readMessage(t, conn)
	assert.Equal(t, events.MaintenanceDone, second.Event)
	assert.Equal(t, first.Seq+1, second.Seq)
}

func TestStreamReceivesJobEvents(t *testing.T) {
	env := newTestEnv(t, ServerOptions{}, jobqueue.Options{}, 1)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	conn, _, err := dialStream(t, srv, "")
	require.NoError(t, err)
	defer conn.Close()
	assert.Eventually(t, func() bool { return env.hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	rec := env.do(t, http.MethodPost, "/api/v1/jobs", submitBody("owner-1"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode[SubmitResponse](t, rec).JobID

	msg := readMessage(t, conn)
	assert.Equal(t, events.JobEnqueued, msg.Event)
	assert.Equal(t, id, msg.Data["job_id"])
}

func TestStreamRequiresToken(t *testing.T) {
	env := newTestEnv(t, ServerOptions{AuthToken: "s3cret"}, jobqueue.Options{}, 1)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	_, resp, err := dialStream(t, srv, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := dialStream(t, srv, "?token=s3cret")
	require.NoError(t, err)
	conn.Close()
}

func TestHubDropsClosedClients(t *testing.T) {
	env := newTestEnv(t, ServerOptions{}, jobqueue.Options{}, 1)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	conn, _, err := dialStream(t, srv, "")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return env.hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return env.hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)

	env.bus.Emit(events.MaintenanceDone, nil)
	env.hub.Close()
	assert.Equal(t, 0, env.hub.Count())
}
