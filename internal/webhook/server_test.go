package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/runguard/internal/agent"
	"github.com/user/runguard/internal/controller"
	"github.com/user/runguard/internal/gateway"
	"github.com/user/runguard/internal/runtime"
	"github.com/user/runguard/internal/state"
	"github.com/user/runguard/internal/types"
)

const idleTimeout = 5 * time.Second

func setupServer(t *testing.T) (*Server, *gateway.Gateway) {
	t.Helper()
	dir := t.TempDir()
	gw, err := gateway.New(state.NewSessionStore(dir), state.NewEventStore(dir), gateway.Options{
		NewAgent:      func(types.SessionID) (agent.Agent, error) { return agent.NewEcho(), nil },
		AgentName:     "echo",
		Tools:         runtime.NewRegistry(),
		ToolTimeout:   time.Second,
		MaxIterations: 10,
		Headless:      true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { gw.Stop(context.Background()) })
	return NewServer(gw, idleTimeout, nil), gw
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := setupServer(t)

	w := do(t, srv, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ok", resp["status"])
}

func TestWebhookAdHoc(t *testing.T) {
	srv, gw := setupServer(t)

	w := do(t, srv, http.MethodPost, "/webhook", `{"prompt":"say hi"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp runResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "say hi", resp.Response)
	assert.Equal(t, types.StateAwaitingUserInput, resp.State)
	assert.Equal(t, 1, resp.Iteration)
	assert.Equal(t, 10, resp.MaxIterations)

	// The session is closed but its index survives.
	_, err := gw.Get(resp.SessionID)
	assert.ErrorIs(t, err, gateway.ErrUnknownSession)
	list, err := gw.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, resp.SessionID, list[0].SessionID)
}

func TestWebhookAdHocFinish(t *testing.T) {
	srv, _ := setupServer(t)

	w := do(t, srv, http.MethodPost, "/webhook", `{"prompt":"/finish all done"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp runResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "all done", resp.Response)
	assert.Equal(t, types.StateFinished, resp.State)
}

func TestWebhookBadRequests(t *testing.T) {
	srv, _ := setupServer(t)

	for _, body := range []string{`not json`, `{}`, `{"prompt":""}`} {
		w := do(t, srv, http.MethodPost, "/webhook", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestSessionLifecycle(t *testing.T) {
	srv, gw := setupServer(t)
	id := types.NewSessionID()
	base := "/api/sessions/" + string(id)
	open := `{"session_id":"` + string(id) + `"}`

	w := do(t, srv, http.MethodPost, "/api/sessions", open)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, srv, http.MethodPost, "/api/sessions", open)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, srv, http.MethodPost, base+"/messages", `{"text":"hello"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	sess, err := gw.Get(id)
	require.NoError(t, err)
	require.True(t, sess.Controller.WaitIdle(idleTimeout))

	w = do(t, srv, http.MethodGet, base+"/events?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var events []map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&events))
	require.Len(t, events, 2)
	assert.Equal(t, string(types.KindAgentStateChanged), events[1]["kind"])

	w = do(t, srv, http.MethodPost, base+"/state", `{"state":"stopped"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var snap controller.Snapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&snap))
	assert.Equal(t, types.StateStopped, snap.AgentState)

	w = do(t, srv, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []types.SessionIndex
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].SessionID)

	w = do(t, srv, http.MethodDelete, base, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	// History of a closed session is still readable.
	w = do(t, srv, http.MethodGet, base+"/events", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSetStateRejectsInvalidTransition(t *testing.T) {
	srv, gw := setupServer(t)

	sess, err := gw.Open(context.Background(), gateway.SessionSpec{})
	require.NoError(t, err)
	_, err = gw.Send(context.Background(), sess.ID, "/finish done")
	require.NoError(t, err)
	require.True(t, sess.Controller.WaitIdle(idleTimeout))

	w := do(t, srv, http.MethodPost, "/api/sessions/"+string(sess.ID)+"/state", `{"state":"running"}`)
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
}

func TestUnknownSessionEndpoints(t *testing.T) {
	srv, _ := setupServer(t)
	base := "/api/sessions/" + string(types.NewSessionID())

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPost, base+"/messages", `{"text":"x"}`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPost, base+"/state", `{"state":"paused"}`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, base+"/events", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodDelete, base, "").Code)
}

func TestMalformedSessionIDsAreRejected(t *testing.T) {
	srv, gw := setupServer(t)

	for _, body := range []string{`{"session_id":".."}`, `{"session_id":"../x"}`, `{"session_id":"api-1"}`} {
		w := do(t, srv, http.MethodPost, "/api/sessions", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/api/sessions/nope/messages", `{"text":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/api/sessions/nope/state", `{"state":"paused"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/api/sessions/nope/events", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodDelete, "/api/sessions/nope", "").Code)

	list, err := gw.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}
