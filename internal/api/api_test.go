package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/kandev/droidctl/internal/common/logger"
	"github.com/kandev/droidctl/internal/droidexec"
	"github.com/kandev/droidctl/internal/droidexec/mockdroid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	manager *droidexec.Manager
	spawner *mockdroid.Spawner
	router  *gin.Engine
}

func newTestEnv(t *testing.T, script mockdroid.Script, apiKey string, health HealthFunc) *testEnv {
	t.Helper()
	sp := &mockdroid.Spawner{Script: script, Logger: logger.NewNop()}
	cfg := droidexec.DefaultConfig()
	cfg.SettleWait = time.Second
	m := droidexec.NewManager(cfg,
		droidexec.WithLogger(logger.NewNop()),
		droidexec.WithSpawner(sp),
		droidexec.WithGetenv(func(string) string { return apiKey }),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return &testEnv{
		manager: m,
		spawner: sp,
		router:  NewRouter(NewHandler(m, health, logger.NewNop())),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, mockdroid.Script{}, "k", func() map[string]bool { return map[string]bool{"event_bus": true} })
	w := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	degraded := newTestEnv(t, mockdroid.Script{}, "k", func() map[string]bool { return map[string]bool{"event_bus": false} })
	w = degraded.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSendMessage_WaitsForTurn(t *testing.T) {
	env := newTestEnv(t, mockdroid.Script{Reply: "Hello there"}, "k", nil)

	w := env.do(t, http.MethodPost, "/api/v1/messages", SendMessageRequest{Cwd: t.TempDir(), Text: "hi"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp SendMessageResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, mockdroid.DefaultSessionID, resp.SessionID)
	assert.Equal(t, "turn-idle", resp.Reason)
	assert.Equal(t, "Hello there", resp.Text)
}

func TestSendMessage_Validation(t *testing.T) {
	env := newTestEnv(t, mockdroid.Script{}, "k", nil)
	w := env.do(t, http.MethodPost, "/api/v1/messages", map[string]string{"cwd": "/tmp"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendMessage_MissingAPIKey(t *testing.T) {
	env := newTestEnv(t, mockdroid.Script{}, "", nil)
	w := env.do(t, http.MethodPost, "/api/v1/messages", SendMessageRequest{Cwd: t.TempDir(), Text: "hi"})
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.Contains(t, w.Body.String(), "MISSING_API_KEY")
	assert.Empty(t, env.spawner.Specs())
}

func TestSendMessage_AsyncThenConflictThenCancel(t *testing.T) {
	env := newTestEnv(t, mockdroid.Script{HangOnMessage: true}, "k", nil)
	cwd := t.TempDir()

	w := env.do(t, http.MethodPost, "/api/v1/messages", SendMessageRequest{Cwd: cwd, Text: "first", Async: true})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/v1/messages", SendMessageRequest{Cwd: cwd, Text: "second", Async: true})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/sessions/"+mockdroid.DefaultSessionID+"/cancel", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/sessions/"+mockdroid.DefaultSessionID+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDisposeSession(t *testing.T) {
	env := newTestEnv(t, mockdroid.Script{}, "k", nil)
	w := env.do(t, http.MethodPost, "/api/v1/messages", SendMessageRequest{Cwd: t.TempDir(), Text: "hi"})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodDelete, "/api/v1/sessions/"+mockdroid.DefaultSessionID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, env.manager.ActiveSessionID())

	w = env.do(t, http.MethodDelete, "/api/v1/sessions/unknown", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestTimelineAndPermissions(t *testing.T) {
	env := newTestEnv(t, mockdroid.Script{AskPermission: true}, "k", nil)
	w := env.do(t, http.MethodPost, "/api/v1/messages", SendMessageRequest{Cwd: t.TempDir(), Text: "hi"})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/timeline?kind=request_sent", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tl struct {
		Entries []struct {
			Seq    uint64 `json:"seq"`
			Kind   string `json:"kind"`
			Method string `json:"method"`
		} `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tl))
	require.NotEmpty(t, tl.Entries)
	for _, e := range tl.Entries {
		assert.Equal(t, "request_sent", e.Kind)
	}
	assert.Equal(t, "droid.initialize_session", tl.Entries[0].Method)

	last := tl.Entries[len(tl.Entries)-1].Seq
	w = env.do(t, http.MethodGet, "/api/v1/timeline?kind=request_sent&since="+strconvU(last), nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tl))
	assert.Empty(t, tl.Entries)

	w = env.do(t, http.MethodGet, "/api/v1/timeline?since=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	require.Eventually(t, func() bool {
		w = env.do(t, http.MethodGet, "/api/v1/permissions", nil)
		return strings.Contains(w.Body.String(), `"selected":"proceed_auto_run"`)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, mockdroid.Script{Reply: "streamed"}, "k", nil)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	body, err := json.Marshal(SendMessageRequest{Cwd: t.TempDir(), Text: "hi"})
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/api/v1/messages", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var types []string
	for {
		var ev droidexec.Event
		require.NoError(t, conn.ReadJSON(&ev))
		types = append(types, string(ev.Type))
		if ev.Type == droidexec.EventRunFinished {
			assert.Equal(t, "turn-idle", ev.Data["reason"])
			break
		}
	}
	assert.Contains(t, types, string(droidexec.EventSessionStarted))
	assert.Contains(t, types, string(droidexec.EventAssistantDelta))
}

func strconvU(v uint64) string {
	return strconv.FormatUint(v, 10)
}
