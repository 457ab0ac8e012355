package node

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
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/groupd/pkg/cpg/cpgtest"
	"github.com/ryandielhenn/groupd/pkg/daemon"
	"github.com/ryandielhenn/groupd/pkg/retry"
)

const (
	testTimeout = 2 * time.Second
	testTick    = 10 * time.Millisecond
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	log := zaptest.NewLogger(t)
	bus := cpgtest.NewBus()
	clock := &retry.FakeClock{}
	coord := daemon.New(daemon.Config{
		NodeID:    1,
		PID:       101,
		JoinRetry: retry.Policy{Clock: clock},
		SendRetry: retry.Policy{Clock: clock},
	}, bus.Node(1, 101), daemon.WithLogger(log), daemon.WithApp(daemon.AckApp{Log: log}))
	require.NoError(t, coord.Setup(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = coord.Run(ctx)
	}()

	mux := http.NewServeMux()
	NewNode(1, "node1:8080", coord, log).Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return srv
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func dump(t *testing.T, srv *httptest.Server) []daemon.GroupInfo {
	t.Helper()
	resp := do(t, http.MethodGet, srv.URL+"/groups", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out []daemon.GroupInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthzAfterControlJoin(t *testing.T) {
	srv := newServer(t)
	require.Eventually(t, func() bool {
		return do(t, http.MethodGet, srv.URL+"/healthz", "").StatusCode == http.StatusOK
	}, testTimeout, testTick)
}

func TestInfo(t *testing.T) {
	srv := newServer(t)
	resp := do(t, http.MethodGet, srv.URL+"/info", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var info map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.EqualValues(t, 1, info["node_id"])
	assert.Equal(t, "node1:8080", info["addr"])
}

func TestJoinSendLeave(t *testing.T) {
	srv := newServer(t)

	resp := do(t, http.MethodPut, srv.URL+"/groups/1/lockspace", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, http.MethodPut, srv.URL+"/groups/1/lockspace", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	require.Eventually(t, func() bool {
		d := dump(t, srv)
		return len(d) == 2 && d[1].Name == "lockspace" && d[1].Joined
	}, testTimeout, testTick)

	resp = do(t, http.MethodPost, srv.URL+"/groups/1/lockspace/messages", "hello")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodDelete, srv.URL+"/groups/1/lockspace", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		return len(dump(t, srv)) == 1
	}, testTimeout, testTick)
}

func TestUnknownGroup(t *testing.T) {
	srv := newServer(t)

	assert.Equal(t, http.StatusNotFound, do(t, http.MethodDelete, srv.URL+"/groups/2/nope", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, do(t, http.MethodPost, srv.URL+"/groups/2/nope/messages", "x").StatusCode)
}

func TestBadLevel(t *testing.T) {
	srv := newServer(t)

	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodPut, srv.URL+"/groups/x/lockspace", "").StatusCode)
	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodPut, srv.URL+"/groups/-1/lockspace", "").StatusCode)
}

func TestNormalizeHostPort(t *testing.T) {
	assert.Equal(t, "node1:8080", NormalizeHostPort("http://node1", "8080"))
	assert.Equal(t, "node1:9000", NormalizeHostPort("https://node1:9000", "8080"))
	assert.Equal(t, "10.0.0.1:8080", NormalizeHostPort("10.0.0.1", "8080"))
}

func TestListenPort(t *testing.T) {
	assert.Equal(t, "9000", ListenPort(":9000", "8080"))
	assert.Equal(t, "8080", ListenPort("bogus", "8080"))
}
