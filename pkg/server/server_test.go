package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/nestor/pkg/config"
	"github.com/kadirpekel/nestor/pkg/dispatch"
	"github.com/kadirpekel/nestor/pkg/protocol"
	"github.com/kadirpekel/nestor/pkg/tools"
	"github.com/kadirpekel/nestor/pkg/trajectory"
)

func testServer(t *testing.T) (*Server, *dispatch.Dispatcher) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	qcfg := config.QueueConfig{}
	qcfg.SetDefaults()

	recorder, err := trajectory.NewRecorder(config.TrajectoryConfig{Dir: t.TempDir(), Grouping: "none"})
	require.NoError(t, err)

	d := dispatch.NewDispatcher(qcfg,
		dispatch.NewQueueFromClient(client, qcfg),
		dispatch.NewStatusStore(client),
		recorder, nil, nil)

	tcfg := config.ToolsConfig{PortRangeLo: 44000, PortRangeHi: 44010}
	tcfg.SetDefaults()
	tcfg.SnapshotPath = filepath.Join(t.TempDir(), "snapshot.json")
	orch, err := tools.NewOrchestrator(tcfg)
	require.NoError(t, err)
	t.Cleanup(orch.Shutdown)

	scfg := config.ServerConfig{Enabled: true, Host: "127.0.0.1", Port: 0}
	return New(scfg, d, orch, nil), d
}

func TestServer_Healthz(t *testing.T) {
	s, _ := testServer(t)

	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_TaskStatusNotFound(t *testing.T) {
	s, _ := testServer(t)

	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tasks/ghost", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_TaskStatusFound(t *testing.T) {
	s, d := testServer(t)

	id, err := d.Submit(context.Background(), &protocol.Task{
		Description: "something", Type: protocol.TaskTypeGeneral,
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tasks/"+id, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var status dispatch.TaskStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, dispatch.StatePending, status.State)
}

func TestServer_ServersEmpty(t *testing.T) {
	s, _ := testServer(t)

	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/servers", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}
