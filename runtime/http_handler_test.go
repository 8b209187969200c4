package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BDNK1/hotswap/runtime/snapshot"
)

type fixedStatus struct{ s Status }

func (f *fixedStatus) Status() Status { return f.s }

type countingReloader struct{ n int }

func (r *countingReloader) Trigger() { r.n++ }

type httpRig struct {
	engine   *gin.Engine
	status   *fixedStatus
	store    *snapshot.MemoryStore
	reloader *countingReloader
	metrics  *Metrics
}

func newHTTPRig(t *testing.T) *httpRig {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := prometheus.NewRegistry()
	rig := &httpRig{
		engine:   gin.New(),
		status:   &fixedStatus{s: Status{State: StateRunning, Generation: 2, Path: "game.lua"}},
		store:    snapshot.NewMemoryStore(),
		reloader: &countingReloader{},
		metrics:  NewMetrics(reg),
	}
	NewHttpHandler(HTTPOptions{
		Status:   rig.status,
		Store:    rig.store,
		Reloader: rig.reloader,
		Gatherer: reg,
	}, rig.engine)
	return rig
}

func (r *httpRig) do(method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.engine.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func TestHTTP_Status(t *testing.T) {
	rig := newHTTPRig(t)

	w := rig.do(http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, w.Code)

	var got Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, StateRunning, got.State)
	assert.Equal(t, uint64(2), got.Generation)
	assert.Equal(t, "game.lua", got.Path)
}

func TestHTTP_State(t *testing.T) {
	rig := newHTTPRig(t)

	w := rig.do(http.MethodGet, "/state")
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.NoError(t, rig.store.Put(context.Background(), snapshot.Snapshot{
		SessionID:  "s-1",
		Generation: 2,
		Image:      "game.lua",
		SavedAt:    time.Now().UTC(),
		Data:       []byte(`{"version":1,"position":{"x":600,"y":300}}`),
	}))

	w = rig.do(http.MethodGet, "/state")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Generation uint64         `json:"generation"`
		State      map[string]any `json:"state"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, uint64(2), body.Generation)
	assert.Equal(t, float64(1), body.State["version"])

	w = rig.do(http.MethodGet, "/state?path=position.x")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":600`)

	w = rig.do(http.MethodGet, "/state?path=position.z")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHTTP_StateNotJSON(t *testing.T) {
	rig := newHTTPRig(t)
	require.NoError(t, rig.store.Put(context.Background(), snapshot.Snapshot{Data: []byte{0x01, 0x02}}))

	w := rig.do(http.MethodGet, "/state")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHTTP_Reload(t *testing.T) {
	rig := newHTTPRig(t)

	w := rig.do(http.MethodPost, "/reload")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, rig.reloader.n)
}

func TestHTTP_ReloadDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	g := gin.New()
	NewHttpHandler(HTTPOptions{Status: &fixedStatus{}}, g)

	w := httptest.NewRecorder()
	g.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/reload", nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = httptest.NewRecorder()
	g.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHTTP_Health(t *testing.T) {
	rig := newHTTPRig(t)

	assert.Equal(t, http.StatusOK, rig.do(http.MethodGet, "/live").Code)
	assert.Equal(t, http.StatusOK, rig.do(http.MethodGet, "/ready").Code)

	for _, state := range []State{StateReloading, StateFailed} {
		rig.status.s.State = state
		assert.Equal(t, http.StatusServiceUnavailable, rig.do(http.MethodGet, "/ready").Code, state)
	}
	assert.Equal(t, http.StatusOK, rig.do(http.MethodGet, "/live").Code)
}

func TestHTTP_Metrics(t *testing.T) {
	rig := newHTTPRig(t)
	rig.metrics.frame(0.004)
	rig.metrics.reload(true, 0.01)
	rig.metrics.setGeneration(3)

	w := rig.do(http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	for _, want := range []string{
		"hotswap_frames_total 1",
		`hotswap_reloads_total{result="success"} 1`,
		"hotswap_generation 3",
	} {
		assert.True(t, strings.Contains(body, want), "metrics output missing %q", want)
	}
}
