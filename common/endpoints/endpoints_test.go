package endpoints

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/gpusched/common/stats"
	"github.com/twitter/gpusched/scheduler/domain"
	"github.com/twitter/gpusched/scheduler/server"
)

func get(t *testing.T, h http.Handler, path string) (int, string) {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestAdminEndpoints(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	checked := time.Unix(1700000000, 0)
	sched := server.NewMockScheduler(mockCtrl)
	sched.EXPECT().NodeStatuses().Return([]domain.NodeStatus{{
		NodeID:            "gpu-0",
		Kind:              domain.GPU,
		Types:             []domain.JobType{domain.LLM},
		Health:            domain.Suspect,
		Admitting:         true,
		VRAMCapacityMB:    24000,
		VRAMUsedRatio:     0.25,
		PowerMode:         domain.Plugged,
		RunningCounts:     map[domain.JobType]int{domain.LLM: 1},
		LastHealthCheckAt: checked,
	}})

	stat, reg := stats.NewFinagleStatsReceiver()
	stat.Scope("llm").Counter(stats.SchedSubmitCounter).Inc(3)
	s := NewAdminServer("localhost:0", stat, reg, sched)

	code, body := get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, body = get(t, s.Handler(), "/admin/metrics.json")
	assert.Equal(t, http.StatusOK, code)
	var rendered map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(body), &rendered), body)
	assert.EqualValues(t, 3, rendered["llm/submitCounter"])

	code, body = get(t, s.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "gpusched_llm_submitCounter 3")

	code, body = get(t, s.Handler(), "/admin/nodes")
	assert.Equal(t, http.StatusOK, code)
	var nodes []nodeView
	require.NoError(t, json.Unmarshal([]byte(body), &nodes), body)
	require.Len(t, nodes, 1)
	assert.Equal(t, nodeView{
		NodeID:            "gpu-0",
		Kind:              "gpu",
		Types:             []string{"llm"},
		Health:            "suspect",
		Admitting:         true,
		VRAMCapacityMB:    24000,
		VRAMUsedRatio:     0.25,
		PowerMode:         "plugged",
		Running:           map[string]int{"llm": 1},
		LastHealthCheckAt: "2023-11-14T22:13:20Z",
	}, nodes[0])

	code, _ = get(t, s.Handler(), "/nothing")
	assert.Equal(t, http.StatusNotImplemented, code)
}

func TestNoSchedulerOrRegistry(t *testing.T) {
	s := NewAdminServer("localhost:0", stats.NilStatsReceiver(), nil, nil)
	code, _ := get(t, s.Handler(), "/admin/nodes")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	code, _ = get(t, s.Handler(), "/metrics")
	assert.Equal(t, http.StatusNotImplemented, code)
}

func TestServeAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	s := NewAdminServer(ln.Addr().String(), stats.NilStatsReceiver(), nil, nil)
	done := make(chan error)
	go func() { done <- s.ServeListener(ln) }()

	assert.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return strings.TrimSpace(string(body)) == "ok"
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Shutdown(context.Background()))
	assert.NoError(t, <-done)
}
