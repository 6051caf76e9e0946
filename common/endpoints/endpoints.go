// Package endpoints serves the scheduler's admin surface over http:
// liveness, finagle style stats, Prometheus metrics and node health.
package endpoints

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/gpusched/common/stats"
	"github.com/twitter/gpusched/scheduler/domain"
)

// PrometheusNamespace prefixes every exported metric name.
const PrometheusNamespace = "gpusched"

// NodeSource reports node health. server.Scheduler satisfies it.
type NodeSource interface {
	NodeStatuses() []domain.NodeStatus
}

func NewAdminServer(addr string, stat stats.StatsReceiver, registry stats.StatsRegistry, nodes NodeSource) *AdminServer {
	s := &AdminServer{
		Addr:  addr,
		Stats: stat,
		Nodes: nodes,
		mux:   http.NewServeMux(),
	}
	s.mux.HandleFunc("/", helpHandler)
	s.mux.HandleFunc("/health", healthHandler)
	s.mux.HandleFunc("/admin/metrics.json", s.statsHandler)
	s.mux.HandleFunc("/admin/nodes", s.nodesHandler)
	if registry != nil {
		promReg := prometheus.NewRegistry()
		promReg.MustRegister(stats.NewPrometheusCollector(PrometheusNamespace, registry))
		s.mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	}
	return s
}

type AdminServer struct {
	Addr  string
	Stats stats.StatsReceiver
	Nodes NodeSource

	mux *http.ServeMux
	srv *http.Server
}

func (s *AdminServer) Handler() http.Handler {
	return s.mux
}

// Serve listens on Addr and blocks until the server is shut down.
// Shutdown makes Serve return nil.
func (s *AdminServer) Serve() error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ln)
}

func (s *AdminServer) ServeListener(ln net.Listener) error {
	s.srv = &http.Server{Handler: s.mux}
	log.Infof("Serving admin endpoints on %s", ln.Addr())
	if err := s.srv.Serve(ln); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func helpHandler(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "Common paths: '/health', '/admin/metrics.json', '/admin/nodes', '/metrics'", http.StatusNotImplemented)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "ok")
}

func (s *AdminServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	const contentTypeHdr = "Content-Type"
	const contentTypeVal = "application/json; charset=utf-8"
	w.Header().Set(contentTypeHdr, contentTypeVal)

	pretty := r.URL.Query().Get("pretty") == "true"
	str := s.Stats.Render(pretty)
	if _, err := io.Copy(w, bytes.NewBuffer(str)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

type nodeView struct {
	NodeID            string         `json:"nodeId"`
	Kind              string         `json:"kind"`
	Types             []string       `json:"types"`
	Health            string         `json:"health"`
	Admitting         bool           `json:"admitting"`
	VRAMCapacityMB    int            `json:"vramCapacityMB"`
	VRAMUsedRatio     float64        `json:"vramUsedRatio"`
	PendingVRAMMB     int            `json:"pendingVramMB"`
	TemperatureC      float64        `json:"temperatureC"`
	PowerMode         string         `json:"powerMode"`
	Running           map[string]int `json:"running"`
	LastHealthCheckAt string         `json:"lastHealthCheckAt,omitempty"`
}

func (s *AdminServer) nodesHandler(w http.ResponseWriter, r *http.Request) {
	if s.Nodes == nil {
		http.Error(w, "no scheduler", http.StatusServiceUnavailable)
		return
	}
	views := []nodeView{}
	for _, n := range s.Nodes.NodeStatuses() {
		v := nodeView{
			NodeID:         n.NodeID,
			Kind:           string(n.Kind),
			Types:          []string{},
			Health:         n.Health.String(),
			Admitting:      n.Admitting,
			VRAMCapacityMB: n.VRAMCapacityMB,
			VRAMUsedRatio:  n.VRAMUsedRatio,
			PendingVRAMMB:  n.PendingVRAMMB,
			TemperatureC:   n.TemperatureC,
			PowerMode:      string(n.PowerMode),
			Running:        map[string]int{},
		}
		for _, t := range n.Types {
			v.Types = append(v.Types, string(t))
		}
		for t, c := range n.RunningCounts {
			v.Running[string(t)] = c
		}
		if !n.LastHealthCheckAt.IsZero() {
			v.LastHealthCheckAt = n.LastHealthCheckAt.UTC().Format(time.RFC3339)
		}
		views = append(views, v)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	if r.URL.Query().Get("pretty") == "true" {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(views); err != nil {
		log.Errorf("Encoding node statuses: %v", err)
	}
}
