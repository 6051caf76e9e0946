package prober

import (
	"context"
	"fmt"
	"sync"

	"github.com/twitter/gpusched/scheduler/domain"
)

// SimProber answers probes from state set by the caller. Unknown nodes
// answer healthy with zero usage.
type SimProber struct {
	mu    sync.Mutex
	nodes map[string]*simNode
}

type simNode struct {
	down    bool
	metrics domain.NodeMetrics
	probes  int
}

func NewSimProber() *SimProber {
	return &SimProber{nodes: map[string]*simNode{}}
}

var _ domain.Prober = &SimProber{}

func (p *SimProber) node(nodeID string) *simNode {
	n, ok := p.nodes[nodeID]
	if !ok {
		n = &simNode{metrics: domain.NodeMetrics{PowerMode: domain.Plugged}}
		p.nodes[nodeID] = n
	}
	return n
}

func (p *SimProber) Probe(ctx context.Context, nodeID string) (domain.ProbeResult, error) {
	if err := context.Cause(ctx); err != nil {
		return domain.ProbeResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.node(nodeID)
	n.probes++
	if n.down {
		return domain.ProbeResult{}, fmt.Errorf("node %s unreachable", nodeID)
	}
	return domain.ProbeResult{OK: true, NodeMetrics: n.metrics}, nil
}

// SetDown makes probes of nodeID fail until set back.
func (p *SimProber) SetDown(nodeID string, down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.node(nodeID).down = down
}

func (p *SimProber) SetMetrics(nodeID string, metrics domain.NodeMetrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.node(nodeID).metrics = metrics
}

// Probes returns how many times nodeID was probed.
func (p *SimProber) Probes(nodeID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.node(nodeID).probes
}
