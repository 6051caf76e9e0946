package server

import (
	"fmt"
	"sort"
	"time"

	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/gpusched/common/stats"
	"github.com/twitter/gpusched/scheduler/domain"
)

// Tolerance for float comparisons against the VRAM limit.
const vramEpsilon = 1e-9

// NodeConfig registers one compute node.
type NodeConfig struct {
	ID             string
	Kind           domain.NodeKind
	Types          []domain.JobType
	VRAMCapacityMB int
	// Per node ceilings, falling back to the job type's MaxConcurrent.
	MaxConcurrent map[domain.JobType]int
}

// ResourceLimits are the headroom thresholds applied to every node.
type ResourceLimits struct {
	// Max projected VRAM used ratio for a new admission.
	VRAMLimit float64
	// Nodes at or above this temperature admit nothing.
	ThrottleTemperature float64
	// A probe at or above this ratio logs a warning and bumps a counter.
	VRAMAlertThreshold float64
	// Total running jobs allowed on a node running on battery.
	BatteryMaxConcurrent int
	// A node with no running jobs for this long triggers the idle handler once.
	IdleTimeout time.Duration
}

// The State of a Node as seen by the scheduler
type nodeState struct {
	config NodeConfig

	metrics           domain.NodeMetrics
	health            domain.Health
	recoveringSince   time.Time
	lastHealthCheckAt time.Time
	probing           bool
	probeGen          uint64 // bumped per health check, older results are dropped

	// Set when an executor reports an outage on the node. Nothing is
	// dispatched here until a health check started after heldGen passes.
	outageHeld bool
	heldGen    uint64
	heldAt     time.Time

	runningCounts map[domain.JobType]int
	running       map[string]*jobState
	// VRAM reserved by jobs admitted since the last probe sample.
	pendingVRAM map[string]int

	idleSince    time.Time
	idleNotified bool
}

func newNodeState(config NodeConfig, now time.Time) *nodeState {
	return &nodeState{
		config:        config,
		metrics:       domain.NodeMetrics{PowerMode: domain.Plugged},
		health:        domain.Healthy,
		runningCounts: map[domain.JobType]int{},
		running:       map[string]*jobState{},
		pendingVRAM:   map[string]int{},
		idleSince:     now,
	}
}

func (ns *nodeState) String() string {
	return fmt.Sprintf("{node:%s, health:%s, metrics:%s, running:%v, pendingVRAM:%dMB, idleSince:%v}",
		ns.config.ID, ns.health, spew.Sprintf("%+v", ns.metrics), ns.runningCounts, ns.pendingVRAMMB(), ns.idleSince)
}

// dispatchable is true when new work may be placed on the node.
func (ns *nodeState) dispatchable() bool {
	return ns.health.Admitting() && !ns.outageHeld
}

func (ns *nodeState) serves(jobType domain.JobType) bool {
	for _, t := range ns.config.Types {
		if t == jobType {
			return true
		}
	}
	return false
}

func (ns *nodeState) totalRunning() int {
	return len(ns.running)
}

func (ns *nodeState) pendingVRAMMB() int {
	total := 0
	for _, mb := range ns.pendingVRAM {
		total += mb
	}
	return total
}

// runningJobs returns the jobs on this node in acceptance order.
func (ns *nodeState) runningJobs() []*jobState {
	jobs := make([]*jobState, 0, len(ns.running))
	for _, js := range ns.running {
		jobs = append(jobs, js)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].seq < jobs[j].seq })
	return jobs
}

// resourceMonitor owns node resource state: probe samples, running counts
// and the headroom predicate used for admission. Only used from the
// scheduling loop.
type resourceMonitor struct {
	limits                ResourceLimits
	maxConcurrent         map[domain.JobType]int
	fallbackMaxConcurrent int
	nodes                 map[string]*nodeState
	order                 []*nodeState
	stat                  stats.StatsReceiver
}

func newResourceMonitor(
	nodes []NodeConfig,
	limits ResourceLimits,
	maxConcurrent map[domain.JobType]int,
	fallbackMaxConcurrent int,
	now time.Time,
	stat stats.StatsReceiver,
) *resourceMonitor {
	rm := &resourceMonitor{
		limits:                limits,
		maxConcurrent:         maxConcurrent,
		fallbackMaxConcurrent: fallbackMaxConcurrent,
		nodes:                 map[string]*nodeState{},
		stat:                  stat,
	}
	for _, nc := range nodes {
		ns := newNodeState(nc, now)
		rm.nodes[nc.ID] = ns
		rm.order = append(rm.order, ns)
	}
	return rm
}

func (rm *resourceMonitor) node(nodeID string) (*nodeState, bool) {
	ns, ok := rm.nodes[nodeID]
	return ns, ok
}

// ApplySample records fresh metrics for a node. The sample already accounts
// for every job admitted before it, so pending reservations are dropped.
func (rm *resourceMonitor) ApplySample(ns *nodeState, metrics domain.NodeMetrics) {
	if metrics.PowerMode == "" {
		metrics.PowerMode = domain.Plugged
	}
	ns.metrics = metrics
	ns.pendingVRAM = map[string]int{}

	nodeStat := rm.stat.Scope("node", ns.config.ID)
	nodeStat.GaugeFloat(stats.NodeVRAMUsedRatioGauge).Update(metrics.VRAMUsedRatio)
	nodeStat.GaugeFloat(stats.NodeTemperatureGauge).Update(metrics.TemperatureC)

	if rm.limits.VRAMAlertThreshold > 0 && metrics.VRAMUsedRatio >= rm.limits.VRAMAlertThreshold {
		nodeStat.Counter(stats.NodeVRAMAlertCounter).Inc(1)
		log.WithFields(
			log.Fields{
				"node":          ns.config.ID,
				"vramUsedRatio": metrics.VRAMUsedRatio,
				"threshold":     rm.limits.VRAMAlertThreshold,
			}).Warn("VRAM usage over alert threshold")
	}
	if metrics.TemperatureC >= rm.limits.ThrottleTemperature {
		log.WithFields(
			log.Fields{
				"node":         ns.config.ID,
				"temperatureC": metrics.TemperatureC,
			}).Warn("Node throttled on temperature")
	}
}

// MaxConcurrent is the ceiling for a job type on a node. Degraded placements
// on cpu nodes use the cpu fallback ceiling.
func (rm *resourceMonitor) MaxConcurrent(ns *nodeState, jobType domain.JobType, degraded bool) int {
	if degraded {
		return rm.fallbackMaxConcurrent
	}
	if max, ok := ns.config.MaxConcurrent[jobType]; ok {
		return max
	}
	return rm.maxConcurrent[jobType]
}

// HasHeadroom reports whether the node can take the job now, ignoring health.
func (rm *resourceMonitor) HasHeadroom(ns *nodeState, job domain.Job, degraded bool) bool {
	if ns.runningCounts[job.Type] >= rm.MaxConcurrent(ns, job.Type, degraded) {
		return false
	}
	if ns.metrics.PowerMode == domain.Battery && ns.totalRunning() >= rm.limits.BatteryMaxConcurrent {
		return false
	}
	if ns.metrics.TemperatureC >= rm.limits.ThrottleTemperature {
		return false
	}
	if ns.config.Kind == domain.GPU && ns.config.VRAMCapacityMB > 0 {
		reserved := float64(ns.pendingVRAMMB()+job.EstimatedVRAMMB) / float64(ns.config.VRAMCapacityMB)
		if ns.metrics.VRAMUsedRatio+reserved > rm.limits.VRAMLimit+vramEpsilon {
			return false
		}
	}
	return true
}

// Fits reports whether the job could ever be admitted on an otherwise empty node.
func (rm *resourceMonitor) Fits(ns *nodeState, job domain.Job) bool {
	if ns.config.Kind != domain.GPU || ns.config.VRAMCapacityMB <= 0 {
		return true
	}
	return float64(job.EstimatedVRAMMB)/float64(ns.config.VRAMCapacityMB) <= rm.limits.VRAMLimit+vramEpsilon
}

// Admit records js as running on ns and reserves its VRAM until the next sample.
func (rm *resourceMonitor) Admit(ns *nodeState, js *jobState) {
	ns.runningCounts[js.Job.Type]++
	ns.running[js.Job.ID] = js
	if ns.config.Kind == domain.GPU {
		ns.pendingVRAM[js.Job.ID] = js.Job.EstimatedVRAMMB
	}
	ns.idleSince = time.Time{}
	ns.idleNotified = false
}

// Release frees the slot js held on ns and starts the idle clock if the node emptied.
func (rm *resourceMonitor) Release(ns *nodeState, js *jobState, now time.Time) {
	if _, ok := ns.running[js.Job.ID]; !ok {
		log.WithFields(
			log.Fields{
				"node":  ns.config.ID,
				"jobID": js.Job.ID,
			}).Error("Releasing a job that isn't running on node")
		return
	}
	delete(ns.running, js.Job.ID)
	delete(ns.pendingVRAM, js.Job.ID)
	ns.runningCounts[js.Job.Type]--
	if ns.totalRunning() == 0 {
		ns.idleSince = now
		ns.idleNotified = false
	}
}

// IdleNodes returns nodes idle past the idle timeout that haven't been reported this idle period.
func (rm *resourceMonitor) IdleNodes(now time.Time) []*nodeState {
	if rm.limits.IdleTimeout <= 0 {
		return nil
	}
	var idle []*nodeState
	for _, ns := range rm.order {
		if ns.totalRunning() == 0 && !ns.idleNotified && !ns.idleSince.IsZero() &&
			now.Sub(ns.idleSince) >= rm.limits.IdleTimeout {
			idle = append(idle, ns)
		}
	}
	return idle
}

func (rm *resourceMonitor) Status(ns *nodeState) domain.NodeStatus {
	counts := make(map[domain.JobType]int, len(ns.runningCounts))
	for t, n := range ns.runningCounts {
		if n > 0 {
			counts[t] = n
		}
	}
	types := make([]domain.JobType, len(ns.config.Types))
	copy(types, ns.config.Types)
	return domain.NodeStatus{
		NodeID:            ns.config.ID,
		Kind:              ns.config.Kind,
		Types:             types,
		Health:            ns.health,
		Admitting:         ns.health.Admitting(),
		OutageHeld:        ns.outageHeld,
		VRAMCapacityMB:    ns.config.VRAMCapacityMB,
		VRAMUsedRatio:     ns.metrics.VRAMUsedRatio,
		PendingVRAMMB:     ns.pendingVRAMMB(),
		TemperatureC:      ns.metrics.TemperatureC,
		PowerMode:         ns.metrics.PowerMode,
		RunningCounts:     counts,
		LastHealthCheckAt: ns.lastHealthCheckAt,
		IdleSince:         ns.idleSince,
	}
}
