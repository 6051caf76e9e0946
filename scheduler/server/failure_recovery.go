package server

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/twitter/gpusched/common/stats"
	"github.com/twitter/gpusched/scheduler/domain"
)

type HealthConfig struct {
	// Time between probes of a node.
	Interval time.Duration
	// A probe that takes longer counts as a miss.
	Timeout time.Duration
	// Min time in Recovering before a successful probe restores Healthy.
	RecoveryCoolDown time.Duration
}

// CPUFallbackConfig lets listed job types run on cpu nodes while no gpu node
// serving them is admitting.
type CPUFallbackConfig struct {
	Enabled bool
	Types   []domain.JobType
	// Ceiling per type on each cpu node used as a fallback.
	MaxConcurrent int
}

func (c CPUFallbackConfig) covers(jobType domain.JobType) bool {
	if !c.Enabled {
		return false
	}
	for _, t := range c.Types {
		if t == jobType {
			return true
		}
	}
	return false
}

// failureRecovery drives the per node health state machine:
//
//	Healthy --miss--> Suspect --miss--> Unhealthy --ok--> Recovering --ok after cool down--> Healthy
//	Suspect --ok--> Healthy, Recovering --miss--> Unhealthy
//
// Suspect nodes still admit, Unhealthy and Recovering nodes don't. The
// scheduler fails over running jobs when a node enters Unhealthy.
type failureRecovery struct {
	config HealthConfig
	stat   stats.StatsReceiver
}

func newFailureRecovery(config HealthConfig, stat stats.StatsReceiver) *failureRecovery {
	return &failureRecovery{config: config, stat: stat}
}

// Observe applies one probe result and returns the state before and after.
func (fr *failureRecovery) Observe(ns *nodeState, ok bool, now time.Time) (from, to domain.Health) {
	from = ns.health
	ns.lastHealthCheckAt = now
	if !ok {
		fr.stat.Scope("node", ns.config.ID).Counter(stats.NodeProbeFailureCounter).Inc(1)
	}

	switch {
	case ok && from == domain.Unhealthy:
		ns.health = domain.Recovering
		ns.recoveringSince = now
	case ok && from == domain.Recovering:
		if now.Sub(ns.recoveringSince) >= fr.config.RecoveryCoolDown {
			ns.health = domain.Healthy
		}
	case ok:
		ns.health = domain.Healthy
	case from == domain.Healthy:
		ns.health = domain.Suspect
	default:
		ns.health = domain.Unhealthy
	}

	to = ns.health
	fr.stat.Scope("node", ns.config.ID).Gauge(stats.NodeHealthGauge).Update(int64(to))
	if from != to {
		if to == domain.Unhealthy {
			fr.stat.Scope("node", ns.config.ID).Counter(stats.NodeMarkedUnhealthyCounter).Inc(1)
		}
		log.WithFields(
			log.Fields{
				"node": ns.config.ID,
				"from": from,
				"to":   to,
			}).Info("Node health changed")
	}
	return from, to
}
