package stats

import (
	"context"
	"time"

	"k8s.io/utils/clock"
)

var StatReportIntvl = 500 * time.Millisecond

// How long the started gauge reads 1 after a restart.
var StartupGaugeSpikeLen = time.Minute

// ReportUptime sets startedName to 1, then every StatReportIntvl writes the
// milliseconds since start to uptimeName until ctx is done. startedName drops
// to 0 once StartupGaugeSpikeLen has passed, so restarts show up as spikes.
func ReportUptime(ctx context.Context, clk clock.WithTicker, stat StatsReceiver, uptimeName, startedName string) {
	started := stat.Gauge(startedName)
	started.Update(1)
	startTime := clk.Now()
	ticker := clk.NewTicker(StatReportIntvl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			up := clk.Since(startTime)
			if up >= StartupGaugeSpikeLen {
				started.Update(0)
			}
			stat.Gauge(uptimeName).Update(int64(up / time.Millisecond))
		}
	}
}
