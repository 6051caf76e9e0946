// Package stats records scheduler metrics through a small scoped surface
// backed by go-metrics. One registry feeds both the finagle style JSON of the
// admin endpoint and the Prometheus collector.
//
// Instruments:
//   - Counter and Gauge hold int64 values, GaugeFloat a float64.
//   - Latency is a sampled histogram of durations, rendered in the precision
//     of the receiver that created it.
//
// Names are '/' separated paths built from Scope() and the variadic name
// arguments, e.g. "node/gpu-0/probeCounter".
package stats

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rcrowley/go-metrics"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

// Clock times Latency.Time()/Stop(). Tests may swap it for a fake clock.
var Clock clock.PassiveClock = clock.RealClock{}

// Size of the uniform sample behind each Latency.
const latencySampleSize = 1000

// StatsRegistry is the part of a go-metrics registry the receivers and exporters use.
type StatsRegistry interface {
	// Gets an existing metric or registers the given one. The interface can
	// be the metric itself or a func returning it.
	GetOrRegister(string, interface{}) interface{}
	Unregister(string)
	Each(func(string, interface{}))
}

type StatsReceiver interface {
	// Returns a receiver that prefixes names with scope, so
	//
	//   stat.Scope("node", "gpu-0").Gauge("healthGauge")
	//
	// and stat.Gauge("node", "gpu-0", "healthGauge") are the same instrument.
	Scope(scope ...string) StatsReceiver

	// Returns a copy whose new Latency instruments render in precision units.
	// Samples are always kept in nanoseconds.
	Precision(time.Duration) StatsReceiver

	Counter(name ...string) Counter
	Gauge(name ...string) Gauge
	GaugeFloat(name ...string) GaugeFloat
	Latency(name ...string) Latency

	Remove(name ...string)

	// Marshals the registry as finagle JSON. Latency samples are cleared
	// afterwards so every render covers the interval since the last one.
	Render(pretty bool) []byte
}

// NewStatsReceiver records into registry, a fresh finagle registry when nil.
// Latencies default to millisecond precision.
func NewStatsReceiver(registry StatsRegistry) StatsReceiver {
	if registry == nil {
		registry = NewFinagleStatsRegistry()
	}
	return &defaultStatsReceiver{registry: registry, precision: time.Millisecond}
}

// NewFinagleStatsReceiver returns a receiver together with its registry, for
// exporters that read the registry directly.
func NewFinagleStatsReceiver() (StatsReceiver, StatsRegistry) {
	reg := NewFinagleStatsRegistry()
	return NewStatsReceiver(reg), reg
}

type defaultStatsReceiver struct {
	registry  StatsRegistry
	precision time.Duration
	scope     []string
}

func (s *defaultStatsReceiver) Scope(scope ...string) StatsReceiver {
	return &defaultStatsReceiver{s.registry, s.precision, s.scoped(scope...)}
}

func (s *defaultStatsReceiver) Precision(precision time.Duration) StatsReceiver {
	if precision < 1 {
		precision = 1
	}
	return &defaultStatsReceiver{s.registry, precision, s.scope}
}

func (s *defaultStatsReceiver) Counter(name ...string) Counter {
	return s.registry.GetOrRegister(s.scopedName(name...), newCounter).(Counter)
}

func (s *defaultStatsReceiver) Gauge(name ...string) Gauge {
	return s.registry.GetOrRegister(s.scopedName(name...), newGauge).(Gauge)
}

func (s *defaultStatsReceiver) GaugeFloat(name ...string) GaugeFloat {
	return s.registry.GetOrRegister(s.scopedName(name...), newGaugeFloat).(GaugeFloat)
}

func (s *defaultStatsReceiver) Latency(name ...string) Latency {
	// go-metrics only calls factories with a known signature, so build eagerly.
	return s.registry.GetOrRegister(s.scopedName(name...), newLatency(s.precision)).(Latency)
}

func (s *defaultStatsReceiver) Remove(name ...string) {
	s.registry.Unregister(s.scopedName(name...))
}

func (s *defaultStatsReceiver) Render(pretty bool) []byte {
	var bytes []byte
	var err error
	if fr, ok := s.registry.(*finagleStatsRegistry); ok && pretty {
		bytes, err = fr.MarshalJSONPretty()
	} else {
		bytes, err = json.Marshal(s.registry)
	}
	if err != nil {
		log.Errorf("Rendering stats: %v", err)
		return []byte("{}")
	}
	s.registry.Each(func(_ string, i interface{}) {
		if l, ok := i.(*metricLatency); ok {
			l.Clear()
		}
	})
	return bytes
}

// Name elements may carry runtime values such as node ids, '/' in them is escaped.
func (s *defaultStatsReceiver) scoped(name ...string) []string {
	out := make([]string, 0, len(s.scope)+len(name))
	out = append(out, s.scope...)
	for _, n := range name {
		out = append(out, strings.Replace(n, "/", "_SLASH_", -1))
	}
	return out
}

func (s *defaultStatsReceiver) scopedName(name ...string) string {
	return strings.Join(s.scoped(name...), "/")
}

// NilStatsReceiver discards everything.
func NilStatsReceiver() StatsReceiver {
	return nilStatsReceiver{}
}

type nilStatsReceiver struct{}

func (s nilStatsReceiver) Scope(...string) StatsReceiver         { return s }
func (s nilStatsReceiver) Precision(time.Duration) StatsReceiver { return s }
func (s nilStatsReceiver) Counter(...string) Counter             { return &metricCounter{metrics.NilCounter{}} }
func (s nilStatsReceiver) Gauge(...string) Gauge                 { return &metricGauge{metrics.NilGauge{}} }
func (s nilStatsReceiver) GaugeFloat(...string) GaugeFloat {
	return &metricGaugeFloat{metrics.NilGaugeFloat64{}}
}
func (s nilStatsReceiver) Latency(...string) Latency { return nilLatency{} }
func (s nilStatsReceiver) Remove(...string)          {}
func (s nilStatsReceiver) Render(bool) []byte        { return []byte("{}") }

type Counter interface {
	Count() int64
	Inc(int64)
}
type metricCounter struct{ metrics.Counter }

func newCounter() Counter { return &metricCounter{metrics.NewCounter()} }

type Gauge interface {
	Update(int64)
	Value() int64
}
type metricGauge struct{ metrics.Gauge }

func newGauge() Gauge { return &metricGauge{metrics.NewGauge()} }

type GaugeFloat interface {
	Update(float64)
	Value() float64
}
type metricGaugeFloat struct{ metrics.GaugeFloat64 }

func newGaugeFloat() GaugeFloat { return &metricGaugeFloat{metrics.NewGaugeFloat64()} }

// HistogramView is the read side of a Latency sample.
type HistogramView interface {
	Mean() float64
	Count() int64
	Max() int64
	Min() int64
	Sum() int64
	Percentiles(ps []float64) []float64
}

type Latency interface {
	// Starts a measurement on Clock, returns self.
	Time() Latency
	// Records the time since Time().
	Stop()
	// Records a duration measured elsewhere, e.g. on an injected clock.
	Observe(time.Duration)
	// Returns the sample as of now and the unit it renders in.
	View() (HistogramView, time.Duration)
}

type metricLatency struct {
	metrics.Histogram
	start     time.Time
	precision time.Duration
}

func newLatency(precision time.Duration) *metricLatency {
	return &metricLatency{
		Histogram: metrics.NewHistogram(metrics.NewUniformSample(latencySampleSize)),
		precision: precision,
	}
}

func (l *metricLatency) Time() Latency           { l.start = Clock.Now(); return l }
func (l *metricLatency) Stop()                   { l.Observe(Clock.Since(l.start)) }
func (l *metricLatency) Observe(d time.Duration) { l.Update(d.Nanoseconds()) }
func (l *metricLatency) View() (HistogramView, time.Duration) {
	return l.Histogram.Snapshot(), l.precision
}

type nilLatency struct{}

func (l nilLatency) Time() Latency         { return l }
func (l nilLatency) Stop()                 {}
func (l nilLatency) Observe(time.Duration) {}
func (l nilLatency) View() (HistogramView, time.Duration) {
	return metrics.NilHistogram{}, time.Nanosecond
}

// finagleStatsRegistry marshals latencies into flat avg/count/max/min/sum
// and percentile keys the way finagle's /admin/metrics.json does.
type finagleStatsRegistry struct {
	metrics.Registry
}

func NewFinagleStatsRegistry() StatsRegistry {
	return &finagleStatsRegistry{metrics.NewRegistry()}
}

type jsonMap map[string]interface{}

func (r *finagleStatsRegistry) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.MarshalAll())
}

func (r *finagleStatsRegistry) MarshalJSONPretty() ([]byte, error) {
	return json.MarshalIndent(r.MarshalAll(), "", "  ")
}

func (r *finagleStatsRegistry) MarshalAll() jsonMap {
	data := jsonMap{}
	r.Each(func(name string, i interface{}) {
		switch stat := i.(type) {
		case Counter:
			data[name] = stat.Count()
		case Gauge:
			data[name] = stat.Value()
		case GaugeFloat:
			data[name] = stat.Value()
		case Latency:
			hist, precision := stat.View()
			marshalHistogram(data, name, hist, precision)
		default:
			log.Infof("Unrecognized marshal instrument: %s %v", name, i)
		}
	})
	return data
}

var percentiles = []float64{0.5, 0.9, 0.95, 0.99, 0.999, 0.9999}
var percentileLabels = []string{"p50", "p90", "p95", "p99", "p999", "p9999"}

func marshalHistogram(data jsonMap, name string, hist HistogramView, precision time.Duration) {
	f64p := float64(precision)
	i64p := int64(precision)
	data[name+".avg"] = hist.Mean() / f64p
	data[name+".count"] = hist.Count()
	data[name+".max"] = hist.Max() / i64p
	data[name+".min"] = hist.Min() / i64p
	data[name+".sum"] = hist.Sum() / i64p
	for i, p := range hist.Percentiles(percentiles) {
		data[name+"."+percentileLabels[i]] = p / f64p
	}
}
