// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/mbeema/flowstate/pkg/ctxtree"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/process"
)

// Stats tracks self-monitoring counters. It implements ctxtree.Observer so a
// registry can report context lifecycle events directly.
type Stats struct {
	startTime time.Time
	registry  *prometheus.Registry
	proc      *process.Process

	live     atomic.Int64
	created  atomic.Int64
	reaped   atomic.Int64
	released atomic.Int64
	packets  atomic.Int64
	errors   atomic.Int64

	liveGauge      prometheus.Gauge
	createdTotal   *prometheus.CounterVec
	reapedTotal    *prometheus.CounterVec
	packetsTotal   prometheus.Counter
	callbackErrors *prometheus.CounterVec
}

var _ ctxtree.Observer = (*Stats)(nil)

// NewStats creates a Stats instance with its own Prometheus registry.
func NewStats() *Stats {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	s := &Stats{
		startTime: time.Now(),
		registry:  reg,
		liveGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flowstate_contexts_live",
			Help: "Contexts currently in the tree, roots included",
		}),
		createdTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowstate_contexts_created_total",
			Help: "Contexts created",
		}, []string{"kind"}),
		reapedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowstate_contexts_reaped_total",
			Help: "Contexts removed after going idle",
		}, []string{"kind"}),
		packetsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "flowstate_packets_total",
			Help: "Packets processed",
		}),
		callbackErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flowstate_callback_errors_total",
			Help: "Errors returned by unrecognised traffic callbacks",
		}, []string{"path"}),
	}

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	}
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "flowstate_memory_rss_bytes",
		Help: "Resident set size of the process",
	}, func() float64 { return float64(s.rss()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "flowstate_uptime_seconds",
		Help: "Uptime in seconds",
	}, func() float64 { return s.Uptime().Seconds() })
	reg.MustRegister(collectors.NewGoCollector())

	return s
}

// Registry returns the Prometheus registry backing the metrics endpoint.
func (s *Stats) Registry() *prometheus.Registry {
	return s.registry
}

// Uptime returns process uptime.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// ContextCreated implements ctxtree.Observer.
func (s *Stats) ContextCreated(k ctxtree.Kind) {
	s.live.Add(1)
	s.created.Add(1)
	s.liveGauge.Inc()
	s.createdTotal.WithLabelValues(k.String()).Inc()
}

// ContextReaped implements ctxtree.Observer.
func (s *Stats) ContextReaped(k ctxtree.Kind) {
	s.reaped.Add(1)
	s.reapedTotal.WithLabelValues(k.String()).Inc()
}

// ContextReleased implements ctxtree.Observer.
func (s *Stats) ContextReleased(ctxtree.Kind) {
	s.live.Add(-1)
	s.released.Add(1)
	s.liveGauge.Dec()
}

// PacketProcessed counts one packet.
func (s *Stats) PacketProcessed() {
	s.packets.Add(1)
	s.packetsTotal.Inc()
}

// CallbackFailed counts an error returned from the stream or datagram path.
func (s *Stats) CallbackFailed(path string) {
	s.errors.Add(1)
	s.callbackErrors.WithLabelValues(path).Inc()
}

func (s *Stats) rss() uint64 {
	if s.proc != nil {
		if mi, err := s.proc.MemoryInfo(); err == nil {
			return mi.RSS
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	UptimeSeconds    float64 `json:"uptime_seconds"`
	Goroutines       int     `json:"goroutines"`
	MemoryRSSBytes   uint64  `json:"memory_rss_bytes"`
	ContextsLive     int64   `json:"contexts_live"`
	ContextsCreated  int64   `json:"contexts_created"`
	ContextsReaped   int64   `json:"contexts_reaped"`
	ContextsReleased int64   `json:"contexts_released"`
	Packets          int64   `json:"packets"`
	CallbackErrors   int64   `json:"callback_errors"`
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		UptimeSeconds:    s.Uptime().Seconds(),
		Goroutines:       runtime.NumGoroutine(),
		MemoryRSSBytes:   s.rss(),
		ContextsLive:     s.live.Load(),
		ContextsCreated:  s.created.Load(),
		ContextsReaped:   s.reaped.Load(),
		ContextsReleased: s.released.Load(),
		Packets:          s.packets.Load(),
		CallbackErrors:   s.errors.Load(),
	}
}
