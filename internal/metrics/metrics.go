// tcs-supervisor - distributed service supervision and monitoring framework
// SPDX-License-Identifier: AGPL-3.0-or-later

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder owns a private prometheus.Registry plus the collectors this
// module's components feed: Runner restarts, BusMonitor publish failures,
// Discovery Client zombie detections, and the Launcher's declared-service
// count. A Recorder also mirrors every observation into a local map so it
// can hand a monitor.MetricFunc-shaped snapshot to the `stats` RPC command
// (spec.md §4.3) without the monitor package needing to import Prometheus.
type Recorder struct {
	registry *prometheus.Registry

	restartsTotal       *prometheus.CounterVec
	busPublishErrors    *prometheus.CounterVec
	zombieDetectedTotal *prometheus.CounterVec
	heartbeatsPublished prometheus.Counter
	declaredServices    prometheus.Gauge

	mu      sync.Mutex
	mirrors map[string]float64
}

// NewRecorder constructs a Recorder and registers its collectors against a
// fresh, private registry (never the global DefaultRegisterer: a process
// may construct more than one Recorder, one per Launcher or standalone
// Controller, and they must not collide on metric names).
func NewRecorder(namespace string) *Recorder {
	reg := prometheus.NewRegistry()

	r := &Recorder{
		registry: reg,
		restartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runner_restarts_total",
			Help:      "Total restart attempts per service, labeled by exit reason.",
		}, []string{"service_id", "reason"}),
		busPublishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_publish_errors_total",
			Help:      "Total bus publish failures, labeled by retention tier.",
		}, []string{"tier"}),
		zombieDetectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_zombie_detected_total",
			Help:      "Total times the Discovery Client flagged a service as a heartbeat-lapsed zombie.",
		}, []string{"service_id"}),
		heartbeatsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_published_total",
			Help:      "Total heartbeat events published by this process's BusMonitors.",
		}),
		declaredServices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "launcher_declared_services",
			Help:      "Number of services currently declared by this process's Launcher.",
		}),
		mirrors: make(map[string]float64),
	}

	reg.MustRegister(
		r.restartsTotal,
		r.busPublishErrors,
		r.zombieDetectedTotal,
		r.heartbeatsPublished,
		r.declaredServices,
	)
	return r
}

// Registry returns the private prometheus.Registry an embedder can expose
// via promhttp.HandlerFor, e.g. behind a Launcher's own /metrics endpoint.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) mirror(key string, delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mirrors[key] += delta
}

// IncRestart records one restart attempt for serviceID with the given exit
// reason (spec.md §5: "restarting", driven by the Runner's restart loop).
func (r *Recorder) IncRestart(serviceID, reason string) {
	r.restartsTotal.WithLabelValues(serviceID, reason).Inc()
	r.mirror("restarts_total."+serviceID, 1)
}

// IncBusPublishError records one publish failure on the given retention
// tier ("registry", "status", "heartbeat"), fed by BusMonitor whenever a
// publish returns an error (including a natsbus circuit-breaker rejection).
func (r *Recorder) IncBusPublishError(tier string) {
	r.busPublishErrors.WithLabelValues(tier).Inc()
	r.mirror("bus_publish_errors_total."+tier, 1)
}

// IncZombieDetected records one zombie transition for serviceID, fed from
// the Discovery Client's heartbeat-lapse scan.
func (r *Recorder) IncZombieDetected(serviceID string) {
	r.zombieDetectedTotal.WithLabelValues(serviceID).Inc()
	r.mirror("zombie_detected_total."+serviceID, 1)
}

// IncHeartbeatPublished records one heartbeat publish, fed from
// BusMonitor's heartbeat loop.
func (r *Recorder) IncHeartbeatPublished() {
	r.heartbeatsPublished.Inc()
	r.mirror("heartbeats_published_total", 1)
}

// SetDeclaredServices records the Launcher's current declared-service
// count.
func (r *Recorder) SetDeclaredServices(n int) {
	r.declaredServices.Set(float64(n))
	r.mu.Lock()
	r.mirrors["launcher_declared_services"] = float64(n)
	r.mu.Unlock()
}

// Snapshot returns a copy of every mirrored value, in the
// map[string]float64 shape monitor.MetricFunc expects — pass
// recorder.Snapshot directly to Monitor.AddMetricCb.
func (r *Recorder) Snapshot() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]float64, len(r.mirrors))
	for k, v := range r.mirrors {
		out[k] = v
	}
	return out
}
