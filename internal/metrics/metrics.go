// Package metrics exposes queuegate's Prometheus metrics.
//
// Each Registry owns its own prometheus.Registry so several agents (or
// tests) can live in one process. Every Observe* method is safe on a nil
// *Registry, which lets components run without metrics wired.
//
// # Metric names
//
//	queuegate_transitions_total{from,to}
//	queuegate_admission_calls_total{op,result}
//	queuegate_errors_total{kind}
//	queuegate_extensions_total{result}
//	queuegate_status{status}                      1 for the current status, 0 otherwise
//	queuegate_http_requests_total{method,route,status}
//	queuegate_http_request_duration_seconds{method,route}
//	queuegate_sandbox_waiting{event}
//	queuegate_sandbox_released_total{event}
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snehjoshi/queuegate/internal/types"
)

// Registry holds all queuegate application metrics.
type Registry struct {
	reg *prometheus.Registry

	Transitions    *prometheus.CounterVec
	AdmissionCalls *prometheus.CounterVec
	Errors         *prometheus.CounterVec
	Extensions     *prometheus.CounterVec
	Status         *prometheus.GaugeVec

	HTTPReqs *prometheus.CounterVec
	HTTPDur  *prometheus.HistogramVec

	SandboxWaiting  *prometheus.GaugeVec
	SandboxReleased *prometheus.CounterVec
}

var allStatuses = []types.Status{
	types.StatusIdle, types.StatusQueuing, types.StatusQueued, types.StatusEntered, types.StatusError,
}

// New creates a Registry with every collector registered, plus the Go and
// process collectors.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queuegate_transitions_total",
			Help: "State machine transitions.",
		}, []string{"from", "to"}),
		AdmissionCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queuegate_admission_calls_total",
			Help: "Backend admission API calls by operation and result.",
		}, []string{"op", "result"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queuegate_errors_total",
			Help: "Errors recorded by the state machine, by kind.",
		}, []string{"kind"}),
		Extensions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queuegate_extensions_total",
			Help: "Cookie extension calls by result.",
		}, []string{"result"}),
		Status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queuegate_status",
			Help: "1 for the state machine's current status.",
		}, []string{"status"}),
		HTTPReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queuegate_http_requests_total",
			Help: "HTTP requests served.",
		}, []string{"method", "route", "status"}),
		HTTPDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "queuegate_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		SandboxWaiting: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queuegate_sandbox_waiting",
			Help: "Visitors waiting in a sandbox event queue.",
		}, []string{"event"}),
		SandboxReleased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queuegate_sandbox_released_total",
			Help: "Visitors released by the sandbox.",
		}, []string{"event"}),
	}
	r.reg.MustRegister(
		r.Transitions, r.AdmissionCalls, r.Errors, r.Extensions, r.Status,
		r.HTTPReqs, r.HTTPDur, r.SandboxWaiting, r.SandboxReleased,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	r.SetStatus(types.StatusIdle)
	return r
}

// Handler renders the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry, mostly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// ObserveTransition counts one transition and moves the status gauge.
func (r *Registry) ObserveTransition(from, to types.Status) {
	if r == nil {
		return
	}
	r.Transitions.WithLabelValues(from.String(), to.String()).Inc()
	r.SetStatus(to)
}

// SetStatus sets the status gauge to 1 for s and 0 for every other status.
func (r *Registry) SetStatus(s types.Status) {
	if r == nil {
		return
	}
	for _, st := range allStatuses {
		v := 0.0
		if st == s {
			v = 1
		}
		r.Status.WithLabelValues(st.String()).Set(v)
	}
}

// ObserveAdmission counts one backend call. result is an outcome
// ("queued", "entered", ...) or an error kind.
func (r *Registry) ObserveAdmission(op, result string) {
	if r == nil {
		return
	}
	r.AdmissionCalls.WithLabelValues(op, result).Inc()
}

// ObserveError counts an error recorded by the state machine.
func (r *Registry) ObserveError(kind types.ErrorKind) {
	if r == nil {
		return
	}
	r.Errors.WithLabelValues(string(kind)).Inc()
}

// ObserveExtension counts one cookie extension call.
func (r *Registry) ObserveExtension(ok bool) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	r.Extensions.WithLabelValues(result).Inc()
}

// ObserveHTTP records one served request.
func (r *Registry) ObserveHTTP(method, route string, status int, d time.Duration) {
	if r == nil {
		return
	}
	r.HTTPReqs.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.HTTPDur.WithLabelValues(method, route).Observe(d.Seconds())
}

// SetSandboxWaiting sets the number of visitors waiting for event.
func (r *Registry) SetSandboxWaiting(event string, n int) {
	if r == nil {
		return
	}
	r.SandboxWaiting.WithLabelValues(event).Set(float64(n))
}

// AddSandboxReleased counts n visitors released for event.
func (r *Registry) AddSandboxReleased(event string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.SandboxReleased.WithLabelValues(event).Add(float64(n))
}
