// Package metrics exposes Prometheus instrumentation for session phase
// durations, nonce verification outcomes, and connectivity walk sizes.
// Nothing in this package touches prometheus.DefaultRegisterer: a
// Recorder is always bound to a Registerer the caller supplies, so
// embedding this module never mutates global state the caller didn't
// ask for.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder collects the wire-protocol metrics. The zero value is not
// usable; construct with NewRecorder. A nil *Recorder is safe to call
// methods on (they become no-ops), so session Option funcs can store it
// unconditionally.
type Recorder struct {
	phaseDuration     *prometheus.HistogramVec
	nonceVerification *prometheus.CounterVec
	connectivityWalk  *prometheus.HistogramVec
	connectivityError *prometheus.CounterVec
}

// NewRecorder creates and registers the Recorder's metrics against reg.
// Pass prometheus.NewRegistry() for an isolated registry, or
// prometheus.DefaultRegisterer if the caller has chosen to opt into the
// global one themselves.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wireproto",
			Subsystem: "session",
			Name:      "phase_duration_seconds",
			Help:      "Duration of one session phase (e.g. advertise/want/have/pack/report) in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"component", "phase"}),
		nonceVerification: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wireproto",
			Subsystem: "pushcert",
			Name:      "nonce_verify_total",
			Help:      "Count of nonce verification outcomes, by status.",
		}, []string{"status"}),
		connectivityWalk: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wireproto",
			Subsystem: "connectivity",
			Name:      "walk_visited_objects",
			Help:      "Number of objects visited during a connectivity walk.",
			Buckets:   []float64{1, 10, 100, 1000, 10000, 100000},
		}, []string{"checker"}),
		connectivityError: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wireproto",
			Subsystem: "connectivity",
			Name:      "walk_errors_total",
			Help:      "Count of connectivity walk outcomes that found a missing object, by checker.",
		}, []string{"checker"}),
	}

	collectors := []prometheus.Collector{r.phaseDuration, r.nonceVerification, r.connectivityWalk, r.connectivityError}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ObservePhase records how long a named phase of a component
// ("uploadpack"/"receivepack") took.
func (r *Recorder) ObservePhase(component, phase string, seconds float64) {
	if r == nil {
		return
	}
	r.phaseDuration.WithLabelValues(component, phase).Observe(seconds)
}

// ObserveNonceVerify increments the counter for a nonce verification
// status (one of nonce.Status's String() values).
func (r *Recorder) ObserveNonceVerify(status string) {
	if r == nil {
		return
	}
	r.nonceVerification.WithLabelValues(status).Inc()
}

// ObserveConnectivityWalk records how many objects a connectivity walk
// visited before deciding (checker is "full", "iterative-reduced" or
// "iterative-full").
func (r *Recorder) ObserveConnectivityWalk(checker string, visited int) {
	if r == nil {
		return
	}
	r.connectivityWalk.WithLabelValues(checker).Observe(float64(visited))
}

// ObserveConnectivityError increments the missing-object counter for a
// checker.
func (r *Recorder) ObserveConnectivityError(checker string) {
	if r == nil {
		return
	}
	r.connectivityError.WithLabelValues(checker).Inc()
}
