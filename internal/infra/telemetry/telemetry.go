// Package telemetry owns the Prometheus collectors of the service.
package telemetry

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "iam"

// Options configures where collectors are registered.
type Options struct {
	Registerer prometheus.Registerer
	Namespace  string
}

func (o Options) registerer() prometheus.Registerer {
	if o.Registerer == nil {
		return prometheus.DefaultRegisterer
	}
	return o.Registerer
}

func (o Options) namespace() string {
	if o.Namespace == "" {
		return defaultNamespace
	}
	return o.Namespace
}

// Register registers c, reusing an identical collector that is already registered.
func Register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			var zero C
			return zero, fmt.Errorf("register collector: %w", err)
		}
		existing, ok := already.ExistingCollector.(C)
		if !ok {
			var zero C
			return zero, fmt.Errorf("existing collector has unexpected type %T", already.ExistingCollector)
		}
		return existing, nil
	}
	return c, nil
}

// TwoFactorMetrics counts verification outcomes, lockouts and enrollment transitions.
type TwoFactorMetrics struct {
	Verifications *prometheus.CounterVec
	Lockouts      *prometheus.CounterVec
	Enrollments   *prometheus.CounterVec
}

// NewTwoFactorMetrics constructs and registers the two-factor collectors.
func NewTwoFactorMetrics(opts Options) (*TwoFactorMetrics, error) {
	reg := opts.registerer()
	namespace := opts.namespace()

	verifications, err := Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "twofactor",
		Name:      "verifications_total",
		Help:      "Second-factor verifications partitioned by method and outcome.",
	}, []string{"method", "outcome"}))
	if err != nil {
		return nil, err
	}

	lockouts, err := Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "twofactor",
		Name:      "lockouts_total",
		Help:      "Lockouts applied by the attempt tracker partitioned by key scope.",
	}, []string{"scope"}))
	if err != nil {
		return nil, err
	}

	enrollments, err := Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "twofactor",
		Name:      "enrollment_transitions_total",
		Help:      "Enrollment lifecycle transitions partitioned by stage.",
	}, []string{"stage"}))
	if err != nil {
		return nil, err
	}

	return &TwoFactorMetrics{
		Verifications: verifications,
		Lockouts:      lockouts,
		Enrollments:   enrollments,
	}, nil
}

// ObserveVerification implements usecase.MetricsRecorder.
func (m *TwoFactorMetrics) ObserveVerification(method, outcome string) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(method, outcome).Inc()
}

// ObserveLockout implements usecase.MetricsRecorder.
func (m *TwoFactorMetrics) ObserveLockout(scope string) {
	if m == nil {
		return
	}
	m.Lockouts.WithLabelValues(scope).Inc()
}

// ObserveEnrollment implements usecase.MetricsRecorder.
func (m *TwoFactorMetrics) ObserveEnrollment(stage string) {
	if m == nil {
		return
	}
	m.Enrollments.WithLabelValues(stage).Inc()
}

// Handler serves the gatherer in the Prometheus exposition format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
