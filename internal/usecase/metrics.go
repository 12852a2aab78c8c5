package usecase

// MetricsRecorder receives two-factor counters; telemetry.TwoFactorMetrics implements it.
type MetricsRecorder interface {
	ObserveVerification(method, outcome string)
	ObserveLockout(scope string)
	ObserveEnrollment(stage string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveVerification(string, string) {}
func (nopRecorder) ObserveLockout(string)              {}
func (nopRecorder) ObserveEnrollment(string)           {}
