package grabhttp

import (
	"time"

	"github.com/rcrowley/go-metrics"
)

type sessionMetrics struct {
	started   metrics.Counter
	succeeded metrics.Counter
	failed    metrics.Counter
	aborted   metrics.Counter
	bytes     metrics.Meter
	duration  metrics.Timer
}

func newSessionMetrics(r metrics.Registry) *sessionMetrics {
	return &sessionMetrics{
		started:   metrics.GetOrRegisterCounter("transfers.started", r),
		succeeded: metrics.GetOrRegisterCounter("transfers.succeeded", r),
		failed:    metrics.GetOrRegisterCounter("transfers.failed", r),
		aborted:   metrics.GetOrRegisterCounter("transfers.aborted", r),
		bytes:     metrics.GetOrRegisterMeter("transfer.bytes", r),
		duration:  metrics.GetOrRegisterTimer("transfer.duration", r),
	}
}

func (m *sessionMetrics) record(err error, elapsed time.Duration) {
	m.duration.Update(elapsed)
	switch {
	case err == nil:
		m.succeeded.Inc(1)
	case IsAborted(err):
		m.aborted.Inc(1)
	default:
		m.failed.Inc(1)
	}
}
