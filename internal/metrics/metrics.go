// Package metrics is the backend-neutral metrics seam used by the sync
// pipeline. Core code records through the package-level helpers; cmd/adsync
// installs a concrete Backend (Datadog) at startup. Without one, every call is
// a no-op.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Metric names. Backends switch on these.
const (
	StepTotal           = "adsync_step_total"
	StepDurationSeconds = "adsync_step_duration_seconds"
	RecordsTotal        = "adsync_records_total"
	HTTPRequestsTotal   = "adsync_http_requests_total"
	HTTPErrorsTotal     = "adsync_http_errors_total"
	HTTPDurationSeconds = "adsync_http_request_duration_seconds"
)

// Labels are metric dimensions (step, status, kind, op).
type Labels map[string]string

// Backend receives metric observations.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	current Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. nil restores the no-op.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	current = b
}

func backend() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// IncCounter adds delta to the named counter.
func IncCounter(name string, delta float64, labels Labels) {
	backend().IncCounter(name, delta, labels)
}

// ObserveHistogram records one sample for the named histogram.
func ObserveHistogram(name string, value float64, labels Labels) {
	backend().ObserveHistogram(name, value, labels)
}

// Flush asks the backend to submit buffered observations.
func Flush() error {
	return backend().Flush()
}

// RecordStep counts one pipeline step outcome and its duration.
func RecordStep(step, status string, d time.Duration) {
	l := Labels{"step": step, "status": status}
	IncCounter(StepTotal, 1, l)
	ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordRecords counts records by kind (extracted, staged, merged).
func RecordRecords(kind string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(RecordsTotal, float64(n), Labels{"kind": kind})
}

// RecordHTTP counts one upstream HTTP attempt. status is 0 when no response
// arrived (transport error or timeout).
func RecordHTTP(op string, status int, err error, d time.Duration) {
	s := "error"
	if status > 0 {
		s = strconv.Itoa(status)
	}
	l := Labels{"op": op, "status": s}
	IncCounter(HTTPRequestsTotal, 1, l)
	ObserveHistogram(HTTPDurationSeconds, d.Seconds(), l)
	if err != nil || status < 200 || status > 299 {
		IncCounter(HTTPErrorsTotal, 1, l)
	}
}
