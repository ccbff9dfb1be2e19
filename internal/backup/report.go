package backup

import (
	"sync"

	"github.com/sstent/garminbackup/internal/garmin"
)

// Status summarizes how one activity fared during a run.
type Status int

const (
	// StatusSkipped: every requested format was already on disk or
	// known not available, so not a single fetch was issued.
	StatusSkipped Status = iota
	// StatusSynced: every missing format was fetched and persisted.
	StatusSynced
	// StatusPartial: fetched what exists, but some formats are not
	// available remotely for this activity.
	StatusPartial
	// StatusFailed: at least one artifact could not be fetched or
	// persisted.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSkipped:
		return "skipped"
	case StatusSynced:
		return "synced"
	case StatusPartial:
		return "partial"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ArtifactError is one failed (format, error) pair within an activity.
type ArtifactError struct {
	Format garmin.ExportFormat
	Err    error
}

// Result is the outcome for one activity.
type Result struct {
	Activity    garmin.Activity
	Status      Status
	Unavailable []garmin.ExportFormat
	Errors      []ArtifactError
}

// Report accumulates per-activity results across the run. Safe for
// concurrent use by the engine's workers.
type Report struct {
	// CatalogErr is set when the activity listing broke off before
	// the catalog was exhausted. Activities beyond that page were not
	// seen this run.
	CatalogErr error

	mu      sync.Mutex
	results []Result
}

func NewReport() *Report {
	return &Report{}
}

func (r *Report) add(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

// Results returns all per-activity outcomes recorded so far.
func (r *Report) Results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.results...)
}

// Counts returns the number of activities per status.
func (r *Report) Counts() (skipped, synced, partial, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.results {
		switch res.Status {
		case StatusSkipped:
			skipped++
		case StatusSynced:
			synced++
		case StatusPartial:
			partial++
		case StatusFailed:
			failed++
		}
	}
	return
}

// Failed returns the activities that had at least one artifact failure.
func (r *Report) Failed() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	var failed []Result
	for _, res := range r.results {
		if res.Status == StatusFailed {
			failed = append(failed, res)
		}
	}
	return failed
}
