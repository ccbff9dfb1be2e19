package backup

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sstent/garminbackup/internal/garmin"
)

// Catalog streams activity descriptors from the remote account.
// Implemented by *garmin.Client.
type Catalog interface {
	Activities(ctx context.Context) iter.Seq2[garmin.Activity, error]
}

// Fetcher exports a single artifact. Implemented by *garmin.Client.
type Fetcher interface {
	Export(ctx context.Context, activity garmin.Activity, format garmin.ExportFormat) (data []byte, available bool, err error)
}

// Recorder is the optional activity index the engine reports outcomes
// to. Implemented by *db.Index.
type Recorder interface {
	RecordActivity(a garmin.Activity) error
	MarkPresent(id int64, format garmin.ExportFormat, filename string) error
	MarkNotAvailable(id int64, format garmin.ExportFormat) error
	MarkFailed(id int64, format garmin.ExportFormat) error
	NotAvailable() (map[int64]map[garmin.ExportFormat]bool, error)
	Reconcile(present map[int64]map[garmin.ExportFormat]bool) error
}

// Options configures an Engine.
type Options struct {
	// Dir is the backup directory. Must exist.
	Dir string
	// Formats are the export formats to back up. Empty means all.
	Formats []garmin.ExportFormat
	// Workers bounds how many activities are processed concurrently.
	// Defaults to 4.
	Workers int
	// MaxRetries is the retry budget per artifact fetch. Defaults
	// to 7.
	MaxRetries uint64
	// InitialDelay seeds the exponential backoff between retries.
	// Defaults to 1s.
	InitialDelay time.Duration
	// Index, when non-nil, additionally records activity metadata and
	// artifact outcomes.
	Index  Recorder
	Logger zerolog.Logger
}

// Engine performs one incremental backup run: scan the directory once,
// stream the catalog, and fetch only what is missing. Individual
// artifact failures are collected in the Report; only conditions that
// doom the whole run (failed re-auth, disk full, cancellation) abort
// it.
type Engine struct {
	catalog Catalog
	fetcher Fetcher
	opts    Options
	state   *State
	ledger  *Ledger
	log     zerolog.Logger
}

// New creates an Engine. The backup directory must already exist.
func New(catalog Catalog, fetcher Fetcher, opts Options) *Engine {
	if len(opts.Formats) == 0 {
		opts.Formats = garmin.Formats()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 7
	}
	if opts.InitialDelay == 0 {
		opts.InitialDelay = time.Second
	}
	return &Engine{
		catalog: catalog,
		fetcher: fetcher,
		opts:    opts,
		ledger:  NewLedger(opts.Dir),
		log:     opts.Logger,
	}
}

// Run executes the sync. The returned Report is valid even when err is
// non-nil and describes everything processed up to the failure.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	state, err := ScanDir(e.opts.Dir)
	if err != nil {
		return nil, err
	}
	e.state = state
	if e.opts.Index != nil {
		if err := e.reconcileIndex(); err != nil {
			return nil, err
		}
	}
	e.log.Info().
		Int("backed_up_activities", len(state.Present)).
		Str("dir", e.opts.Dir).
		Msg("scanned backup directory")

	report := NewReport()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)

	seen := 0
	for activity, err := range e.catalog.Activities(gctx) {
		if err != nil {
			report.CatalogErr = err
			break
		}
		seen++
		if e.opts.Index != nil {
			if ierr := e.opts.Index.RecordActivity(activity); ierr != nil {
				e.log.Warn().Err(ierr).Int64("activity", activity.ID).Msg("failed to index activity")
			}
		}
		missing := e.missingFormats(activity)
		if len(missing) == 0 {
			report.add(Result{Activity: activity, Status: StatusSkipped})
			continue
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return e.syncActivity(gctx, activity, missing, report)
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	if report.CatalogErr != nil {
		if errors.Is(report.CatalogErr, garmin.ErrReauthFailed) {
			// The session is gone for good; dressing that up as a
			// listing warning would let the run exit successfully.
			return report, report.CatalogErr
		}
		if seen == 0 {
			// Nothing could be listed at all: the run achieved nothing
			// and should fail loudly rather than report success.
			return report, report.CatalogErr
		}
	}
	return report, nil
}

// missingFormats computes requested − (present ∪ not-available). An
// empty result means the activity costs nothing this run: no fetch is
// issued for it at all.
func (e *Engine) missingFormats(a garmin.Activity) []garmin.ExportFormat {
	var missing []garmin.ExportFormat
	for _, f := range e.opts.Formats {
		if !e.state.Has(a.ID, f) {
			missing = append(missing, f)
		}
	}
	return missing
}

func (e *Engine) syncActivity(ctx context.Context, a garmin.Activity, missing []garmin.ExportFormat, report *Report) error {
	res := Result{Activity: a}
	for _, format := range missing {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, available, err := e.fetchWithRetry(ctx, a, format)
		switch {
		case err != nil:
			if errors.Is(err, garmin.ErrReauthFailed) || ctx.Err() != nil {
				return err
			}
			e.log.Warn().Err(err).Int64("activity", a.ID).Str("format", string(format)).
				Msg("artifact fetch failed")
			res.Errors = append(res.Errors, ArtifactError{Format: format, Err: err})
			if e.opts.Index != nil {
				if ierr := e.opts.Index.MarkFailed(a.ID, format); ierr != nil {
					e.log.Warn().Err(ierr).Int64("activity", a.ID).Msg("failed to index artifact state")
				}
			}
		case !available:
			e.state.MarkNotAvailable(a.ID, format)
			if lerr := e.ledger.Add(a.Filename(format)); lerr != nil {
				e.log.Warn().Err(lerr).Msg("failed to record not-available export")
			}
			if e.opts.Index != nil {
				if ierr := e.opts.Index.MarkNotAvailable(a.ID, format); ierr != nil {
					e.log.Warn().Err(ierr).Int64("activity", a.ID).Msg("failed to index artifact state")
				}
			}
			res.Unavailable = append(res.Unavailable, format)
		default:
			filename := a.Filename(format)
			if werr := e.persist(filename, data); werr != nil {
				if IsDiskFull(werr) {
					return fmt.Errorf("backup directory out of space: %w", werr)
				}
				res.Errors = append(res.Errors, ArtifactError{Format: format, Err: werr})
				if e.opts.Index != nil {
					if ierr := e.opts.Index.MarkFailed(a.ID, format); ierr != nil {
						e.log.Warn().Err(ierr).Int64("activity", a.ID).Msg("failed to index artifact state")
					}
				}
				continue
			}
			if e.opts.Index != nil {
				if ierr := e.opts.Index.MarkPresent(a.ID, format, filename); ierr != nil {
					e.log.Warn().Err(ierr).Int64("activity", a.ID).Msg("failed to index artifact state")
				}
			}
		}
	}
	switch {
	case len(res.Errors) > 0:
		res.Status = StatusFailed
	case len(res.Unavailable) > 0:
		res.Status = StatusPartial
	default:
		res.Status = StatusSynced
	}
	e.log.Info().Int64("activity", a.ID).Stringer("status", res.Status).
		Time("start", a.StartTime).Msg("activity processed")
	report.add(res)
	return nil
}

func (e *Engine) persist(filename string, data []byte) error {
	return WriteAtomic(filepath.Join(e.opts.Dir, filename), data)
}

type exportResult struct {
	data      []byte
	available bool
}

// fetchWithRetry retries transient fetch failures with exponential
// backoff until the retry budget is exhausted. Not-available outcomes
// and permanent errors return immediately.
func (e *Engine) fetchWithRetry(ctx context.Context, a garmin.Activity, format garmin.ExportFormat) ([]byte, bool, error) {
	op := func() (exportResult, error) {
		data, available, err := e.fetcher.Export(ctx, a, format)
		if err != nil && !garmin.IsTransient(err) {
			return exportResult{}, backoff.Permanent(err)
		}
		return exportResult{data: data, available: available}, err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.opts.InitialDelay
	res, err := backoff.RetryWithData(op,
		backoff.WithContext(backoff.WithMaxRetries(bo, e.opts.MaxRetries), ctx))
	if err != nil {
		return nil, false, err
	}
	return res.data, res.available, nil
}

// reconcileIndex aligns the index with the directory (the directory
// always wins on presence) and folds the index's cross-run
// not-available knowledge into the run state.
func (e *Engine) reconcileIndex() error {
	if err := e.opts.Index.Reconcile(e.state.Present); err != nil {
		return fmt.Errorf("failed to reconcile index: %w", err)
	}
	notAvailable, err := e.opts.Index.NotAvailable()
	if err != nil {
		return fmt.Errorf("failed to load not-available records: %w", err)
	}
	for id, formats := range notAvailable {
		for f := range formats {
			e.state.MarkNotAvailable(id, f)
		}
	}
	return nil
}
