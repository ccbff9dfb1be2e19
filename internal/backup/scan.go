// Package backup owns the local side of the sync: scanning the backup
// directory for artifacts that already exist, writing new ones
// atomically, and orchestrating the incremental run.
package backup

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sstent/garminbackup/internal/garmin"
)

// notFoundFile lists export attempts that were tried but confirmed
// not available remotely, one would-have-been file name per line. An
// entry is a strong indication of an export that simply doesn't exist
// (e.g. FIT for a manually created activity) and should not be
// retried on later runs.
const notFoundFile = ".not_found"

// State is what the backup directory says has already been handled:
// artifacts present on disk, plus artifacts recorded as not available
// remotely. The directory scan is the sole source of truth for
// presence; there is no manifest to drift from reality.
type State struct {
	// Present maps activity id to the set of formats with a file on
	// disk.
	Present map[int64]map[garmin.ExportFormat]bool
	// NotAvailable maps activity id to formats confirmed absent
	// remotely. Guarded by mu: workers add to it while the catalog
	// loop reads it.
	NotAvailable map[int64]map[garmin.ExportFormat]bool

	mu sync.RWMutex
}

// Has reports whether the (activity, format) pair needs no fetch,
// either because the file exists or because the export is known not to
// exist remotely.
func (s *State) Has(id int64, format garmin.ExportFormat) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Present[id][format] || s.NotAvailable[id][format]
}

// MarkNotAvailable records a not-available outcome so it is not
// retried for the remainder of the run.
func (s *State) MarkNotAvailable(id int64, format garmin.ExportFormat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.NotAvailable[id] == nil {
		s.NotAvailable[id] = make(map[garmin.ExportFormat]bool)
	}
	s.NotAvailable[id][format] = true
}

// ScanDir derives the backup state from the directory contents and the
// .not_found ledger. Files that don't follow the naming convention are
// ignored, not errors: the directory may hold anything else.
func ScanDir(dir string) (*State, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan backup directory: %w", err)
	}
	state := &State{
		Present:      make(map[int64]map[garmin.ExportFormat]bool),
		NotAvailable: make(map[int64]map[garmin.ExportFormat]bool),
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, format, ok := garmin.ParseFilename(entry.Name())
		if !ok {
			continue
		}
		if state.Present[id] == nil {
			state.Present[id] = make(map[garmin.ExportFormat]bool)
		}
		state.Present[id][format] = true
	}
	if err := loadNotFound(dir, state); err != nil {
		return nil, err
	}
	return state, nil
}

func loadNotFound(dir string, state *State) error {
	f, err := os.Open(filepath.Join(dir, notFoundFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read not-found ledger: %w", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name == "" {
			continue
		}
		if id, format, ok := garmin.ParseFilename(name); ok {
			state.MarkNotAvailable(id, format)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read not-found ledger: %w", err)
	}
	return nil
}

// Ledger appends confirmed not-available artifacts to the .not_found
// file. Safe for concurrent use.
type Ledger struct {
	path string
	mu   sync.Mutex
}

// NewLedger creates a ledger for the given backup directory.
func NewLedger(dir string) *Ledger {
	return &Ledger{path: filepath.Join(dir, notFoundFile)}
}

// Add appends the would-have-been file name of a not-available export.
func (l *Ledger) Add(filename string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open not-found ledger: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(filename + "\n"); err != nil {
		return fmt.Errorf("failed to append to not-found ledger: %w", err)
	}
	return nil
}
