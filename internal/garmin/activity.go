package garmin

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FilenameTimeLayout is the timestamp prefix used in backup file names.
// Compact UTC, no colons, lexicographically sortable.
const FilenameTimeLayout = "20060102T150405Z"

// Activity describes one activity as reported by the Garmin Connect
// activity catalog. Immutable once fetched.
type Activity struct {
	ID        int64
	StartTime time.Time
	Type      string
}

// Filename returns the backup file name for the activity in the given
// export format, following the <timestamp>-<id><suffix> convention.
// For example: 20230105T101500Z-123456789.gpx
func (a Activity) Filename(format ExportFormat) string {
	return fmt.Sprintf("%s-%d%s",
		a.StartTime.UTC().Format(FilenameTimeLayout), a.ID, format.Suffix())
}

// ParseFilename is the inverse of Activity.Filename. It reports whether
// name follows the backup naming convention and, if so, which activity
// and format it belongs to. Files that don't match the convention are
// not backup artifacts and are ignored by callers.
func ParseFilename(name string) (id int64, format ExportFormat, ok bool) {
	for _, f := range Formats() {
		suffix := f.Suffix()
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		stem := strings.TrimSuffix(name, suffix)
		ts, idStr, found := strings.Cut(stem, "-")
		if !found {
			continue
		}
		if _, err := time.Parse(FilenameTimeLayout, ts); err != nil {
			continue
		}
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		return id, f, true
	}
	return 0, "", false
}
