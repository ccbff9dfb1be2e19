package garmin

import (
	"fmt"
	"strings"
)

// ExportFormat identifies one of the export formats Garmin Connect can
// produce for an activity. Not every activity supports every format:
// a manually entered activity has no FIT source, an activity uploaded
// as GPX cannot be exported to FIT, and so on.
type ExportFormat string

const (
	FormatGPX         ExportFormat = "gpx"
	FormatTCX         ExportFormat = "tcx"
	FormatFIT         ExportFormat = "fit"
	FormatJSONSummary ExportFormat = "json_summary"
	FormatJSONDetails ExportFormat = "json_details"
)

// Formats returns all supported export formats in a stable order.
func Formats() []ExportFormat {
	return []ExportFormat{
		FormatJSONSummary,
		FormatJSONDetails,
		FormatGPX,
		FormatTCX,
		FormatFIT,
	}
}

// formatSuffixes maps every export format to the file name suffix used
// for it in a backup directory. The suffix is part of the on-disk
// contract: changing it makes all previous backups invisible to
// incremental runs.
var formatSuffixes = map[ExportFormat]string{
	FormatGPX:         ".gpx",
	FormatTCX:         ".tcx",
	FormatFIT:         ".fit",
	FormatJSONSummary: ".summary.json",
	FormatJSONDetails: ".details.json",
}

// Suffix returns the file name suffix for the format.
func (f ExportFormat) Suffix() string {
	return formatSuffixes[f]
}

// Valid reports whether f is a known export format.
func (f ExportFormat) Valid() bool {
	_, ok := formatSuffixes[f]
	return ok
}

// ParseFormat parses a single format name, e.g. "gpx".
func ParseFormat(s string) (ExportFormat, error) {
	f := ExportFormat(strings.ToLower(strings.TrimSpace(s)))
	if !f.Valid() {
		return "", fmt.Errorf("unsupported export format %q (supported: %s)", s, formatNames())
	}
	return f, nil
}

// ParseFormats parses a list of format names. An empty list or the
// special value "all" selects every supported format.
func ParseFormats(names []string) ([]ExportFormat, error) {
	if len(names) == 0 {
		return Formats(), nil
	}
	var formats []ExportFormat
	seen := make(map[ExportFormat]bool)
	for _, name := range names {
		if strings.EqualFold(strings.TrimSpace(name), "all") {
			return Formats(), nil
		}
		f, err := ParseFormat(name)
		if err != nil {
			return nil, err
		}
		if !seen[f] {
			seen[f] = true
			formats = append(formats, f)
		}
	}
	return formats, nil
}

func formatNames() string {
	var names []string
	for _, f := range Formats() {
		names = append(names, string(f))
	}
	return strings.Join(names, ", ")
}
