package reconstructor

import (
	"fmt"
	"path/filepath"
	"regexp"
)

// scanIDPattern extracts the numeric scan identifier embedded in a log
// file's basename, e.g. "log_0001_primary.data" -> 1. Externalized as its
// own function (spec.md §4.1 step 1: "a path-to-scan-id parser — a regex
// over the filename") so the pattern can be swapped without touching the
// state machine.
var scanIDPattern = regexp.MustCompile(`log_(\d+)_`)

// primaryLogFilePattern identifies the one log file per scan whose
// timestamp anchors the Scan record (spec.md §4.1 step 3).
var primaryLogFilePattern = regexp.MustCompile(`_primary\.`)

// ErrUnparseableScanID is returned by ExtractScanID when path does not
// carry a recognizable scan number; callers skip the event with a
// warning per spec.md §4.1 step 1.
var ErrUnparseableScanID = fmt.Errorf("reconstructor: path does not contain a scan id")

// ExtractScanID parses the scan number out of the basename of path.
func ExtractScanID(path string) (int, error) {
	base := filepath.Base(path)
	m := scanIDPattern.FindStringSubmatch(base)
	if m == nil {
		return 0, fmt.Errorf("%w: %s", ErrUnparseableScanID, path)
	}

	var scanID int
	if _, err := fmt.Sscanf(m[1], "%d", &scanID); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrUnparseableScanID, path)
	}
	return scanID, nil
}

// IsPrimaryLogFile reports whether path is the scan's primary log file —
// the one whose creation timestamp is used to create/identify the Scan.
func IsPrimaryLogFile(path string) bool {
	return primaryLogFilePattern.MatchString(filepath.Base(path))
}
