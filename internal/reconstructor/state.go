package reconstructor

import "time"

// LogFileState is the per-path entry of the "log_files" broker-table
// (spec.md §4.1, Data Model's LogFileState). The zero value is the
// implicit EMPTY state.
type LogFileState struct {
	ReceivedCreated bool      `json:"received_created"`
	ReceivedClosed  bool      `json:"received_closed"`
	Created         time.Time `json:"created"`
	HasCreated      bool      `json:"has_created"`
	Processed       bool      `json:"processed"`
}

// ready reports whether both halves of the create/close handshake have
// been observed and the file has not yet been processed. This corrects
// the source's `received_created_event and received_created_event` typo
// (spec.md §9 "Known oddity") — both flags are required here.
func (s LogFileState) ready() bool {
	return s.ReceivedCreated && s.ReceivedClosed && !s.Processed
}

// isOverride reports whether an incoming event's timestamp conflicts with
// an already-seen, non-empty state for the same path (spec.md §4.1:
// "carries a timestamp that differs from the stored created timestamp").
func (s LogFileState) isOverride(eventCreated time.Time) bool {
	return s.HasCreated && !s.Created.Equal(eventCreated)
}

// pathSet is the JSON-serializable value of the "scan_id_to_log_files"
// table: the set of paths currently attributed to a scan number. Faust
// stores this as a Python set; here it is a map used as a set to get the
// same O(1) membership/removal semantics with stable JSON round-tripping.
type pathSet map[string]struct{}

func newPathSet() pathSet { return make(pathSet) }

func (s pathSet) add(path string)    { s[path] = struct{}{} }
func (s pathSet) remove(path string) { delete(s, path) }
func (s pathSet) len() int           { return len(s) }
