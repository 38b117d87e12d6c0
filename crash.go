package bob

import (
	"encoding/json"
	"os"
)

// EventDaemonCrashed is enqueued on startup when the previous run did not
// exit cleanly, so the next heartbeat can tell the user what happened.
const EventDaemonCrashed = "daemon_crashed"

type exitMarker struct {
	PID       int   `json:"pid"`
	StartedAt int64 `json:"started_at"`
	CleanExit bool  `json:"clean_exit"`
	UpdatedAt int64 `json:"updated_at"`
}

// CrashMarker detects unclean shutdowns via a small JSON marker file:
// Begin writes a dirty marker, End rewrites it clean, and a dirty marker
// found at the next Begin means the previous run died mid-flight.
type CrashMarker struct {
	path string
}

// NewCrashMarker creates a marker persisted at path.
func NewCrashMarker(path string) *CrashMarker {
	return &CrashMarker{path: path}
}

// Begin reports whether the previous run crashed, then stamps a dirty
// marker for the current run. A missing or unreadable marker counts as a
// clean history.
func (c *CrashMarker) Begin() (crashed bool, err error) {
	if data, rerr := os.ReadFile(c.path); rerr == nil {
		var prev exitMarker
		if json.Unmarshal(data, &prev) == nil && prev.PID != 0 && !prev.CleanExit {
			crashed = true
		}
	}
	now := NowUnixMilli()
	return crashed, c.write(exitMarker{
		PID:       os.Getpid(),
		StartedAt: now,
		UpdatedAt: now,
	})
}

// End marks the current run as cleanly exited.
func (c *CrashMarker) End() error {
	return c.write(exitMarker{
		PID:       os.Getpid(),
		CleanExit: true,
		UpdatedAt: NowUnixMilli(),
	})
}

func (c *CrashMarker) write(m exitMarker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return writeFileAtomic(c.path, data)
}
