package bob

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DNDStatus is the outcome of a do-not-disturb check.
type DNDStatus struct {
	Active bool
	Reason string // "adhoc" or "scheduled"
	EndsAt int64  // unix ms; next wall-clock end of the active window
}

// AdhocDND is an on-demand override ("quiet for 2h"), persisted as JSON.
type AdhocDND struct {
	Until  int64  `json:"until"` // unix ms
	Reason string `json:"reason,omitempty"`
}

type dndState struct {
	Adhoc *AdhocDND `json:"adhoc"`
}

// DNDOption configures a DND gate.
type DNDOption func(*DND)

// WithDNDLogger sets a structured logger.
func WithDNDLogger(l *slog.Logger) DNDOption {
	return func(d *DND) { d.logger = l }
}

// WithDNDWindow enables the scheduled window. start and end are "HH:MM"
// wall-clock times in loc; start after end wraps overnight.
func WithDNDWindow(start, end string, loc *time.Location) DNDOption {
	return func(d *DND) {
		s, errS := parseClock(start)
		e, errE := parseClock(end)
		if errS != nil || errE != nil {
			return
		}
		d.scheduled = true
		d.startMin = s
		d.endMin = e
		d.loc = loc
	}
}

// DND gates outbound notifications on a scheduled quiet window plus an
// ad-hoc override. The override is persisted so it survives restarts and
// is cleared lazily on the first read past its expiry.
type DND struct {
	path      string
	scheduled bool
	startMin  int
	endMin    int
	loc       *time.Location
	logger    *slog.Logger

	mu sync.Mutex
}

// NewDND creates a DND gate persisting ad-hoc state at path.
func NewDND(path string, opts ...DNDOption) *DND {
	d := &DND{path: path, loc: time.UTC, logger: NopLogger()}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Status evaluates the gate at now. Ad-hoc overrides win over the
// scheduled window.
func (d *DND) Status(now time.Time) DNDStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	if adhoc := d.readAdhoc(); adhoc != nil {
		if adhoc.Until > now.UnixMilli() {
			return DNDStatus{Active: true, Reason: "adhoc", EndsAt: adhoc.Until}
		}
		// Expired: clear lazily.
		d.writeState(dndState{})
	}

	if !d.scheduled {
		return DNDStatus{}
	}

	local := now.In(d.loc)
	m := local.Hour()*60 + local.Minute()
	var active bool
	if d.startMin <= d.endMin {
		active = m >= d.startMin && m < d.endMin
	} else {
		// Overnight wrap, e.g. 22:00-08:00.
		active = m >= d.startMin || m < d.endMin
	}
	if !active {
		return DNDStatus{}
	}
	return DNDStatus{Active: true, Reason: "scheduled", EndsAt: d.nextEnd(local)}
}

// SetAdhoc activates the override until the given unix-ms instant.
func (d *DND) SetAdhoc(until int64, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeState(dndState{Adhoc: &AdhocDND{Until: until, Reason: reason}})
}

// ClearAdhoc removes the override.
func (d *DND) ClearAdhoc() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeState(dndState{})
}

// nextEnd returns the next wall-clock occurrence of the window end after
// local. time.Date normalizes through DST transitions, so a nonexistent
// local time collapses forward.
func (d *DND) nextEnd(local time.Time) int64 {
	y, mo, day := local.Date()
	end := time.Date(y, mo, day, d.endMin/60, d.endMin%60, 0, 0, d.loc)
	if !end.After(local) {
		end = time.Date(y, mo, day+1, d.endMin/60, d.endMin%60, 0, 0, d.loc)
	}
	return end.UnixMilli()
}

func (d *DND) readAdhoc() *AdhocDND {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return nil
	}
	var st dndState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil
	}
	return st.Adhoc
}

func (d *DND) writeState(st dndState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return writeFileAtomic(d.path, data)
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("bad clock %q", s)
	}
	h, errH := strconv.Atoi(parts[0])
	m, errM := strconv.Atoi(parts[1])
	if errH != nil || errM != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad clock %q", s)
	}
	return h*60 + m, nil
}

// writeFileAtomic writes data via a temp file + rename so readers never
// observe a partial write.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
