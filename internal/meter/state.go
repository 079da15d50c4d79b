package meter

import "strconv"

// MaxTotal is the upper bound for a lifetime counter. Values beyond this
// are rejected rather than wrapped, matching the 32-bit signed range many
// downstream consumers store counters in.
const MaxTotal int64 = 2147483647

// DateLayout is the calendar-day format used for rollover tracking and the
// published date diagnostic.
const DateLayout = "2006-01-02"

// Meter is the counter state for one physical S0 input channel.
type Meter struct {
	// ID is the immutable channel number assigned by configuration.
	ID int

	// Name is the optional display name. Empty means "use the id".
	Name string

	// Pulsecount is the last raw hardware counter value. It restarts from
	// zero whenever the device itself resets and is never published as the
	// total.
	Pulsecount int64

	// Total is the cumulative lifetime count.
	Total int64

	// Today is the count accumulated since the last day rollover.
	Today int64

	// Yesterday is the value Today held before the most recent rollover.
	Yesterday int64
}

// Key returns the public identifier for topic construction: the display
// name when set, otherwise the numeric id.
func (m *Meter) Key() string {
	if m.Name != "" {
		return m.Name
	}
	return strconv.Itoa(m.ID)
}

// MeasurementState is the full counter state: the calendar day the current
// today buckets belong to, plus every known meter keyed by id.
//
// It is never persisted locally. Its only externalized form is the set of
// retained MQTT messages, which is also what rebuilds it after a restart.
type MeasurementState struct {
	Date   string
	Meters map[int]*Meter
}

// Snapshot is a deep copy of the shared state taken under the lock, safe to
// use for publishing without holding the lock across I/O.
type Snapshot struct {
	Date     string
	Firmware string
	Meters   []Meter
	Error    ErrorState
}

// Meter returns the snapshot entry for an id, or nil.
func (s Snapshot) Meter(id int) *Meter {
	for i := range s.Meters {
		if s.Meters[i].ID == id {
			return &s.Meters[i]
		}
	}
	return nil
}
