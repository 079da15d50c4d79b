package meter

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Engine owns the shared MeasurementState and ErrorState and serializes all
// access through a single lock.
//
// Every operation acquires the lock for its full duration and never holds it
// across I/O. Callers that need to publish state take a Snapshot and work
// from the copy.
//
// Thread Safety: all methods are safe for concurrent use.
type Engine struct {
	mu       sync.Mutex
	state    MeasurementState
	errState ErrorState
	firmware string
}

// Anomaly describes one classified irregularity found while applying a
// telegram: a device reset, a backwards counter jump, or a rejected overflow.
type Anomaly struct {
	MeterID int
	Kind    ErrorKind
	Prev    int64
	Next    int64
}

// ApplyResult reports what a telegram application did, for logging and
// publish triggering by the caller.
type ApplyResult struct {
	// Applied is true when at least one meter accepted a delta.
	Applied bool

	// Rolled is true when the application crossed a day boundary.
	Rolled bool

	// Anomalies lists resets, backwards jumps, and overflow rejections.
	Anomalies []Anomaly
}

// NewEngine creates an engine with zeroed meters for the configured ids and
// the date bucket set to the current local day.
func NewEngine(ids []int, now time.Time) *Engine {
	meters := make(map[int]*Meter, len(ids))
	for _, id := range ids {
		meters[id] = &Meter{ID: id}
	}
	return &Engine{
		state: MeasurementState{
			Date:   now.Format(DateLayout),
			Meters: meters,
		},
	}
}

// Apply folds one telegram's pulsecounts into the counter state.
//
// For each meter id present in counts, with prev the stored pulsecount and
// next the reported one:
//   - next >= prev: the delta is added to total and today. A delta that
//     would push total past MaxTotal is rejected and reported as an
//     overflow anomaly; the pulsecount still advances so the device and
//     bridge stay in step.
//   - next < prev and next == 0: the device restarted. Reported as a
//     warning, pulsecount rebaselines to zero, total and today unchanged.
//   - next < prev and next != 0: corrupt data. Reported as an error and
//     the reading for that meter is discarded entirely.
//
// Meters not yet known to the state are created zeroed. A day boundary is
// rolled before the counts are applied so deltas land in the right bucket.
// ErrorState is cleared when any meter accepts a delta, then re-set if the
// same telegram also carried an anomaly.
func (e *Engine) Apply(counts map[int]int64, now time.Time) ApplyResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	var result ApplyResult
	result.Rolled = e.rolloverLocked(now)

	// Deterministic order so anomaly reporting is stable.
	ids := make([]int, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		next := counts[id]

		m, ok := e.state.Meters[id]
		if !ok {
			m = &Meter{ID: id}
			e.state.Meters[id] = m
		}
		prev := m.Pulsecount

		switch {
		case next >= prev:
			delta := next - prev
			if m.Total > MaxTotal-delta {
				result.Anomalies = append(result.Anomalies, Anomaly{
					MeterID: id,
					Kind:    ErrorTotalOverflow,
					Prev:    prev,
					Next:    next,
				})
				m.Pulsecount = next
				continue
			}
			m.Total += delta
			m.Today += delta
			m.Pulsecount = next
			result.Applied = true

		case next == 0:
			// Device counter restarted. Rebaseline without losing totals.
			result.Anomalies = append(result.Anomalies, Anomaly{
				MeterID: id,
				Kind:    ErrorPulsecountReset,
				Prev:    prev,
				Next:    next,
			})
			m.Pulsecount = 0

		default:
			// Backwards jump to a non-zero value. Discard the reading.
			result.Anomalies = append(result.Anomalies, Anomaly{
				MeterID: id,
				Kind:    ErrorPulsecountAnomaly,
				Prev:    prev,
				Next:    next,
			})
		}
	}

	if result.Applied {
		e.errState = ErrorState{}
	}
	for _, a := range result.Anomalies {
		e.errState = ErrorState{
			Kind:    a.Kind,
			Message: fmt.Sprintf("meter %d: pulsecount %d -> %d", a.MeterID, a.Prev, a.Next),
		}
	}

	return result
}

// RolloverIfNeeded moves today into yesterday and zeroes today for every
// meter when the calendar day has changed. Idempotent within the same day.
//
// Returns true when a rollover happened.
func (e *Engine) RolloverIfNeeded(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rolloverLocked(now)
}

func (e *Engine) rolloverLocked(now time.Time) bool {
	day := now.Format(DateLayout)
	if e.state.Date == day {
		return false
	}
	for _, m := range e.state.Meters {
		m.Yesterday = m.Today
		m.Today = 0
	}
	e.state.Date = day
	return true
}

// SetTotal overwrites the lifetime total of the meter resolved from target.
// Today, yesterday and the pulsecount are untouched.
//
// Returns the resolved meter id, or ErrNotFound / ErrInvalidValue. Rejected
// values leave state unchanged.
func (e *Engine) SetTotal(target string, value int64) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, err := e.resolveLocked(target)
	if err != nil {
		return 0, err
	}
	if value < 0 || value > MaxTotal {
		return id, fmt.Errorf("%w: total %d not in [0, %d]", ErrInvalidValue, value, MaxTotal)
	}

	e.state.Meters[id].Total = value
	return id, nil
}

// SetName sets or clears the display name of the meter resolved from target.
// An empty name reverts the public identifier to the numeric id.
//
// Returns the resolved meter id, or ErrInvalidValue for a name that cannot
// serve as a topic segment.
func (e *Engine) SetName(target, name string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, err := e.resolveLocked(target)
	if err != nil {
		return 0, err
	}
	if err := ValidateName(name); err != nil {
		return id, err
	}

	e.state.Meters[id].Name = name
	return id, nil
}

// reservedNames are the diagnostic topic segments directly under the base
// topic. A meter using one of these as its public identifier would publish
// over the diagnostic.
var reservedNames = []string{
	"status", "error", "version", "firmware", "startup_time", "port", "info", "date",
}

// ValidateName rejects names that would break the topic tree: MQTT topic
// separators and wildcards, and the reserved diagnostic segments. An empty
// name is valid and means "use the numeric id".
func ValidateName(name string) error {
	if name == "" {
		return nil
	}
	if strings.ContainsAny(name, "/+#") {
		return fmt.Errorf("%w: name %q contains a topic separator or wildcard", ErrInvalidValue, name)
	}
	for _, reserved := range reservedNames {
		if strings.EqualFold(name, reserved) {
			return fmt.Errorf("%w: name %q is a reserved topic", ErrInvalidValue, name)
		}
	}
	return nil
}

// Resolve maps a public identifier to a meter id. Numeric strings match by
// id; anything else matches names case-insensitively.
func (e *Engine) Resolve(target string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolveLocked(target)
}

func (e *Engine) resolveLocked(target string) (int, error) {
	if id, err := strconv.Atoi(target); err == nil {
		if _, ok := e.state.Meters[id]; ok {
			return id, nil
		}
		return 0, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}

	for id, m := range e.state.Meters {
		if m.Name != "" && strings.EqualFold(m.Name, target) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrNotFound, target)
}

// Seed installs recovered counter values for a meter, creating it if needed.
// The pulsecount always restarts at zero after a process restart, so the
// first telegram rebaselines against the hardware counter.
func (e *Engine) Seed(id int, total, today, yesterday int64, name string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.state.Meters[id]
	if !ok {
		m = &Meter{ID: id}
		e.state.Meters[id] = m
	}
	m.Total = total
	m.Today = today
	m.Yesterday = yesterday
	m.Name = name
	m.Pulsecount = 0
}

// SetFirmware records the device firmware string from a header telegram.
func (e *Engine) SetFirmware(fw string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.firmware = fw
}

// ReportError sets the process-wide error surface. It stays current until
// the next successful telegram application or an explicit ClearError.
func (e *Engine) ReportError(kind ErrorKind, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errState = ErrorState{Kind: kind, Message: message}
}

// ClearError resets the error surface to healthy.
func (e *Engine) ClearError() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errState = ErrorState{}
}

// ClearErrorKind resets the error surface only when the current error is of
// the given kind. Used when a subsystem recovers and wants to clear its own
// fault without masking someone else's.
func (e *Engine) ClearErrorKind(kind ErrorKind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.errState.Kind == kind {
		e.errState = ErrorState{}
	}
}

// CurrentError returns the current error surface.
func (e *Engine) CurrentError() ErrorState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errState
}

// Snapshot returns a deep copy of the full shared state, with meters sorted
// by id. Safe to use for publishing without the lock.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{
		Date:     e.state.Date,
		Firmware: e.firmware,
		Meters:   make([]Meter, 0, len(e.state.Meters)),
		Error:    e.errState,
	}
	for _, m := range e.state.Meters {
		snap.Meters = append(snap.Meters, *m)
	}
	sort.Slice(snap.Meters, func(i, j int) bool {
		return snap.Meters[i].ID < snap.Meters[j].ID
	})
	return snap
}
