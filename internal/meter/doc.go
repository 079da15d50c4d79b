// Package meter implements the counter engine at the heart of the bridge.
//
// This package manages:
//   - Per-channel counter state (total/today/yesterday/pulsecount)
//   - Pulse delta accounting with reset and anomaly classification
//   - Day rollover of the today bucket
//   - Remote corrections (total override, rename) decoded as commands
//   - The single process-wide error surface
//
// # State Model
//
// One Engine owns the MeasurementState and ErrorState for the whole process
// and guards them with a single lock. Counter state is never written to
// disk: its only durable form is the set of retained MQTT messages, which
// is also what rebuilds it after a restart.
//
// # Delta Accounting
//
// The S0PCM reports a raw, monotonically increasing pulsecount per channel
// that restarts at zero when the device itself power-cycles. The engine
// tracks the last seen pulsecount and folds the per-telegram delta into the
// lifetime total and the today bucket. A drop to exactly zero is treated as
// a device reset (totals preserved, baseline moved to zero); a drop to any
// other value is treated as corrupt data and discarded.
//
// # Usage
//
//	engine := meter.NewEngine([]int{1, 2}, time.Now())
//	engine.Apply(map[int]int64{1: 250}, time.Now())
//
//	snap := engine.Snapshot()
//	for _, m := range snap.Meters {
//	    fmt.Println(m.Key(), m.Total, m.Today)
//	}
package meter
