package meter

import "errors"

// Domain-specific errors for counter operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotFound is returned when a command targets a meter that cannot be
	// resolved by id or name.
	ErrNotFound = errors.New("meter: no meter with that id or name")

	// ErrInvalidValue is returned when a total correction is negative or
	// exceeds the counter maximum.
	ErrInvalidValue = errors.New("meter: value out of range")

	// ErrTotalOverflow is returned when applying a delta would push a total
	// past the counter maximum.
	ErrTotalOverflow = errors.New("meter: total overflow")

	// ErrBadCommand is returned when an inbound command topic or payload
	// cannot be decoded.
	ErrBadCommand = errors.New("meter: malformed command")
)

// ErrorKind classifies the single process-wide error surface.
//
// Exactly one kind is current at any time. It is set by whichever component
// failed last and cleared the next time a data telegram is applied cleanly.
type ErrorKind int

const (
	// ErrorNone means the bridge is healthy.
	ErrorNone ErrorKind = iota

	// ErrorSerialConnection covers device transport connect and read failures.
	ErrorSerialConnection

	// ErrorPacketParse covers telegram lines that fail to parse.
	ErrorPacketParse

	// ErrorPulsecountReset marks a device counter restart (warning class).
	ErrorPulsecountReset

	// ErrorPulsecountAnomaly marks a non-zero backwards pulsecount jump.
	ErrorPulsecountAnomaly

	// ErrorMQTTConnection covers broker connect and publish failures.
	ErrorMQTTConnection

	// ErrorMQTTCommand covers malformed or unresolvable */set commands.
	ErrorMQTTCommand

	// ErrorRecovery covers startup recovery faults (broker or fallback
	// endpoint unreachable).
	ErrorRecovery

	// ErrorTotalOverflow marks a delta rejected at the counter maximum.
	ErrorTotalOverflow
)

// String returns the stable machine-readable label for the error kind.
// These labels appear on the retained error topic, so they must not change.
func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return ""
	case ErrorSerialConnection:
		return "serial_connection_failure"
	case ErrorPacketParse:
		return "packet_parse_failure"
	case ErrorPulsecountReset:
		return "pulsecount_reset"
	case ErrorPulsecountAnomaly:
		return "pulsecount_anomaly"
	case ErrorMQTTConnection:
		return "mqtt_connection_failure"
	case ErrorMQTTCommand:
		return "mqtt_command_error"
	case ErrorRecovery:
		return "recovery_failure"
	case ErrorTotalOverflow:
		return "total_overflow"
	default:
		return "unknown"
	}
}

// ErrorState is the process-wide current error description.
// A zero ErrorState means healthy.
type ErrorState struct {
	Kind    ErrorKind
	Message string
}

// IsZero reports whether no error is current.
func (e ErrorState) IsZero() bool {
	return e.Kind == ErrorNone && e.Message == ""
}
