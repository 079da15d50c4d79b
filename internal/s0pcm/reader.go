package s0pcm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/goburrow/serial"

	"github.com/nerrad567/s0pcm-bridge/internal/infrastructure/config"
	"github.com/nerrad567/s0pcm-bridge/internal/infrastructure/logging"
)

// socketScheme marks a transport address that is a TCP stream socket rather
// than a physical serial device, used by test and simulator setups.
const socketScheme = "socket://"

// readChunkSize is the transport read buffer size. Telegrams are short
// ASCII lines, so a small buffer is plenty.
const readChunkSize = 256

// maxPendingBytes bounds the unterminated-line buffer. The longest valid
// telegram is well under 100 bytes; a stream that exceeds this without a
// newline is not speaking the protocol.
const maxPendingBytes = 4096

// Handler receives the reader's output: parsed telegrams and classified
// transport or protocol faults.
//
// HandleReading is called for every valid telegram, header and data alike.
// HandleFault is called with errors wrapping ErrConnect, ErrRead, or
// ErrInvalidTelegram. Neither may block for long; both are called from the
// reader's goroutine.
type Handler interface {
	HandleReading(r Reading)
	HandleFault(err error)
}

// Reader maintains a connection to the S0PCM device and feeds parsed
// telegrams to a Handler.
//
// It is the only component that blocks on device I/O. Reads are bounded by
// the configured read timeout so the loop observes cancellation promptly
// even while the device is silent.
type Reader struct {
	cfg     config.SerialConfig
	handler Handler
	logger  *logging.Logger

	// retry and readTimeout are resolved from cfg once at construction.
	retry       time.Duration
	readTimeout time.Duration
}

// NewReader creates a reader for the configured device transport.
func NewReader(cfg *config.Config, handler Handler, logger *logging.Logger) *Reader {
	return &Reader{
		cfg:         cfg.Serial,
		handler:     handler,
		logger:      logger.With("component", "serial"),
		retry:       cfg.GetSerialRetry(),
		readTimeout: cfg.GetReadTimeout(),
	}
}

// Run drives the connect/read/retry loop until ctx is cancelled.
//
// Connection failures are reported to the handler and retried at the fixed
// configured interval. A line that fails to parse is reported but never
// breaks the loop. Run only returns on cancellation.
func (r *Reader) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		port, err := r.open()
		if err != nil {
			r.handler.HandleFault(fmt.Errorf("%w: %s: %w", ErrConnect, r.cfg.Port, err))
			r.logger.Warn("device transport unavailable, retrying",
				"port", r.cfg.Port,
				"retry_in", r.retry,
				"error", err,
			)
			if !sleepCtx(ctx, r.retry) {
				return
			}
			continue
		}

		r.logger.Info("device transport connected", "port", r.cfg.Port)
		err = r.readLoop(ctx, port)
		port.Close()

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.handler.HandleFault(fmt.Errorf("%w: %w", ErrRead, err))
			r.logger.Warn("device transport lost, reconnecting",
				"port", r.cfg.Port,
				"retry_in", r.retry,
				"error", err,
			)
		}
		if !sleepCtx(ctx, r.retry) {
			return
		}
	}
}

// readLoop consumes the byte stream line by line until the transport fails
// or ctx is cancelled. Returns nil only on cancellation.
func (r *Reader) readLoop(ctx context.Context, port transport) error {
	buf := make([]byte, readChunkSize)
	var pending []byte

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := port.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			pending = r.drainLines(pending)
			if len(pending) > maxPendingBytes {
				r.handler.HandleFault(fmt.Errorf("%w: unterminated line exceeds %d bytes",
					ErrInvalidTelegram, maxPendingBytes))
				r.logger.Warn("discarding oversized unterminated line", "bytes", len(pending))
				pending = pending[:0]
			}
		}
		if err != nil {
			if isTimeout(err) {
				// Quiet device. Loop back to the cancellation check.
				continue
			}
			return err
		}
	}
}

// drainLines parses every complete line in pending and returns the
// unterminated remainder.
func (r *Reader) drainLines(pending []byte) []byte {
	for {
		i := bytes.IndexByte(pending, '\n')
		if i < 0 {
			return pending
		}
		line := strings.TrimSpace(string(pending[:i]))
		pending = pending[i+1:]

		if line == "" {
			// The device emits a blank line during startup.
			continue
		}

		reading, err := Parse(line)
		if err != nil {
			r.handler.HandleFault(err)
			r.logger.Warn("telegram rejected", "line", line, "error", err)
			continue
		}
		r.handler.HandleReading(reading)
	}
}

// transport is the minimal surface the read loop needs. Both the serial
// port and the deadline-wrapped socket satisfy it.
type transport interface {
	Read(p []byte) (int, error)
	Close() error
}

// open connects to the configured transport: a socket:// address dials TCP,
// anything else opens a serial device.
func (r *Reader) open() (transport, error) {
	if addr, ok := strings.CutPrefix(r.cfg.Port, socketScheme); ok {
		conn, err := net.DialTimeout("tcp", addr, r.readTimeout)
		if err != nil {
			return nil, err
		}
		return &deadlineConn{Conn: conn, timeout: r.readTimeout}, nil
	}

	return serial.Open(&serial.Config{
		Address:  r.cfg.Port,
		BaudRate: r.cfg.Baudrate,
		DataBits: r.cfg.DataBits,
		StopBits: r.cfg.StopBits,
		Parity:   strings.ToUpper(r.cfg.Parity),
		Timeout:  r.readTimeout,
	})
}

// deadlineConn bounds every socket read by the configured timeout so the
// read loop stays cancellable, mirroring the serial port's read timeout.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if err := c.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

// isTimeout reports whether err is a bounded-read timeout rather than a
// real transport failure.
func isTimeout(err error) bool {
	if errors.Is(err, serial.ErrTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// sleepCtx waits for d or until ctx is cancelled. Returns false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
