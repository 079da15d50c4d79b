package s0pcm

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/s0pcm-bridge/internal/infrastructure/config"
	"github.com/nerrad567/s0pcm-bridge/internal/infrastructure/logging"
)

// captureHandler records everything the reader produces.
type captureHandler struct {
	mu       sync.Mutex
	readings []Reading
	faults   []error

	gotReading chan struct{}
	gotFault   chan struct{}
}

func newCaptureHandler() *captureHandler {
	return &captureHandler{
		gotReading: make(chan struct{}, 16),
		gotFault:   make(chan struct{}, 16),
	}
}

func (h *captureHandler) HandleReading(r Reading) {
	h.mu.Lock()
	h.readings = append(h.readings, r)
	h.mu.Unlock()
	h.gotReading <- struct{}{}
}

func (h *captureHandler) HandleFault(err error) {
	h.mu.Lock()
	h.faults = append(h.faults, err)
	h.mu.Unlock()
	h.gotFault <- struct{}{}
}

func (h *captureHandler) snapshot() ([]Reading, []error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Reading(nil), h.readings...), append([]error(nil), h.faults...)
}

func testReaderConfig(port string) *config.Config {
	return &config.Config{
		Serial: config.SerialConfig{
			Port:         port,
			Baudrate:     9600,
			DataBits:     7,
			Parity:       "E",
			StopBits:     1,
			ReadTimeout:  1,
			ConnectRetry: 1,
		},
	}
}

func TestReader_SocketTransport(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("/8237:S0 Pulse Counter V0.6\n"))
		conn.Write([]byte("ID:8237:I:10:M1:0:100:M2:5:255\n"))
		conn.Write([]byte("not a telegram\n"))
		conn.Write([]byte("ID:8237:I:10:M1:0:150:M2:5:255\n"))
		// Hold the connection open until the reader goes away.
		time.Sleep(3 * time.Second)
	}()

	handler := newCaptureHandler()
	reader := NewReader(testReaderConfig("socket://"+ln.Addr().String()), handler, logging.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reader.Run(ctx)
		close(done)
	}()

	// Header plus two data telegrams.
	for i := 0; i < 3; i++ {
		select {
		case <-handler.gotReading:
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for readings")
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not stop on cancellation")
	}

	readings, faults := handler.snapshot()

	if len(readings) != 3 {
		t.Fatalf("got %d readings, want 3", len(readings))
	}
	if readings[0].Kind != KindHeader || readings[0].Firmware != "S0 Pulse Counter V0.6" {
		t.Errorf("first reading = %+v, want header with firmware", readings[0])
	}
	if readings[1].Pulsecounts[1] != 100 || readings[2].Pulsecounts[1] != 150 {
		t.Errorf("data readings = %+v, %+v", readings[1], readings[2])
	}

	if len(faults) != 1 || !errors.Is(faults[0], ErrInvalidTelegram) {
		t.Errorf("faults = %v, want one ErrInvalidTelegram", faults)
	}
}

func TestReader_ConnectFailureReported(t *testing.T) {
	// Grab a port and close it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	handler := newCaptureHandler()
	reader := NewReader(testReaderConfig("socket://"+addr), handler, logging.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reader.Run(ctx)
		close(done)
	}()

	select {
	case <-handler.gotFault:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for connect fault")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not stop on cancellation")
	}

	_, faults := handler.snapshot()
	if !errors.Is(faults[0], ErrConnect) {
		t.Errorf("fault = %v, want ErrConnect", faults[0])
	}
}

func TestReader_OversizedUnterminatedLineDropped(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// A stream that never terminates its line must not grow the
		// buffer without bound.
		junk := make([]byte, maxPendingBytes+readChunkSize)
		for i := range junk {
			junk[i] = 'X'
		}
		conn.Write(junk)
		time.Sleep(100 * time.Millisecond)
		conn.Write([]byte("\nID:8237:I:10:M1:0:100:M2:5:255\n"))
		time.Sleep(3 * time.Second)
	}()

	handler := newCaptureHandler()
	reader := NewReader(testReaderConfig("socket://"+ln.Addr().String()), handler, logging.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reader.Run(ctx)

	select {
	case <-handler.gotFault:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for oversize fault")
	}
	// The reader recovers and parses the next proper telegram.
	select {
	case <-handler.gotReading:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for telegram after oversize drop")
	}

	readings, faults := handler.snapshot()
	if !errors.Is(faults[0], ErrInvalidTelegram) {
		t.Errorf("fault = %v, want ErrInvalidTelegram", faults[0])
	}
	if readings[0].Pulsecounts[1] != 100 {
		t.Errorf("reading = %+v, want pulsecount 100 for channel 1", readings[0])
	}
}

func TestReader_PartialLineBuffering(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// One telegram split across writes.
		conn.Write([]byte("ID:8237:I:10:M1"))
		time.Sleep(50 * time.Millisecond)
		conn.Write([]byte(":0:100:M2:5:255\n"))
		time.Sleep(3 * time.Second)
	}()

	handler := newCaptureHandler()
	reader := NewReader(testReaderConfig("socket://"+ln.Addr().String()), handler, logging.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reader.Run(ctx)

	select {
	case <-handler.gotReading:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for reassembled telegram")
	}

	readings, faults := handler.snapshot()
	if len(faults) != 0 {
		t.Fatalf("unexpected faults: %v", faults)
	}
	if readings[0].Pulsecounts[1] != 100 {
		t.Errorf("reading = %+v, want pulsecount 100 for channel 1", readings[0])
	}
}
