// Package s0pcm implements the device side of the bridge: the telegram
// parser for the S0PCM line protocol and the serial ingest loop.
//
// This package manages:
//   - Parsing header and data telegrams into structured Readings
//   - The blocking read loop over a serial device or TCP stream socket
//   - Reconnect with a fixed retry interval on transport failure
//
// # Protocol
//
// The S0PCM-2 and S0PCM-5 pulse counter modules emit one ASCII line per
// interval over a 9600 baud 7E1 serial link:
//
//	/ID:S0 Pulse Counter V0.6 - 30/30/30/30/30ms
//	ID:8237:I:10:M1:0:100:M2:5:255
//
// The first line is the startup banner (firmware metadata), the second a
// counter snapshot with one M<k>:interval:pulsecount group per channel.
//
// # Usage
//
//	reader := s0pcm.NewReader(cfg, handler, logger)
//	go reader.Run(ctx)
//
// The handler receives every parsed Reading plus classified faults; the
// reader itself never terminates the process on a protocol or I/O error.
package s0pcm
