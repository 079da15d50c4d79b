package s0pcm

import (
	"fmt"
	"strconv"
	"strings"
)

// Telegram markers. A header telegram starts with "/", a data telegram with
// the literal "ID" tag as its first colon-delimited field.
const (
	headerPrefix = "/"
	dataTag      = "ID"
	intervalTag  = "I"
)

// channelFieldOffset is the index of the first per-channel marker group in a
// colon-split data telegram, after the ID and interval fields.
const channelFieldOffset = 4

// Kind distinguishes the two telegram types the device emits.
type Kind int

const (
	// KindData is a counter snapshot telegram.
	KindData Kind = iota

	// KindHeader is the startup banner carrying firmware information.
	KindHeader
)

// Reading is the structured form of one device telegram.
//
// For KindData telegrams, Pulsecounts maps the channel number to the raw
// hardware counter value reported in that snapshot. For KindHeader
// telegrams only Firmware is populated.
type Reading struct {
	Kind     Kind
	DeviceID string
	Interval int
	Firmware string

	Pulsecounts map[int]int64
}

// Parse turns one line of device protocol text into a Reading.
//
// The wire format, colon delimited:
//
//	/ID:S0 Pulse Counter V0.6 - 30/30/30/30/30ms     header
//	ID:a:I:b:M1:c:d:M2:e:f                           data, S0PCM-2
//	ID:a:I:b:M1:c:d:M2:e:f:M3:g:h:M4:i:j:M5:k:l      data, S0PCM-5
//
// where a is the device id, b the telegram interval in seconds, and each
// M<k>:x:y group carries channel k's pulses in the last interval (x) and
// its raw counter value (y). Any number of M groups is accepted as long as
// the markers are sequential, so firmware variants beyond the 2- and
// 5-channel modules still parse.
//
// Parsing is pure and stateless. A malformed line returns an error wrapping
// ErrInvalidTelegram with the offending text; it is never fatal.
func Parse(line string) (Reading, error) {
	line = strings.TrimSpace(line)

	switch {
	case line == "":
		return Reading{}, fmt.Errorf("%w: empty line", ErrInvalidTelegram)
	case strings.HasPrefix(line, headerPrefix):
		return parseHeader(line), nil
	default:
		return parseData(line)
	}
}

// parseHeader extracts the firmware string from the startup banner.
// Everything after the first colon is the firmware; banners without a colon
// use the text after the slash.
func parseHeader(line string) Reading {
	fw := strings.TrimPrefix(line, headerPrefix)
	if _, after, ok := strings.Cut(line, ":"); ok {
		fw = after
	}
	return Reading{
		Kind:     KindHeader,
		Firmware: strings.TrimSpace(fw),
	}
}

func parseData(line string) (Reading, error) {
	parts := strings.Split(line, ":")

	if len(parts) < channelFieldOffset+3 || (len(parts)-channelFieldOffset)%3 != 0 {
		return Reading{}, fmt.Errorf("%w: %d fields in %q", ErrInvalidTelegram, len(parts), line)
	}
	if parts[0] != dataTag {
		return Reading{}, fmt.Errorf("%w: missing %s tag in %q", ErrInvalidTelegram, dataTag, line)
	}
	if parts[2] != intervalTag {
		return Reading{}, fmt.Errorf("%w: missing %s tag in %q", ErrInvalidTelegram, intervalTag, line)
	}

	interval, err := strconv.Atoi(parts[3])
	if err != nil {
		return Reading{}, fmt.Errorf("%w: interval %q in %q", ErrInvalidTelegram, parts[3], line)
	}

	reading := Reading{
		Kind:        KindData,
		DeviceID:    parts[1],
		Interval:    interval,
		Pulsecounts: make(map[int]int64),
	}

	channels := (len(parts) - channelFieldOffset) / 3
	for ch := 1; ch <= channels; ch++ {
		offset := channelFieldOffset + (ch-1)*3

		marker := "M" + strconv.Itoa(ch)
		if parts[offset] != marker {
			return Reading{}, fmt.Errorf("%w: expected %q, got %q in %q", ErrInvalidTelegram, marker, parts[offset], line)
		}

		pulsecount, err := strconv.ParseInt(parts[offset+2], 10, 64)
		if err != nil {
			return Reading{}, fmt.Errorf("%w: pulsecount %q for channel %d in %q", ErrInvalidTelegram, parts[offset+2], ch, line)
		}

		reading.Pulsecounts[ch] = pulsecount
	}

	return reading, nil
}
