package meter

import (
	"fmt"
	"strconv"
	"strings"
)

// Command is an inbound broker command decoded from its topic and payload.
// The two concrete variants are SetTotalCommand and SetNameCommand; handlers
// switch on the type rather than re-parsing topic strings.
type Command interface {
	isCommand()
}

// SetTotalCommand overwrites a meter's lifetime total.
type SetTotalCommand struct {
	// Target is the public identifier from the topic: name or numeric id.
	Target string
	Value  int64
}

func (SetTotalCommand) isCommand() {}

// SetNameCommand sets or clears a meter's display name.
type SetNameCommand struct {
	Target string
	// Name is the new display name. Empty clears it.
	Name string
}

func (SetNameCommand) isCommand() {}

// DecodeCommand turns an inbound command topic and payload into a Command.
//
// Recognized topics, relative to the configured base:
//
//	<base>/<target>/total/set   integer payload
//	<base>/<target>/name/set    UTF-8 payload, empty clears the name
//
// Decoding is pure: it validates shape and payload syntax only, and leaves
// target resolution to the engine. Anything unrecognized or malformed
// returns ErrBadCommand.
func DecodeCommand(base, topic string, payload []byte) (Command, error) {
	rest, ok := strings.CutPrefix(topic, base+"/")
	if !ok {
		return nil, fmt.Errorf("%w: topic %q outside base %q", ErrBadCommand, topic, base)
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || parts[0] == "" {
		return nil, fmt.Errorf("%w: topic %q", ErrBadCommand, topic)
	}

	target := parts[0]
	switch parts[1] {
	case "total":
		value, err := strconv.ParseInt(strings.TrimSpace(string(payload)), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: total payload %q is not an integer", ErrBadCommand, payload)
		}
		return SetTotalCommand{Target: target, Value: value}, nil

	case "name":
		return SetNameCommand{Target: target, Name: strings.TrimSpace(string(payload))}, nil

	default:
		return nil, fmt.Errorf("%w: topic %q", ErrBadCommand, topic)
	}
}
