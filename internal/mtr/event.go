package mtr

import (
	"strconv"
	"strings"
)

type EventKind byte

const (
	HostAddress EventKind = 'h'
	HostName    EventKind = 'd'
	PingSample  EventKind = 'p'
)

// Event is one decoded line of `mtr --raw` output.
type Event struct {
	Kind  EventKind
	Index int
	Value string
}

// ParseEvent decodes a raw line. Lines must have exactly three fields, or four
// for ping samples (some mtr builds append a sequence number). Anything else,
// including unknown tags and negative or non-numeric indices, is rejected.
func ParseEvent(line string) (Event, bool) {
	fields := strings.Fields(line)
	if len(fields) != 3 && !(len(fields) == 4 && fields[0] == string(PingSample)) {
		return Event{}, false
	}
	if len(fields[0]) != 1 {
		return Event{}, false
	}
	kind := EventKind(fields[0][0])
	switch kind {
	case HostAddress, HostName, PingSample:
	default:
		return Event{}, false
	}
	idx, err := strconv.Atoi(fields[1])
	if err != nil || idx < 0 {
		return Event{}, false
	}
	if kind == PingSample {
		if _, err := strconv.ParseFloat(fields[2], 64); err != nil {
			return Event{}, false
		}
	}
	return Event{Kind: kind, Index: idx, Value: fields[2]}, true
}
