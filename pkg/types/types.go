package types

import (
	"fmt"
	"strings"
)

type ProbeKind string

const (
	KindPing        ProbeKind = "ping"
	KindPing6       ProbeKind = "ping6"
	KindMTR         ProbeKind = "mtr"
	KindMTR6        ProbeKind = "mtr6"
	KindTraceroute  ProbeKind = "traceroute"
	KindTraceroute6 ProbeKind = "traceroute6"
	KindWhois       ProbeKind = "whois"
	KindBGP         ProbeKind = "bgp"
)

var probeKinds = []ProbeKind{
	KindPing, KindPing6,
	KindMTR, KindMTR6,
	KindTraceroute, KindTraceroute6,
	KindWhois, KindBGP,
}

// ProbeKinds lists every supported kind in a stable order.
func ProbeKinds() []ProbeKind {
	out := make([]ProbeKind, len(probeKinds))
	copy(out, probeKinds)
	return out
}

func ParseProbeKind(s string) (ProbeKind, error) {
	k := ProbeKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range probeKinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown probe kind %q", s)
}

// Family returns the address family the kind is restricted to. Registry and
// route lookups accept either family and report FamilyAny.
func (k ProbeKind) Family() Family {
	switch k {
	case KindPing, KindMTR, KindTraceroute:
		return FamilyIPv4
	case KindPing6, KindMTR6, KindTraceroute6:
		return FamilyIPv6
	}
	return FamilyAny
}

func (k ProbeKind) IsHopReport() bool { return k == KindMTR || k == KindMTR6 }

func (k ProbeKind) IsPathTrace() bool { return k == KindTraceroute || k == KindTraceroute6 }

type Family int

const (
	FamilyAny Family = iota
	FamilyIPv4
	FamilyIPv6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	}
	return "any"
}

// FrameSentinel marks the start of a replace-style frame on the wire.
const FrameSentinel = "@@@"

type FrameMode int

const (
	// FrameAppend frames extend the previous output.
	FrameAppend FrameMode = iota
	// FrameReplace frames supersede everything sent before them.
	FrameReplace
)

// Frame is one unit of streamed probe output. Text is already HTML-escaped.
type Frame struct {
	Mode FrameMode
	Text string
}

// Encode renders the frame for a streaming client.
func (f Frame) Encode() string {
	if f.Mode == FrameReplace {
		return FrameSentinel + "\n" + f.Text + "\n"
	}
	return f.Text + "<br />\n"
}

// Outcome describes how a probe run terminated when no error was returned.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeTraceTimedOut
	OutcomeStalled
	OutcomeUnauthorized
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeTraceTimedOut:
		return "trace-timed-out"
	case OutcomeStalled:
		return "stalled"
	case OutcomeUnauthorized:
		return "unauthorized"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// HopStats is the derived, render-ready view of one hop.
type HopStats struct {
	Index       int
	Host        string
	Addresses   []string
	Names       []string
	Sent        int
	Received    int
	LossPercent float64
	Last        float64
	Avg         float64
	Best        float64
	Worst       float64
	StDev       float64
}

type SocketSample struct {
	LocalAddress    string  `json:"local"`
	RemoteAddress   string  `json:"remote"`
	SegsOut         int     `json:"segs_out"`
	SegsIn          int     `json:"segs_in"`
	RTTMs           float64 `json:"latency"`
	JitterMs        float64 `json:"jitter"`
	Retransmissions int     `json:"retransmissions"`
}
