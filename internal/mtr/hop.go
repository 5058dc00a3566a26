package mtr

import (
	"math"

	"github.com/nozo-moto/lookingglass/pkg/types"
)

// Hop accumulates everything seen at one distance from the prober. Names is
// parallel to Addresses; a failed reverse lookup leaves an empty entry.
type Hop struct {
	Index     int
	Addresses []string
	Names     []string
	Samples   []float64 // milliseconds, in arrival order
	Sent      int
}

func (h *Hop) firstAddress() (string, bool) {
	if len(h.Addresses) == 0 {
		return "", false
	}
	return h.Addresses[0], true
}

// Label is the resolved name, else the address, else placeholder.
func (h *Hop) Label(placeholder string) string {
	if len(h.Names) > 0 && h.Names[0] != "" {
		return h.Names[0]
	}
	if addr, ok := h.firstAddress(); ok {
		return addr
	}
	return placeholder
}

// Stats derives the render-ready statistics. Nothing here is cached on the hop.
func (h *Hop) Stats(placeholder string) types.HopStats {
	s := types.HopStats{
		Index:     h.Index,
		Host:      h.Label(placeholder),
		Addresses: append([]string(nil), h.Addresses...),
		Names:     append([]string(nil), h.Names...),
		Sent:      h.Sent,
		Received:  len(h.Samples),
	}
	if s.Sent > 0 {
		s.LossPercent = 100 * float64(s.Sent-s.Received) / float64(s.Sent)
		if s.LossPercent < 0 {
			s.LossPercent = 0
		}
	} else {
		s.LossPercent = 100
	}
	if s.Received == 0 {
		return s
	}

	s.Last = h.Samples[len(h.Samples)-1]
	s.Best, s.Worst = h.Samples[0], h.Samples[0]
	var sum float64
	for _, v := range h.Samples {
		sum += v
		if v < s.Best {
			s.Best = v
		}
		if v > s.Worst {
			s.Worst = v
		}
	}
	s.Avg = sum / float64(s.Received)
	s.StDev = stdev(h.Samples, s.Avg)
	return s
}

// stdev is the sample (N-1) standard deviation; 0 for fewer than two values.
func stdev(samples []float64, mean float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	var sq float64
	for _, v := range samples {
		sq += (v - mean) * (v - mean)
	}
	return math.Sqrt(sq / float64(len(samples)-1))
}
