package mtr

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/nozo-moto/lookingglass/pkg/types"
	"golang.org/x/net/html"
)

const (
	// Placeholder labels a hop with neither a name nor an address.
	Placeholder = "???"

	defaultHostWidth = 38
)

// NameResolver turns an address into a reverse-DNS name, "" when unknown.
type NameResolver interface {
	Name(ctx context.Context, addr string) string
}

// Report is the per-run hop table. It is not safe for concurrent use; one
// probe run owns one Report.
type Report struct {
	resolver NameResolver
	hops     map[int]*Hop
	hopCount int
	width    int
}

func NewReport(resolver NameResolver) *Report {
	return &Report{
		resolver: resolver,
		hops:     make(map[int]*Hop),
		width:    defaultHostWidth,
	}
}

// Update decodes one raw line and applies it. It reports whether the line was
// a valid event; malformed lines leave the table untouched.
func (r *Report) Update(ctx context.Context, line string) bool {
	ev, ok := ParseEvent(line)
	if !ok {
		return false
	}
	r.Apply(ctx, ev)
	return true
}

func (r *Report) Apply(ctx context.Context, ev Event) {
	if r.hopCount < ev.Index+1 {
		r.hopCount = ev.Index + 1
	}
	hop, ok := r.hops[ev.Index]
	if !ok {
		hop = &Hop{Index: ev.Index}
		r.hops[ev.Index] = hop
	}

	switch ev.Kind {
	case HostAddress:
		hop.Addresses = append(hop.Addresses, ev.Value)
		var name string
		if r.resolver != nil {
			name = r.resolver.Name(ctx, ev.Value)
		}
		hop.Names = append(hop.Names, name)
	case HostName:
		// mtr runs with -n; names come from the reverse lookups above.
	case PingSample:
		usec, err := strconv.ParseFloat(ev.Value, 64)
		if err != nil {
			return
		}
		hop.Sent++
		hop.Samples = append(hop.Samples, usec/1000)
	}

	r.PruneTrailing()
}

// PruneTrailing drops every hop past the last index whose first address
// differs from its predecessor's. mtr repeats the destination at extra
// distances and this removes the copies.
func (r *Report) PruneTrailing() {
	indices := r.indices()
	finalIdx := 0
	previous := ""
	for _, i := range indices {
		if addr, ok := r.hops[i].firstAddress(); ok && addr != previous {
			previous = addr
			finalIdx = i + 1
		}
	}
	for _, i := range indices {
		if i >= finalIdx {
			delete(r.hops, i)
		}
	}
}

func (r *Report) indices() []int {
	out := make([]int, 0, len(r.hops))
	for i := range r.hops {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// HopCount is the high-water mark of hop indices seen, pruned or not.
func (r *Report) HopCount() int { return r.hopCount }

// Hops returns the current statistics in ascending hop order.
func (r *Report) Hops() []types.HopStats {
	indices := r.indices()
	out := make([]types.HopStats, 0, len(indices))
	for _, i := range indices {
		out = append(out, r.hops[i].Stats(Placeholder))
	}
	return out
}

// String renders the fixed-width table. The host column only ever widens.
func (r *Report) String() string {
	stats := r.Hops()
	for _, s := range stats {
		if len(s.Host) > r.width {
			r.width = len(s.Host)
		}
	}

	var b strings.Builder
	b.WriteString("       Host")
	b.WriteString(strings.Repeat(" ", r.width+7))
	b.WriteString("Loss%   Snt   Last   Avg  Best  Wrst StDev\n")
	for _, s := range stats {
		host := html.EscapeString(s.Host) + strings.Repeat(" ", r.width+3-len(s.Host))
		fmt.Fprintf(&b, "%2d.|-- %s%3d.0%%   %3d  %5.1f %5.1f %5.1f %5.1f %5.1f\n",
			s.Index+1,
			host,
			int(math.Round(s.LossPercent)),
			s.Sent,
			s.Last,
			s.Avg,
			s.Best,
			s.Worst,
			s.StDev,
		)
	}
	return b.String()
}
