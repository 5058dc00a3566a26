package collector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/nozo-moto/lookingglass/internal/config"
	"github.com/nozo-moto/lookingglass/internal/logging"
	"github.com/nozo-moto/lookingglass/pkg/types"
)

var ErrInvalidAddr = errors.New("invalid address")

// fallbackSS is where RHEL-style systems keep ss outside a user's PATH.
const fallbackSS = "/usr/sbin/ss"

// linesPerSocket is the shape of one `ss -Hi` record: the endpoint line and
// the indented info line.
const linesPerSocket = 2

var (
	bracketed = regexp.MustCompile(`\[(.*?)\]`)
	ipv4Port  = regexp.MustCompile(`(\d+\.\d+\.\d+\.\d+)(:\d+)?`)
	segsOut   = regexp.MustCompile(`segs_out:(\d+)`)
	segsIn    = regexp.MustCompile(`segs_in:(\d+)`)
	rttPair   = regexp.MustCompile(`rtt:(\d+\.\d+)/(\d+\.\d+)`)
	retrans   = regexp.MustCompile(`retrans:\d+/(\d+)`)
)

// CommandRunner runs argv and returns its standard output.
type CommandRunner func(ctx context.Context, argv []string) ([]byte, error)

func runCommand(ctx context.Context, argv []string) ([]byte, error) {
	return exec.CommandContext(ctx, argv[0], argv[1:]...).Output()
}

// LatencySampler reads TCP round-trip estimates for established sockets out
// of the kernel via ss.
type LatencySampler struct {
	ssPath string
	run    CommandRunner
	list   ConnectionLister
}

type SamplerOption func(*LatencySampler)

func WithCommandRunner(run CommandRunner) SamplerOption {
	return func(s *LatencySampler) { s.run = run }
}

// WithConnectionLister replaces the connection-table pre-check. A nil lister
// disables it.
func WithConnectionLister(list ConnectionLister) SamplerOption {
	return func(s *LatencySampler) { s.list = list }
}

func NewLatencySampler(cfg config.Config, opts ...SamplerOption) *LatencySampler {
	s := &LatencySampler{
		ssPath: lookupSS(cfg.Binaries.SS),
		run:    runCommand,
		list:   listConnections,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func lookupSS(name string) string {
	if path, err := exec.LookPath(name); err == nil {
		return path
	}
	return fallbackSS
}

// Sample returns every established socket with addr as its local or remote
// endpoint. An empty result is not an error.
func (s *LatencySampler) Sample(ctx context.Context, addr string) ([]types.SocketSample, error) {
	ip, err := netip.ParseAddr(strings.TrimSpace(addr))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddr, addr)
	}
	canonical := ip.String()

	if s.list != nil {
		conns, err := s.list(ctx, "tcp")
		switch {
		case err != nil:
			logging.Debugf("collector: connection pre-check failed, asking ss anyway: %v", err)
		case !hasEstablished(conns, ip):
			logging.Debugf("collector: no established connection to %s", canonical)
			return nil, nil
		}
	}

	dst := canonical
	if ip.Is6() && !ip.Is4In6() {
		dst = "[" + canonical + "]"
	}
	out, err := s.run(ctx, []string{s.ssPath, "-Hintp", "state", "established", "dst", dst})
	if err != nil {
		return nil, fmt.Errorf("failed to run ss: %w", err)
	}
	return ParseSockets(string(out), canonical), nil
}

// Latency is the rounded RTT of the first matching socket, 0 when none is
// established.
func (s *LatencySampler) Latency(ctx context.Context, addr string) (int, error) {
	samples, err := s.Sample(ctx, addr)
	if err != nil {
		return 0, err
	}
	return RoundedLatency(samples), nil
}

func RoundedLatency(samples []types.SocketSample) int {
	if len(samples) == 0 {
		return 0
	}
	return int(math.Round(samples[0].RTTMs))
}

// ParseSockets decodes `ss -Hi` output and keeps the records whose local or
// remote address equals addr.
func ParseSockets(out, addr string) []types.SocketSample {
	var samples []types.SocketSample
	for _, block := range socketBlocks(out) {
		sample, ok := parseSocket(block)
		if !ok {
			continue
		}
		if sample.LocalAddress == addr || sample.RemoteAddress == addr {
			samples = append(samples, sample)
		}
	}
	return samples
}

func socketBlocks(out string) []string {
	var (
		blocks  []string
		current []string
	)
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		current = append(current, line)
		if len(current) == linesPerSocket {
			blocks = append(blocks, strings.Join(current, " "))
			current = nil
		}
	}
	if len(current) > 0 {
		blocks = append(blocks, strings.Join(current, " "))
	}
	return blocks
}

func parseSocket(block string) (types.SocketSample, bool) {
	fields := strings.Fields(block)
	if len(fields) < 4 {
		return types.SocketSample{}, false
	}
	local, remote := fields[2], fields[3]

	var sample types.SocketSample
	if strings.Contains(remote, "]") && !strings.Contains(remote, "::ffff") {
		l, r := bracketed.FindStringSubmatch(local), bracketed.FindStringSubmatch(remote)
		if l == nil || r == nil {
			return types.SocketSample{}, false
		}
		sample.LocalAddress, sample.RemoteAddress = l[1], r[1]
	} else {
		l, r := ipv4Port.FindStringSubmatch(local), ipv4Port.FindStringSubmatch(remote)
		if l == nil || r == nil {
			return types.SocketSample{}, false
		}
		sample.LocalAddress, sample.RemoteAddress = l[1], r[1]
	}

	sample.SegsOut = firstInt(segsOut, block)
	sample.SegsIn = firstInt(segsIn, block)
	if m := rttPair.FindStringSubmatch(block); m != nil {
		sample.RTTMs, _ = strconv.ParseFloat(m[1], 64)
		sample.JitterMs, _ = strconv.ParseFloat(m[2], 64)
	}
	sample.Retransmissions = firstInt(retrans, block)
	return sample, true
}

func firstInt(re *regexp.Regexp, s string) int {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}
