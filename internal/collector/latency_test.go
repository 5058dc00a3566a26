package collector

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/nozo-moto/lookingglass/internal/config"
	"github.com/nozo-moto/lookingglass/pkg/types"
	psnet "github.com/shirou/gopsutil/v3/net"
)

const ssOutput = `0      0      192.0.2.10:22      198.51.100.7:51234 users:(("sshd",pid=812,fd=4))
	 cubic wscale:7,7 rto:204 rtt:1.5/0.75 ato:40 mss:1448 cwnd:10 bytes_sent:3000 segs_out:20 segs_in:25 data_segs_out:10 send 77.2Mbps retrans:0/3 rcv_space:14600 minrtt:0.4

0      0      192.0.2.10:443     203.0.113.50:40000 users:(("nginx",pid=90,fd=7))
	 cubic rtt:30.25/2.5 segs_out:5 segs_in:6 minrtt:29.9
0      36     [::ffff:192.0.2.10]:8080 [::ffff:198.51.100.7]:60000
	 bbr rtt:12.7/0.1 segs_out:100 segs_in:99
0      0      [2001:db8::10]:22  [2001:db8::7]:5555
	 cubic rtt:0.42/0.2 segs_out:8 segs_in:9 retrans:1/2
`

func TestParseSocketsIPv4(t *testing.T) {
	got := ParseSockets(ssOutput, "198.51.100.7")
	if len(got) != 2 {
		t.Fatalf("samples = %+v", got)
	}
	want := types.SocketSample{
		LocalAddress:    "192.0.2.10",
		RemoteAddress:   "198.51.100.7",
		SegsOut:         20,
		SegsIn:          25,
		RTTMs:           1.5,
		JitterMs:        0.75,
		Retransmissions: 3,
	}
	if got[0] != want {
		t.Fatalf("first = %+v\nwant    %+v", got[0], want)
	}
	if got[1].RTTMs != 12.7 || got[1].Retransmissions != 0 || got[1].SegsOut != 100 {
		t.Fatalf("mapped socket = %+v", got[1])
	}
}

func TestParseSocketsMatchesLocalEnd(t *testing.T) {
	got := ParseSockets(ssOutput, "192.0.2.10")
	if len(got) != 3 {
		t.Fatalf("samples = %d, want every socket bound to the local address", len(got))
	}
}

func TestParseSocketsIPv6(t *testing.T) {
	got := ParseSockets(ssOutput, "2001:db8::7")
	if len(got) != 1 {
		t.Fatalf("samples = %+v", got)
	}
	s := got[0]
	if s.LocalAddress != "2001:db8::10" || s.RTTMs != 0.42 || s.JitterMs != 0.2 || s.Retransmissions != 2 {
		t.Fatalf("sample = %+v", s)
	}
}

func TestParseSocketsNoMatch(t *testing.T) {
	if got := ParseSockets(ssOutput, "192.0.2.99"); len(got) != 0 {
		t.Fatalf("samples = %+v", got)
	}
	if got := ParseSockets("", "192.0.2.99"); len(got) != 0 {
		t.Fatalf("empty output gave %+v", got)
	}
}

func TestRoundedLatency(t *testing.T) {
	if RoundedLatency(nil) != 0 {
		t.Fatal("no samples must give 0")
	}
	samples := []types.SocketSample{{RTTMs: 30.5}, {RTTMs: 1}}
	if got := RoundedLatency(samples); got != 31 {
		t.Fatalf("latency = %d, want the first sample rounded", got)
	}
}

func established(local, remote string) psnet.ConnectionStat {
	return psnet.ConnectionStat{
		Status: "ESTABLISHED",
		Laddr:  psnet.Addr{IP: local, Port: 443},
		Raddr:  psnet.Addr{IP: remote, Port: 50000},
	}
}

func TestHasEstablished(t *testing.T) {
	conns := []psnet.ConnectionStat{
		{Status: "LISTEN", Laddr: psnet.Addr{IP: "0.0.0.0", Port: 22}},
		{Status: "TIME_WAIT", Laddr: psnet.Addr{IP: "192.0.2.10"}, Raddr: psnet.Addr{IP: "203.0.113.1"}},
		established("192.0.2.10", "::ffff:198.51.100.7"),
	}
	cases := map[string]bool{
		"198.51.100.7": true,
		"192.0.2.10":   true,
		"203.0.113.1":  false,
		"0.0.0.0":      false,
	}
	for addr, want := range cases {
		if got := hasEstablished(conns, netip.MustParseAddr(addr)); got != want {
			t.Errorf("hasEstablished(%s) = %v, want %v", addr, got, want)
		}
	}
}

type fakeSS struct {
	out   string
	err   error
	calls [][]string
}

func (f *fakeSS) run(_ context.Context, argv []string) ([]byte, error) {
	f.calls = append(f.calls, argv)
	return []byte(f.out), f.err
}

func TestSampleRunsSS(t *testing.T) {
	ss := &fakeSS{out: ssOutput}
	s := NewLatencySampler(config.Default(),
		WithCommandRunner(ss.run),
		WithConnectionLister(func(context.Context, string) ([]psnet.ConnectionStat, error) {
			return []psnet.ConnectionStat{established("2001:db8::10", "2001:db8::7")}, nil
		}),
	)

	latency, err := s.Latency(context.Background(), "2001:0db8::7")
	if err != nil {
		t.Fatal(err)
	}
	if latency != 0 {
		t.Fatalf("latency = %d, want 0.42 rounded", latency)
	}
	if len(ss.calls) != 1 {
		t.Fatalf("ss calls = %d", len(ss.calls))
	}
	if args := strings.Join(ss.calls[0][1:], " "); args != "-Hintp state established dst [2001:db8::7]" {
		t.Fatalf("ss args = %q", args)
	}
}

func TestSampleSkipsSSWithoutConnection(t *testing.T) {
	ss := &fakeSS{out: ssOutput}
	s := NewLatencySampler(config.Default(),
		WithCommandRunner(ss.run),
		WithConnectionLister(func(context.Context, string) ([]psnet.ConnectionStat, error) {
			return nil, nil
		}),
	)

	samples, err := s.Sample(context.Background(), "198.51.100.7")
	if err != nil || len(samples) != 0 {
		t.Fatalf("Sample = %+v, %v", samples, err)
	}
	if len(ss.calls) != 0 {
		t.Fatal("ss ran although nothing is established")
	}
}

func TestSamplePreCheckFailureFallsThrough(t *testing.T) {
	ss := &fakeSS{out: ssOutput}
	s := NewLatencySampler(config.Default(),
		WithCommandRunner(ss.run),
		WithConnectionLister(func(context.Context, string) ([]psnet.ConnectionStat, error) {
			return nil, errors.New("permission denied")
		}),
	)

	latency, err := s.Latency(context.Background(), "203.0.113.50")
	if err != nil || latency != 30 {
		t.Fatalf("Latency = %d, %v", latency, err)
	}
	if args := strings.Join(ss.calls[0][1:], " "); args != "-Hintp state established dst 203.0.113.50" {
		t.Fatalf("ss args = %q", args)
	}
}

func TestSampleErrors(t *testing.T) {
	ss := &fakeSS{err: errors.New("exit status 1")}
	s := NewLatencySampler(config.Default(), WithCommandRunner(ss.run), WithConnectionLister(nil))

	if _, err := s.Sample(context.Background(), "not-an-ip"); !errors.Is(err, ErrInvalidAddr) {
		t.Fatalf("err = %v, want ErrInvalidAddr", err)
	}
	if len(ss.calls) != 0 {
		t.Fatal("ss ran for an invalid address")
	}
	if _, err := s.Sample(context.Background(), "192.0.2.1"); err == nil {
		t.Fatal("ss failure was swallowed")
	}
}
