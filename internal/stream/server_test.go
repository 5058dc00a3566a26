package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nozo-moto/lookingglass/internal/collector"
	"github.com/nozo-moto/lookingglass/internal/runner"
	"github.com/nozo-moto/lookingglass/pkg/types"
)

type fakeChecker struct{}

func (fakeChecker) ForKind(_ context.Context, kind types.ProbeKind, input string) (string, error) {
	if input == "" || strings.HasPrefix(input, "10.") {
		return "", errors.New("invalid target")
	}
	if kind == types.KindBGP {
		return strings.ToUpper(input), nil
	}
	return input, nil
}

type fakeProbes struct {
	mu       sync.Mutex
	requests []runner.Request
	frames   []types.Frame
	outcome  types.Outcome
	block    bool
	canceled chan struct{}
}

func (f *fakeProbes) Run(ctx context.Context, req runner.Request, emit runner.EmitFunc) (types.Outcome, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	for _, fr := range f.frames {
		if err := emit(fr); err != nil {
			return types.OutcomeCompleted, err
		}
	}
	if f.block {
		<-ctx.Done()
		close(f.canceled)
		return types.OutcomeCompleted, ctx.Err()
	}
	return f.outcome, nil
}

type fakeLatency struct {
	samples []types.SocketSample
	err     error
}

func (f fakeLatency) Sample(_ context.Context, addr string) ([]types.SocketSample, error) {
	return f.samples, f.err
}

func newTestServer(t *testing.T, probes *fakeProbes, lat fakeLatency) *httptest.Server {
	t.Helper()
	s := NewServer(probes, fakeChecker{}, lat, ServerOptions{WriteWait: time.Second})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, &fakeProbes{}, fakeLatency{})
	resp, err := http.Get(ts.URL + "/v1/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" || body["streams"] != "0" {
		t.Fatalf("healthz = %d %v", resp.StatusCode, body)
	}
}

func TestProbeRejectsBeforeUpgrade(t *testing.T) {
	probes := &fakeProbes{}
	ts := newTestServer(t, probes, fakeLatency{})
	for _, query := range []string{
		"kind=finger&target=192.0.2.1",
		"kind=ping&target=10.0.0.1",
		"kind=traceroute&target=192.0.2.1&fail_count=0",
		"kind=traceroute&target=192.0.2.1&fail_count=x",
	} {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/v1/probe?"+query), nil)
		if err == nil {
			t.Fatalf("%s: upgrade succeeded", query)
		}
		if resp == nil || resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: response = %+v", query, resp)
		}
	}
	if len(probes.requests) != 0 {
		t.Fatalf("probes ran for rejected requests: %+v", probes.requests)
	}
}

func TestProbeStreamsFrames(t *testing.T) {
	probes := &fakeProbes{
		frames: []types.Frame{
			{Mode: types.FrameReplace, Text: "report one"},
			{Mode: types.FrameReplace, Text: "report two"},
		},
		outcome: types.OutcomeCompleted,
	}
	ts := newTestServer(t, probes, fakeLatency{})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/v1/probe?kind=mtr&target=192.0.2.1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	for _, want := range []string{"@@@\nreport one\n", "@@@\nreport two\n"} {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		if mt != websocket.TextMessage || string(msg) != want {
			t.Fatalf("message = %d %q, want %q", mt, msg, want)
		}
	}
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseNormalClosure || ce.Text != "completed" {
		t.Fatalf("close = %v", err)
	}

	probes.mu.Lock()
	defer probes.mu.Unlock()
	if len(probes.requests) != 1 || probes.requests[0].Kind != types.KindMTR || probes.requests[0].Target != "192.0.2.1" {
		t.Fatalf("requests = %+v", probes.requests)
	}
}

func TestProbePassesFailCountAndQuery(t *testing.T) {
	probes := &fakeProbes{outcome: types.OutcomeTraceTimedOut}
	ts := newTestServer(t, probes, fakeLatency{})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/v1/probe?kind=traceroute&target=192.0.2.1&fail_count=6"), nil)
	if err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	conn.Close()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Text != types.OutcomeTraceTimedOut.String() {
		t.Fatalf("close = %v", err)
	}

	probes.mu.Lock()
	defer probes.mu.Unlock()
	if probes.requests[0].FailCount != 6 {
		t.Fatalf("fail count = %d", probes.requests[0].FailCount)
	}
}

func TestClientDisconnectCancelsRun(t *testing.T) {
	probes := &fakeProbes{
		frames:   []types.Frame{{Mode: types.FrameAppend, Text: "PING 192.0.2.1"}},
		block:    true,
		canceled: make(chan struct{}),
	}
	ts := newTestServer(t, probes, fakeLatency{})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/v1/probe?kind=ping&target=192.0.2.1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, msg, err := conn.ReadMessage(); err != nil || string(msg) != "PING 192.0.2.1<br />\n" {
		t.Fatalf("first message = %q, %v", msg, err)
	}
	conn.Close()

	select {
	case <-probes.canceled:
	case <-time.After(5 * time.Second):
		t.Fatal("run was not canceled after the client left")
	}
}

func TestLatency(t *testing.T) {
	lat := fakeLatency{samples: []types.SocketSample{
		{LocalAddress: "192.0.2.10", RemoteAddress: "198.51.100.7", RTTMs: 12.6, JitterMs: 0.5},
	}}
	ts := newTestServer(t, &fakeProbes{}, lat)

	resp, err := http.Get(ts.URL + "/v1/latency?addr=198.51.100.7")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var view latencyView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || view.Latency != 13 || len(view.Sockets) != 1 {
		t.Fatalf("latency = %d %+v", resp.StatusCode, view)
	}
}

func TestLatencyErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: %q", collector.ErrInvalidAddr, "x"), http.StatusBadRequest},
		{errors.New("ss missing"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		ts := newTestServer(t, &fakeProbes{}, fakeLatency{err: tc.err})
		resp, err := http.Get(ts.URL + "/v1/latency?addr=x")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.status {
			t.Fatalf("%v: status = %d, want %d", tc.err, resp.StatusCode, tc.status)
		}
	}
}

func TestLatencyEmptyIsZero(t *testing.T) {
	ts := newTestServer(t, &fakeProbes{}, fakeLatency{})
	resp, err := http.Get(ts.URL + "/v1/latency?addr=198.51.100.7")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatal(err)
	}
	if string(raw["latency"]) != "0" || string(raw["sockets"]) != "[]" {
		t.Fatalf("body = %s %s", raw["latency"], raw["sockets"])
	}
}
