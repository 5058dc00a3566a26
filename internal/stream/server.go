// Package stream serves probe runs over websockets. Each encoded frame is sent
// as one text message; a client going away cancels its run.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nozo-moto/lookingglass/internal/collector"
	"github.com/nozo-moto/lookingglass/internal/logging"
	"github.com/nozo-moto/lookingglass/internal/runner"
	"github.com/nozo-moto/lookingglass/pkg/types"
	cmap "github.com/orcaman/concurrent-map/v2"
)

const (
	APIVersion     = "v1"
	DefaultAddress = "127.0.0.1:8788"
)

// ProbeRunner is satisfied by *runner.Runner.
type ProbeRunner interface {
	Run(ctx context.Context, req runner.Request, emit runner.EmitFunc) (types.Outcome, error)
}

// TargetChecker is satisfied by *target.Validator.
type TargetChecker interface {
	ForKind(ctx context.Context, kind types.ProbeKind, input string) (string, error)
}

// LatencySource is satisfied by *collector.LatencySampler.
type LatencySource interface {
	Sample(ctx context.Context, addr string) ([]types.SocketSample, error)
}

// ServerOptions configures the HTTP server. There is no write timeout on the
// server itself since probe streams legitimately run for tens of seconds;
// WriteWait bounds each websocket message instead.
type ServerOptions struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	WriteWait         time.Duration
	Logger            *log.Logger
}

type Server struct {
	http     *http.Server
	probes   ProbeRunner
	targets  TargetChecker
	latency  LatencySource
	upgrader websocket.Upgrader
	opts     ServerOptions

	streams cmap.ConcurrentMap[string, *websocket.Conn]
	nextID  atomic.Uint64
}

func NewServer(probes ProbeRunner, targets TargetChecker, latency LatencySource, opts ServerOptions) *Server {
	if probes == nil || targets == nil || latency == nil {
		panic("stream.NewServer: nil dependency")
	}
	if opts.Addr == "" {
		opts.Addr = DefaultAddress
	}
	if opts.ReadHeaderTimeout == 0 {
		opts.ReadHeaderTimeout = 2 * time.Second
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.WriteWait == 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Logger()
	}

	mux := http.NewServeMux()
	s := &Server{
		probes:  probes,
		targets: targets,
		latency: latency,
		opts:    opts,
		streams: cmap.New[*websocket.Conn](),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		http: &http.Server{
			Addr:              opts.Addr,
			Handler:           withRequestLog(mux),
			ReadHeaderTimeout: opts.ReadHeaderTimeout,
			IdleTimeout:       opts.IdleTimeout,
			ErrorLog:          opts.Logger,
			BaseContext: func(net.Listener) context.Context {
				return context.Background()
			},
		},
	}

	mux.HandleFunc("/"+APIVersion+"/healthz", s.handleHealthz)
	mux.HandleFunc("/"+APIVersion+"/probe", s.handleProbe)
	mux.HandleFunc("/"+APIVersion+"/latency", s.handleLatency)
	return s
}

// Handler exposes the routes without a listener, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start serves in a background goroutine and returns immediately.
func (s *Server) Start() {
	go func() {
		logging.Infof("stream: listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logging.Errorf("stream: ListenAndServe error: %v", err)
		}
	}()
}

// Stop shuts the listener down and closes open streams, which cancels their
// runs and reaps the probes.
func (s *Server) Stop(ctx context.Context) error {
	if s.opts.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ShutdownTimeout)
		defer cancel()
	}
	for item := range s.streams.IterBuffered() {
		item.Val.Close()
	}
	return s.http.Shutdown(ctx)
}

// ActiveStreams is the number of probe streams currently open.
func (s *Server) ActiveStreams() int { return s.streams.Count() }

type apiError struct {
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

type latencyView struct {
	Address string               `json:"address"`
	Latency int                  `json:"latency"`
	Sockets []types.SocketSample `json:"sockets"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"streams":   strconv.Itoa(s.ActiveStreams()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleLatency samples the kernel socket table for addr.
// Method: GET ?addr=<ip>
func (s *Server) handleLatency(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	addr := r.URL.Query().Get("addr")
	samples, err := s.latency.Sample(r.Context(), addr)
	if err != nil {
		if errors.Is(err, collector.ErrInvalidAddr) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logging.Warnf("stream: latency sample for %q: %v", addr, err)
		writeError(w, http.StatusBadGateway, "sampling failed")
		return
	}
	if samples == nil {
		samples = []types.SocketSample{}
	}
	writeJSON(w, http.StatusOK, latencyView{
		Address: addr,
		Latency: collector.RoundedLatency(samples),
		Sockets: samples,
	})
}

// handleProbe validates the request, then upgrades and streams frames.
// Method: GET ?kind=<kind>&target=<target>[&fail_count=<n>]
// Errors before the upgrade are JSON; after it the close message carries the
// outcome.
func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	kind, err := types.ParseProbeKind(q.Get("kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	failCount := 0
	if v := q.Get("fail_count"); v != "" {
		failCount, err = strconv.Atoi(v)
		if err != nil || failCount <= 0 {
			writeError(w, http.StatusBadRequest, "fail_count must be a positive integer")
			return
		}
	}
	host, err := s.targets.ForKind(r.Context(), kind, q.Get("target"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		logging.Debugf("stream: upgrade failed: %v", err)
		return
	}
	id := strconv.FormatUint(s.nextID.Add(1), 10)
	s.streams.Set(id, conn)
	defer func() {
		s.streams.Remove(id)
		conn.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go readPump(conn, cancel)

	emit := func(f types.Frame) error {
		conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
		return conn.WriteMessage(websocket.TextMessage, []byte(f.Encode()))
	}
	outcome, err := s.probes.Run(ctx, runner.Request{Kind: kind, Target: host, FailCount: failCount}, emit)
	if err != nil {
		if ctx.Err() != nil {
			logging.Debugf("stream: %s %s: client went away", kind, host)
			return
		}
		logging.Warnf("stream: %s %s: %v", kind, host, err)
		closeWith(conn, websocket.CloseInternalServerErr, "probe failed", s.opts.WriteWait)
		return
	}
	logging.Infof("stream: %s %s finished: %s", kind, host, outcome)
	closeWith(conn, websocket.CloseNormalClosure, outcome.String(), s.opts.WriteWait)
}

// readPump discards client messages and cancels the run once the connection
// is gone.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func closeWith(conn *websocket.Conn, code int, reason string, wait time.Duration) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wait))
}

func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.Debugf("%s %s %dms UA=%q", r.Method, r.URL.Path, time.Since(start).Milliseconds(), r.UserAgent())
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{
		Error:     msg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(v); err != nil {
		logging.Debugf("stream: failed to write response: %v", err)
	}
}
