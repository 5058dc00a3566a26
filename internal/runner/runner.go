package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nozo-moto/lookingglass/internal/config"
	"github.com/nozo-moto/lookingglass/internal/logging"
	"github.com/nozo-moto/lookingglass/internal/mtr"
	"github.com/nozo-moto/lookingglass/internal/traceroute"
	"github.com/nozo-moto/lookingglass/pkg/types"
	"golang.org/x/net/html"
)

// UnauthorizedMessage is streamed when the tool rejects the target's address
// family, which means validation let a wrong-family name through.
const UnauthorizedMessage = "Unauthorized request"

// ErrSpawn wraps the OS error when no child process could be started.
var ErrSpawn = errors.New("failed to spawn probe")

var familyMismatchMarkers = []string{
	"Name or service not known",
	"unknown host",
}

// stderrGrace bounds how long a finished stdout waits for stderr to close.
const stderrGrace = 5 * time.Second

// maxLineBytes splits pathological lines; nothing is dropped.
const maxLineBytes = 64 * 1024

// EmitFunc receives each frame before the next one is computed. Returning an
// error stops the run; cleanup still happens.
type EmitFunc func(types.Frame) error

// Request names one tool run. Target must already be validated for Kind.
type Request struct {
	Kind   types.ProbeKind
	Target string
	// FailCount overrides the consecutive silent-hop limit for path traces.
	FailCount int
}

// Runner executes the network tools. It holds no per-run state and is safe to share
// between concurrent runs.
type Runner struct {
	cfg      config.Config
	spawner  Spawner
	killer   TreeKiller
	resolver mtr.NameResolver
}

// Option replaces one of the Runner's collaborators.
type Option func(*Runner)

// WithSpawner sets how tools are started.
func WithSpawner(s Spawner) Option { return func(r *Runner) { r.spawner = s } }

// WithTreeKiller sets how a live process tree is terminated.
func WithTreeKiller(k TreeKiller) Option { return func(r *Runner) { r.killer = k } }

// WithResolver sets the reverse-DNS source for mtr hop names. Without one
// hops are labelled by address.
func WithResolver(res mtr.NameResolver) Option { return func(r *Runner) { r.resolver = res } }

// New returns a Runner that spawns real processes and reaps them through the
// OS process table unless opts say otherwise.
func New(cfg config.Config, opts ...Option) *Runner {
	r := &Runner{
		cfg:     cfg,
		spawner: ExecSpawner{},
		killer:  NewProcessTreeKiller(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run spawns the tool for req and streams its output through emit. The error
// is non-nil only when the kind is unknown, the process could not be spawned,
// or the caller stopped the run (ctx or emit). Every other ending is an
// Outcome. The process tree is reaped on every path once spawned.
func (r *Runner) Run(ctx context.Context, req Request, emit EmitFunc) (types.Outcome, error) {
	cmd, err := BuildCommand(r.cfg, req.Kind, req.Target)
	if err != nil {
		return types.OutcomeCompleted, err
	}

	proc, err := r.spawner.Spawn(cmd.Argv)
	if err != nil {
		logging.Warnf("runner: spawn %s failed: %v", cmd.Argv[0], err)
		return types.OutcomeCompleted, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	logging.Debugf("runner: started %q pid=%d", strings.Join(cmd.Argv, " "), proc.Pid())
	defer r.reap(proc)

	s := &session{emit: emit}
	switch {
	case req.Kind.IsHopReport():
		s.report = mtr.NewReport(r.resolver)
	case req.Kind.IsPathTrace():
		failCount := req.FailCount
		if failCount <= 0 {
			failCount = r.cfg.FailCount
		}
		s.filter = traceroute.NewFilter(failCount)
	}

	for _, line := range cmd.Banner {
		if err := emit(types.Frame{Mode: types.FrameAppend, Text: html.EscapeString(line)}); err != nil {
			return types.OutcomeCompleted, err
		}
	}

	var mismatch atomic.Bool
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		err := readLines(proc.Stderr(), func(line string) {
			for _, marker := range familyMismatchMarkers {
				if strings.Contains(line, marker) {
					mismatch.Store(true)
				}
			}
		})
		if err != nil {
			logging.Debugf("runner: pid=%d stderr: %v", proc.Pid(), err)
		}
	}()

	stop := make(chan struct{})
	defer close(stop)
	lines := make(chan string)
	go func() {
		defer close(lines)
		err := readLines(proc.Stdout(), func(line string) {
			select {
			case lines <- line:
			case <-stop:
			}
		})
		if err != nil {
			select {
			case <-stop:
			default:
				logging.Warnf("runner: pid=%d stdout read failed, output may be incomplete: %v", proc.Pid(), err)
			}
		}
	}()

	var stall <-chan time.Time
	var timer *time.Timer
	if cmd.Stall {
		timer = time.NewTimer(r.cfg.StallTimeout)
		defer timer.Stop()
		stall = timer.C
	}

	outcome := types.OutcomeCompleted
drain:
	for {
		select {
		case <-ctx.Done():
			logging.Debugf("runner: pid=%d canceled: %v", proc.Pid(), ctx.Err())
			return outcome, ctx.Err()
		case <-stall:
			logging.Warnf("runner: pid=%d produced no output for %s, aborting", proc.Pid(), r.cfg.StallTimeout)
			outcome = types.OutcomeStalled
			break drain
		case line, ok := <-lines:
			if !ok {
				break drain
			}
			if timer != nil {
				resetTimer(timer, r.cfg.StallTimeout)
			}
			done, err := s.handle(ctx, html.EscapeString(strings.TrimSpace(line)))
			if err != nil {
				return outcome, err
			}
			if done {
				logging.Debugf("runner: pid=%d trace gave up after %d silent hops", proc.Pid(), s.filter.FailCount())
				outcome = types.OutcomeTraceTimedOut
				break drain
			}
		}
	}

	if outcome == types.OutcomeCompleted {
		select {
		case <-stderrDone:
		case <-ctx.Done():
			return outcome, ctx.Err()
		case <-time.After(stderrGrace):
			logging.Debugf("runner: pid=%d stderr still open after stdout closed", proc.Pid())
		}
	}
	if mismatch.Load() {
		logging.Infof("runner: %s rejected %q as the wrong address family", req.Kind, req.Target)
		if err := emit(types.Frame{Mode: types.FrameAppend, Text: UnauthorizedMessage}); err != nil {
			return outcome, err
		}
		return types.OutcomeUnauthorized, nil
	}
	return outcome, nil
}

// reap closes what is still open and kills the whole tree if the tool is
// still alive, then releases the handle.
func (r *Runner) reap(proc Process) {
	if proc.Running() {
		proc.Stdout().Close()
		proc.Stderr().Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.killer.KillTree(ctx, proc.Pid()); err != nil {
			logging.Warnf("runner: reaping pid=%d: %v", proc.Pid(), err)
		} else {
			logging.Debugf("runner: reaped process tree of pid=%d", proc.Pid())
		}
	}
	if err := proc.Wait(); err != nil {
		logging.Debugf("runner: pid=%d exited: %v", proc.Pid(), err)
	}
}

// session carries the per-run stream state.
type session struct {
	emit   EmitFunc
	report *mtr.Report
	filter *traceroute.Filter
}

// handle turns one escaped line into frames. It reports true when the trace
// filter decided to stop.
func (s *session) handle(ctx context.Context, line string) (bool, error) {
	switch {
	case s.report != nil:
		s.report.Update(ctx, line)
		return false, s.emit(types.Frame{Mode: types.FrameReplace, Text: s.report.String()})
	case s.filter != nil:
		out, stop := s.filter.Apply(line)
		if err := s.emit(types.Frame{Mode: types.FrameAppend, Text: out}); err != nil {
			return false, err
		}
		if stop {
			return true, s.emit(types.Frame{Mode: types.FrameAppend, Text: traceroute.TimedOutNotice})
		}
		return false, nil
	}
	return false, s.emit(types.Frame{Mode: types.FrameAppend, Text: line})
}

// readLines calls fn for every line of r. A line longer than maxLineBytes is
// delivered in maxLineBytes pieces rather than ending the stream, so a reader
// always drains r to EOF or a read error.
func readLines(r io.Reader, fn func(string)) error {
	br := bufio.NewReaderSize(r, 4096)
	var (
		line  []byte
		split bool
	)
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		// The newline right after a split piece ends that line, not a new one.
		if split && !isPrefix && len(chunk) == 0 && len(line) == 0 {
			split = false
			continue
		}
		line = append(line, chunk...)
		if isPrefix && len(line) < maxLineBytes {
			continue
		}
		fn(string(line))
		line = line[:0]
		split = isPrefix
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
