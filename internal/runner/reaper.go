package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// TreeKiller forcefully terminates a process and every descendant of it.
type TreeKiller interface {
	KillTree(ctx context.Context, pid int32) error
}

// ProcessTreeKiller walks the OS process table for descendants. Probe tools
// such as mtr fork helpers that outlive a plain kill of the parent.
type ProcessTreeKiller struct {
	children func(ctx context.Context, pid int32) ([]int32, error)
	signal   func(pid int32) error
}

func NewProcessTreeKiller() *ProcessTreeKiller {
	return &ProcessTreeKiller{children: childPIDs, signal: killPID}
}

// KillTree signals descendants first, then pid itself. Processes that are
// already gone are not an error.
func (k *ProcessTreeKiller) KillTree(ctx context.Context, pid int32) error {
	var errs []error
	for _, child := range k.descendants(ctx, pid) {
		if err := k.signal(child); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill %d: %w", child, err))
		}
	}
	if err := k.signal(pid); err != nil {
		errs = append(errs, fmt.Errorf("failed to kill %d: %w", pid, err))
	}
	return errors.Join(errs...)
}

// descendants lists the whole subtree below pid, breadth first.
func (k *ProcessTreeKiller) descendants(ctx context.Context, pid int32) []int32 {
	var out []int32
	seen := map[int32]bool{pid: true}
	queue := []int32{pid}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		kids, err := k.children(ctx, parent)
		if err != nil {
			continue
		}
		for _, kid := range kids {
			if seen[kid] {
				continue
			}
			seen[kid] = true
			out = append(out, kid)
			queue = append(queue, kid)
		}
	}
	return out
}

func childPIDs(ctx context.Context, pid int32) ([]int32, error) {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, err
	}
	kids, err := proc.ChildrenWithContext(ctx)
	if err != nil {
		if errors.Is(err, process.ErrorNoChildren) {
			return nil, nil
		}
		return nil, err
	}
	pids := make([]int32, 0, len(kids))
	for _, kid := range kids {
		pids = append(pids, kid.Pid)
	}
	return pids, nil
}
