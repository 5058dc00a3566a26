package runner

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nozo-moto/lookingglass/internal/config"
	"github.com/nozo-moto/lookingglass/pkg/types"
)

var (
	ErrUnknownKind = errors.New("unknown probe kind")
	ErrBadTarget   = errors.New("target rejected for command line")
)

// Command is the fixed invocation for one probe kind.
type Command struct {
	Argv []string
	// Banner lines are streamed before the tool's own output.
	Banner []string
	// Stall enables the no-output watchdog.
	Stall bool
}

// BuildCommand returns the argv for kind against target. The command shape
// comes only from cfg; nothing about it is chosen per request.
func BuildCommand(cfg config.Config, kind types.ProbeKind, target string) (Command, error) {
	target = strings.ReplaceAll(strings.TrimSpace(target), "'", "")
	if target == "" || strings.HasPrefix(target, "-") {
		return Command{}, fmt.Errorf("%w: %q", ErrBadTarget, target)
	}

	b := cfg.Binaries
	switch kind {
	case types.KindPing, types.KindPing6:
		return Command{Argv: []string{
			b.Ping, familyFlag(kind), "-c", strconv.Itoa(cfg.PingCount), "-w" + seconds(cfg.PingDeadline), target,
		}}, nil
	case types.KindMTR, types.KindMTR6:
		return Command{Argv: []string{
			b.MTR, "--raw", "-n", familyFlag(kind), "-c", strconv.Itoa(cfg.MTRCycles), target,
		}}, nil
	case types.KindTraceroute, types.KindTraceroute6:
		return Command{Argv: []string{
			b.Traceroute, familyFlag(kind), "-w" + seconds(cfg.TraceWait), target,
		}}, nil
	case types.KindWhois:
		return Command{Argv: []string{b.Whois, target}, Stall: true}, nil
	case types.KindBGP:
		return Command{
			Argv: []string{b.Whois, "-h", cfg.BGPServer, target},
			Banner: []string{
				"BGP Route Lookup for: " + target,
				strings.Repeat("-", 60),
				"Querying BGP information...",
			},
			Stall: true,
		}, nil
	}
	return Command{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

func familyFlag(kind types.ProbeKind) string {
	if kind.Family() == types.FamilyIPv6 {
		return "-6"
	}
	return "-4"
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
