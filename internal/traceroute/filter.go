package traceroute

import (
	"regexp"
	"strings"
)

const (
	// NoResponse is what traceroute prints for a hop that never answered.
	NoResponse = "* * *"
	// TimedOutNotice ends a trace cut short by consecutive silent hops.
	TimedOutNotice = "-- Traceroute timed out --"

	DefaultFailCount = 4

	alignedLines = 10
)

var singleDigitHop = regexp.MustCompile(`^[0-9] `)

// Filter rewrites traceroute output for display and decides when a run of
// silent hops is long enough to give up. One Filter serves one run.
type Filter struct {
	failCount int
	aligned   int
	line      int
	fails     int
	lastFail  int
}

func NewFilter(failCount int) *Filter {
	if failCount <= 0 {
		failCount = DefaultFailCount
	}
	return &Filter{failCount: failCount, lastFail: -1}
}

// Apply returns the display form of line and whether the trace should stop
// after it. Lines are counted from zero including the banner line.
func (f *Filter) Apply(line string) (string, bool) {
	if f.aligned < alignedLines && singleDigitHop.MatchString(line) {
		line = "&nbsp;" + line
		f.aligned++
	}

	stop := false
	if strings.Contains(line, NoResponse) {
		if f.lastFail >= 0 && f.lastFail == f.line-1 {
			f.fails++
		} else {
			f.fails = 1
		}
		if f.fails >= f.failCount {
			stop = true
		}
		f.lastFail = f.line
	}
	f.line++
	return line, stop
}

// FailCount is the current run of consecutive silent hops.
func (f *Filter) FailCount() int { return f.fails }
