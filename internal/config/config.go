package config

import (
	"errors"
	"fmt"
	"time"
)

// Binaries holds the absolute or PATH-relative locations of the external tools.
type Binaries struct {
	Ping       string
	MTR        string
	Traceroute string
	Whois      string
	SS         string
}

type Config struct {
	Binaries Binaries

	PingCount      int
	PingDeadline   time.Duration
	MTRCycles      int
	TraceWait      time.Duration
	FailCount      int
	StallTimeout   time.Duration
	ResolveTimeout time.Duration
	BGPServer      string

	Listen   string
	LogLevel string
}

func Default() Config {
	return Config{
		Binaries: Binaries{
			Ping:       "ping",
			MTR:        "mtr",
			Traceroute: "traceroute",
			Whois:      "whois",
			SS:         "ss",
		},
		PingCount:      4,
		PingDeadline:   15 * time.Second,
		MTRCycles:      10,
		TraceWait:      2 * time.Second,
		FailCount:      4,
		StallTimeout:   30 * time.Second,
		ResolveTimeout: time.Second,
		BGPServer:      "bgp.tools",
		Listen:         "127.0.0.1:8788",
		LogLevel:       "info",
	}
}

func (c Config) Validate() error {
	var errs []error
	for name, path := range map[string]string{
		"ping":       c.Binaries.Ping,
		"mtr":        c.Binaries.MTR,
		"traceroute": c.Binaries.Traceroute,
		"whois":      c.Binaries.Whois,
		"ss":         c.Binaries.SS,
	} {
		if path == "" {
			errs = append(errs, fmt.Errorf("%s binary path is empty", name))
		}
	}
	if c.PingCount <= 0 {
		errs = append(errs, fmt.Errorf("ping count must be positive, got %d", c.PingCount))
	}
	if c.MTRCycles <= 0 {
		errs = append(errs, fmt.Errorf("mtr cycles must be positive, got %d", c.MTRCycles))
	}
	if c.FailCount <= 0 {
		errs = append(errs, fmt.Errorf("fail count must be positive, got %d", c.FailCount))
	}
	for name, d := range map[string]time.Duration{
		"ping deadline":   c.PingDeadline,
		"trace wait":      c.TraceWait,
		"stall timeout":   c.StallTimeout,
		"resolve timeout": c.ResolveTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.BGPServer == "" {
		errs = append(errs, errors.New("bgp server is empty"))
	}
	return errors.Join(errs...)
}
