package resolve

import (
	"context"
	"net"
	"strings"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

const (
	DefaultMaxEntries = 4096

	// Names are kept for an hour; misses are retried sooner so a PTR record
	// added later shows up.
	positiveTTL = time.Hour
	negativeTTL = 5 * time.Minute
)

// AddrLookuper performs PTR lookups. *net.Resolver satisfies it.
type AddrLookuper interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

type entry struct {
	name    string
	expires time.Time
}

// Reverse resolves addresses to names with a bounded per-lookup budget and a
// memo shared by every run in the process. The memo holds at most
// maxEntries addresses; entries expire and the soonest-expiring ones are
// evicted first when it is full.
type Reverse struct {
	lookuper   AddrLookuper
	timeout    time.Duration
	maxEntries int
	now        func() time.Time
	cache      cmap.ConcurrentMap[string, entry]
}

type Option func(*Reverse)

// WithMaxEntries caps the memo size. Values below one keep the default.
func WithMaxEntries(n int) Option {
	return func(r *Reverse) {
		if n > 0 {
			r.maxEntries = n
		}
	}
}

func NewReverse(lookuper AddrLookuper, timeout time.Duration, opts ...Option) *Reverse {
	if lookuper == nil {
		lookuper = net.DefaultResolver
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	r := &Reverse{
		lookuper:   lookuper,
		timeout:    timeout,
		maxEntries: DefaultMaxEntries,
		now:        time.Now,
		cache:      cmap.New[entry](),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the first PTR name for addr without the trailing dot, or "" if
// the lookup fails or times out.
func (r *Reverse) Name(ctx context.Context, addr string) string {
	if e, ok := r.cache.Get(addr); ok && r.now().Before(e.expires) {
		return e.name
	}
	if net.ParseIP(addr) == nil {
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var name string
	names, err := r.lookuper.LookupAddr(ctx, addr)
	if err == nil && len(names) > 0 {
		name = strings.TrimSuffix(names[0], ".")
	}
	// Timed-out or canceled lookups are retried next time.
	if ctx.Err() == nil || err == nil {
		r.store(addr, name)
	}
	return name
}

func (r *Reverse) store(addr, name string) {
	ttl := positiveTTL
	if name == "" {
		ttl = negativeTTL
	}
	now := r.now()
	if !r.cache.Has(addr) && r.cache.Count() >= r.maxEntries {
		r.evict(now)
	}
	r.cache.Set(addr, entry{name: name, expires: now.Add(ttl)})
}

// evict drops expired entries, then the soonest-expiring ones until there is
// room for one more. Concurrent stores may briefly overshoot the cap by the
// number of writers.
func (r *Reverse) evict(now time.Time) {
	items := r.cache.Items()
	for addr, e := range items {
		if !now.Before(e.expires) {
			r.cache.Remove(addr)
			delete(items, addr)
		}
	}
	for len(items) >= r.maxEntries {
		var (
			oldest string
			at     time.Time
		)
		for addr, e := range items {
			if oldest == "" || e.expires.Before(at) {
				oldest, at = addr, e.expires
			}
		}
		r.cache.Remove(oldest)
		delete(items, oldest)
	}
}

// Cached is the number of memoised addresses, expired ones included until
// they are evicted or refreshed.
func (r *Reverse) Cached() int { return r.cache.Count() }
