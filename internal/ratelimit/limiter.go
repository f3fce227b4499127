package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Window is one fixed-size request allowance, such as 5 per minute.
type Window struct {
	Name   string
	Limit  int
	Period time.Duration
}

// Result is the outcome of a check against all windows.
type Result struct {
	Allowed bool
	// Window names the window that denied the request, or the tightest one when allowed.
	Window     string
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds for the Retry-After header.
func (r Result) RetryAfterSeconds() int {
	if r.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(r.RetryAfter.Seconds()))
}

// Options configures a Limiter.
type Options struct {
	Windows []Window
	// Disabled makes every check succeed without touching state (development mode).
	Disabled bool
	// MaxKeys triggers a sweep of idle keys once exceeded. Zero means 10000.
	MaxKeys int
	Now     func() time.Time
}

// Limiter enforces several windows per key (client address hash).
//
// Each window is a token bucket refilled at Limit/Period with burst Limit, so a client
// that waits a full period regains its whole allowance. A request must fit in every
// window; when one window denies it, reservations taken in earlier windows are returned.
type Limiter struct {
	windows  []Window
	disabled bool
	maxKeys  int
	now      func() time.Time

	mu sync.Mutex
	m  map[string][]*rate.Limiter
}

func New(opts Options) *Limiter {
	var windows []Window
	for _, w := range opts.Windows {
		if w.Limit <= 0 || w.Period <= 0 {
			continue
		}
		windows = append(windows, w)
	}
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		windows:  windows,
		disabled: opts.Disabled,
		maxKeys:  maxKeys,
		now:      now,
		m:        make(map[string][]*rate.Limiter),
	}
}

// StandardWindows builds the minute, hour and day windows. Zero limits are skipped.
func StandardWindows(perMinute, perHour, perDay int) []Window {
	return []Window{
		{Name: "minute", Limit: perMinute, Period: time.Minute},
		{Name: "hour", Limit: perHour, Period: time.Hour},
		{Name: "day", Limit: perDay, Period: 24 * time.Hour},
	}
}

func (l *Limiter) get(key string, now time.Time) []*rate.Limiter {
	if lims, ok := l.m[key]; ok {
		return lims
	}
	if len(l.m) >= l.maxKeys {
		l.sweepLocked(now)
	}
	lims := make([]*rate.Limiter, len(l.windows))
	for i, w := range l.windows {
		every := rate.Every(w.Period / time.Duration(w.Limit))
		lims[i] = rate.NewLimiter(every, w.Limit)
	}
	l.m[key] = lims
	return lims
}

// sweepLocked drops keys whose buckets are all full again; they carry no state.
func (l *Limiter) sweepLocked(now time.Time) {
	for key, lims := range l.m {
		idle := true
		for i, lim := range lims {
			if lim.TokensAt(now) < float64(l.windows[i].Limit) {
				idle = false
				break
			}
		}
		if idle {
			delete(l.m, key)
		}
	}
}

// Allow consumes one request for key from every window.
func (l *Limiter) Allow(key string) Result {
	if l == nil || len(l.windows) == 0 {
		return Result{Allowed: true}
	}
	if l.disabled {
		w := l.windows[0]
		return Result{Allowed: true, Window: w.Name, Limit: w.Limit, Remaining: w.Limit}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	lims := l.get(key, now)
	reserved := make([]*rate.Reservation, 0, len(lims))
	for i, lim := range lims {
		r := lim.ReserveN(now, 1)
		delay := r.DelayFrom(now)
		if !r.OK() || delay > 0 {
			r.CancelAt(now)
			for _, prev := range reserved {
				prev.CancelAt(now)
			}
			w := l.windows[i]
			return Result{Allowed: false, Window: w.Name, Limit: w.Limit, Remaining: 0, RetryAfter: delay}
		}
		reserved = append(reserved, r)
	}

	out := Result{Allowed: true, Remaining: math.MaxInt}
	for i, lim := range lims {
		rem := int(math.Floor(lim.TokensAt(now)))
		if rem < 0 {
			rem = 0
		}
		if rem < out.Remaining {
			w := l.windows[i]
			out.Window, out.Limit, out.Remaining = w.Name, w.Limit, rem
		}
	}
	return out
}

// Keys reports how many clients currently have state.
func (l *Limiter) Keys() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
