// telemetry.go keeps the rolling request statistics that feed the adaptive
// governor. Counters live in a fixed window (default 30s): when the window
// expires the windowed counts reset but cumulative totals survive, so the
// status surface can show both "what's happening now" and lifetime numbers.
package broker

import (
	"time"
)

const (
	defaultTelemetryWindow = 30 * time.Second
	latencyEWMAAlpha       = 0.3
)

// routeStats is the per-route (and per-account) counter block.
type routeStats struct {
	windowStart time.Time
	requests    int
	successes   int
	count429    int
	blocked     int

	totalRequests int64
	total429      int64

	lastStatus  int
	lastError   string
	ewmaLatency time.Duration
}

func (s *routeStats) rotate(now time.Time, window time.Duration) {
	if now.Sub(s.windowStart) < window {
		return
	}
	s.windowStart = now
	s.requests = 0
	s.successes = 0
	s.count429 = 0
	s.blocked = 0
}

// rate429 is the share of windowed requests that came back 429.
func (s *routeStats) rate429() float64 {
	if s.requests == 0 {
		return 0
	}
	return float64(s.count429) / float64(s.requests)
}

// telemetry aggregates the global window plus per-route and per-account
// breakdowns. Mutated only under the client's mutex.
type telemetry struct {
	window time.Duration

	global   routeStats
	routes   map[string]*routeStats
	accounts map[string]*routeStats

	last429At          time.Time
	consecutive429     int
	consecutiveSuccess int
}

func newTelemetry(window time.Duration) *telemetry {
	if window <= 0 {
		window = defaultTelemetryWindow
	}
	return &telemetry{
		window:   window,
		routes:   make(map[string]*routeStats),
		accounts: make(map[string]*routeStats),
	}
}

func (t *telemetry) statsFor(m map[string]*routeStats, key string) *routeStats {
	s, ok := m[key]
	if !ok {
		s = &routeStats{}
		m[key] = s
	}
	return s
}

func (t *telemetry) each(route, account string, fn func(*routeStats)) {
	now := time.Now()
	targets := []*routeStats{&t.global}
	if route != "" {
		targets = append(targets, t.statsFor(t.routes, route))
	}
	if account != "" {
		targets = append(targets, t.statsFor(t.accounts, account))
	}
	for _, s := range targets {
		s.rotate(now, t.window)
		fn(s)
	}
}

func (t *telemetry) recordRequest(route, account string) {
	t.each(route, account, func(s *routeStats) {
		s.requests++
		s.totalRequests++
	})
}

func (t *telemetry) recordSuccess(route, account string, status int, latency time.Duration) {
	t.each(route, account, func(s *routeStats) {
		s.successes++
		s.lastStatus = status
		s.lastError = ""
		if s.ewmaLatency == 0 {
			s.ewmaLatency = latency
		} else {
			s.ewmaLatency = time.Duration(latencyEWMAAlpha*float64(latency) + (1-latencyEWMAAlpha)*float64(s.ewmaLatency))
		}
	})
	t.consecutive429 = 0
	t.consecutiveSuccess++
}

func (t *telemetry) record429(route, account string) {
	t.each(route, account, func(s *routeStats) {
		s.count429++
		s.total429++
		s.lastStatus = 429
	})
	t.last429At = time.Now()
	t.consecutive429++
	t.consecutiveSuccess = 0
}

func (t *telemetry) recordFailure(route, account string, status int, err error) {
	t.each(route, account, func(s *routeStats) {
		s.lastStatus = status
		if err != nil {
			s.lastError = err.Error()
		}
	})
	t.consecutiveSuccess = 0
}

// recordBlocked counts a submit rejected because its target was blocked.
func (t *telemetry) recordBlocked(route, account string) {
	t.each(route, account, func(s *routeStats) {
		s.blocked++
	})
}

// worstRoute429Rate scans the per-route windows for the highest 429 share.
func (t *telemetry) worstRoute429Rate() float64 {
	now := time.Now()
	worst := 0.0
	for _, s := range t.routes {
		s.rotate(now, t.window)
		if r := s.rate429(); r > worst {
			worst = r
		}
	}
	return worst
}

// pressure blends the window's 429/blocked counts, the current streaks, the
// queue backlog, and the worst single route into one scalar. An active
// global block pins the floor at 1.3 regardless of the window math. Clamped
// to [0, 2.5].
func (t *telemetry) pressure(p Profile, queueDepth, concurrency int, globalBlocked bool) float64 {
	t.global.rotate(time.Now(), t.window)

	v := float64(t.global.count429) / float64(p.CooldownThreshold)
	v += float64(t.global.blocked) / float64(p.GuardedThreshold) * 0.65
	v += float64(t.consecutive429) / 2 * 0.45
	if concurrency > 0 {
		v += float64(queueDepth) / float64(concurrency*3) * 0.4
	}
	v += t.worstRoute429Rate() * 0.5

	if globalBlocked && v < 1.3 {
		v = 1.3
	}
	if v < 0 {
		v = 0
	}
	if v > 2.5 {
		v = 2.5
	}
	return v
}

// reset drops everything window-scoped and the streaks. Called when the
// authenticated session changes: pressure is account-scoped and must not
// leak across re-auth.
func (t *telemetry) reset() {
	t.global = routeStats{}
	t.routes = make(map[string]*routeStats)
	t.accounts = make(map[string]*routeStats)
	t.last429At = time.Time{}
	t.consecutive429 = 0
	t.consecutiveSuccess = 0
}
