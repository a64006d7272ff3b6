// governor.go drives the adaptive pacing mode off the telemetry window.
//
// Three modes: normal, guarded, cooldown. Escalation can jump straight to
// cooldown; recovery always passes back through guarded and requires both a
// quiet window (no 429 for a full telemetry window) and a success streak.
// Each mode derives its pacing interval and concurrency from the profile's
// base values, never from the previous mode's, so repeated transitions
// cannot compound the multipliers.
package broker

import (
	"fmt"
	"time"
)

// Mode is the governor's current operating state.
type Mode int

const (
	ModeNormal Mode = iota
	ModeGuarded
	ModeCooldown
)

func (m Mode) String() string {
	switch m {
	case ModeGuarded:
		return "guarded"
	case ModeCooldown:
		return "cooldown"
	default:
		return "normal"
	}
}

// Profile parametrizes every governor threshold and multiplier. The three
// named profiles were tuned empirically against live broker behavior; treat
// them as defaults, not a contract.
type Profile struct {
	Name string

	BaseInterval    time.Duration // minimum spacing between dispatches in normal mode
	BaseConcurrency int           // in-flight ceiling in normal mode

	GuardedThreshold  int // window 429 count that forces guarded
	CooldownThreshold int // window 429 count that forces cooldown

	GuardedFactor  float64 // interval multiplier in guarded mode
	CooldownFactor float64 // interval multiplier in cooldown mode
	GuardedFloor   time.Duration
	CooldownFloor  time.Duration

	RecoveryStreak int // consecutive successes required to re-enter normal

	GuardedPressure  float64
	CooldownPressure float64
}

var profiles = map[string]Profile{
	"safe": {
		Name:              "safe",
		BaseInterval:      250 * time.Millisecond,
		BaseConcurrency:   2,
		GuardedThreshold:  1,
		CooldownThreshold: 2,
		GuardedFactor:     2.5,
		CooldownFactor:    5,
		GuardedFloor:      400 * time.Millisecond,
		CooldownFloor:     900 * time.Millisecond,
		RecoveryStreak:    18,
		GuardedPressure:   0.7,
		CooldownPressure:  1.4,
	},
	"balanced": {
		Name:              "balanced",
		BaseInterval:      150 * time.Millisecond,
		BaseConcurrency:   3,
		GuardedThreshold:  2,
		CooldownThreshold: 4,
		GuardedFactor:     2,
		CooldownFactor:    4,
		GuardedFloor:      300 * time.Millisecond,
		CooldownFloor:     750 * time.Millisecond,
		RecoveryStreak:    12,
		GuardedPressure:   0.8,
		CooldownPressure:  1.5,
	},
	"aggressive": {
		Name:              "aggressive",
		BaseInterval:      75 * time.Millisecond,
		BaseConcurrency:   4,
		GuardedThreshold:  3,
		CooldownThreshold: 6,
		GuardedFactor:     1.5,
		CooldownFactor:    3,
		GuardedFloor:      200 * time.Millisecond,
		CooldownFloor:     500 * time.Millisecond,
		RecoveryStreak:    10,
		GuardedPressure:   0.9,
		CooldownPressure:  1.6,
	},
}

// ProfileByName looks up one of the named profiles: safe, balanced,
// aggressive.
func ProfileByName(name string) (Profile, error) {
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown governor profile %q (want safe, balanced, or aggressive)", name)
	}
	return p, nil
}

// governor holds the derived pacing knobs. Mutated only under the client's
// mutex.
type governor struct {
	profile     Profile
	mode        Mode
	pressure    float64
	interval    time.Duration
	concurrency int
}

func newGovernor(p Profile) *governor {
	g := &governor{profile: p}
	g.derive()
	return g
}

// setProfile swaps profiles at runtime and re-derives the knobs immediately
// under the current mode.
func (g *governor) setProfile(p Profile) {
	g.profile = p
	g.derive()
}

// reset returns to normal mode. Called on authenticated-session change.
func (g *governor) reset() {
	g.mode = ModeNormal
	g.pressure = 0
	g.derive()
}

// reevaluate recomputes pressure and applies the mode transition rules.
func (g *governor) reevaluate(t *telemetry, queueDepth int, globalBlocked bool, now time.Time) {
	p := g.profile
	g.pressure = t.pressure(p, queueDepth, g.concurrency, globalBlocked)
	t.global.rotate(now, t.window)

	switch {
	case globalBlocked,
		t.global.count429 >= p.CooldownThreshold,
		t.consecutive429 >= 2,
		g.pressure >= p.CooldownPressure:
		g.mode = ModeCooldown

	case t.global.count429 >= p.GuardedThreshold,
		t.global.blocked > 0,
		g.pressure >= p.GuardedPressure:
		if g.mode != ModeCooldown {
			g.mode = ModeGuarded
		} else if g.canRecover(t, now) {
			// Cooldown steps down through guarded, never straight to normal.
			g.mode = ModeGuarded
		}

	default:
		if g.mode != ModeNormal && g.canRecover(t, now) {
			if g.mode == ModeCooldown {
				g.mode = ModeGuarded
			} else {
				g.mode = ModeNormal
			}
		}
	}

	g.derive()
}

// canRecover requires a full telemetry window since the last 429 and a
// sustained success streak. A single success right after a 429 burst must
// not flip the mode back.
func (g *governor) canRecover(t *telemetry, now time.Time) bool {
	if !t.last429At.IsZero() && now.Sub(t.last429At) <= t.window {
		return false
	}
	return t.consecutiveSuccess >= g.profile.RecoveryStreak
}

// derive computes interval and concurrency for the current mode from the
// profile's base values.
func (g *governor) derive() {
	p := g.profile
	switch g.mode {
	case ModeGuarded:
		g.interval = scaleInterval(p.BaseInterval, p.GuardedFactor, p.GuardedFloor)
		g.concurrency = p.BaseConcurrency - 1
		if g.concurrency < 1 {
			g.concurrency = 1
		}
	case ModeCooldown:
		g.interval = scaleInterval(p.BaseInterval, p.CooldownFactor, p.CooldownFloor)
		g.concurrency = 1
	default:
		g.interval = p.BaseInterval
		g.concurrency = p.BaseConcurrency
	}
}

func scaleInterval(base time.Duration, factor float64, floor time.Duration) time.Duration {
	d := time.Duration(float64(base) * factor)
	if d < floor {
		d = floor
	}
	return d
}
