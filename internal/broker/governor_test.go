package broker

import (
	"testing"
	"time"
)

func TestGovernorEscalatesThroughModes(t *testing.T) {
	t.Parallel()

	p := profiles["balanced"]
	g := newGovernor(p)
	tel := newTelemetry(time.Minute)
	now := time.Now()

	if g.mode != ModeNormal {
		t.Fatal("fresh governor should start normal")
	}
	normalInterval := g.interval

	// Enough windowed 429s for guarded but below cooldown, and no streak.
	tel.recordRequest("r", "")
	tel.record429("r", "")
	tel.recordSuccess("r", "", 200, time.Millisecond) // break the consecutive-429 run
	tel.recordRequest("r", "")
	tel.record429("r", "")
	tel.recordSuccess("r", "", 200, time.Millisecond)
	g.reevaluate(tel, 0, false, now)
	if g.mode != ModeGuarded {
		t.Fatalf("mode = %v, want guarded at %d windowed 429s", g.mode, tel.global.count429)
	}
	guardedInterval := g.interval
	if guardedInterval <= normalInterval {
		t.Fatalf("guarded interval %v not above normal %v", guardedInterval, normalInterval)
	}
	if g.concurrency != p.BaseConcurrency-1 {
		t.Fatalf("guarded concurrency = %d, want %d", g.concurrency, p.BaseConcurrency-1)
	}

	// Two consecutive 429s force cooldown regardless of counts.
	tel.record429("r", "")
	tel.record429("r", "")
	g.reevaluate(tel, 0, false, now)
	if g.mode != ModeCooldown {
		t.Fatalf("mode = %v, want cooldown", g.mode)
	}
	if g.interval <= guardedInterval {
		t.Fatalf("cooldown interval %v not above guarded %v", g.interval, guardedInterval)
	}
	if g.concurrency != 1 {
		t.Fatalf("cooldown concurrency = %d, want 1", g.concurrency)
	}
}

func TestGovernorGlobalBlockForcesCooldown(t *testing.T) {
	t.Parallel()

	g := newGovernor(profiles["aggressive"])
	tel := newTelemetry(time.Minute)
	g.reevaluate(tel, 0, true, time.Now())
	if g.mode != ModeCooldown {
		t.Fatalf("mode = %v, want cooldown while globally blocked", g.mode)
	}
}

func TestGovernorRecoveryRequiresQuietWindowAndStreak(t *testing.T) {
	t.Parallel()

	p := profiles["balanced"]
	g := newGovernor(p)
	tel := newTelemetry(time.Minute)
	now := time.Now()

	g.mode = ModeGuarded
	g.derive()

	// A long streak inside the quiet window is not enough.
	tel.last429At = now.Add(-time.Second)
	tel.consecutiveSuccess = p.RecoveryStreak + 5
	g.reevaluate(tel, 0, false, now)
	if g.mode != ModeGuarded {
		t.Fatalf("mode = %v, recovery before a full quiet window", g.mode)
	}

	// A quiet window without the streak is not enough either.
	tel.last429At = now.Add(-2 * time.Minute)
	tel.consecutiveSuccess = p.RecoveryStreak - 1
	g.reevaluate(tel, 0, false, now)
	if g.mode != ModeGuarded {
		t.Fatalf("mode = %v, recovery below the success streak", g.mode)
	}

	// Both conditions met.
	tel.consecutiveSuccess = p.RecoveryStreak
	g.reevaluate(tel, 0, false, now)
	if g.mode != ModeNormal {
		t.Fatalf("mode = %v, want normal after quiet window and streak", g.mode)
	}
}

func TestGovernorCooldownStepsDownThroughGuarded(t *testing.T) {
	t.Parallel()

	p := profiles["balanced"]
	g := newGovernor(p)
	tel := newTelemetry(time.Minute)
	now := time.Now()

	g.mode = ModeCooldown
	g.derive()
	tel.last429At = now.Add(-2 * time.Minute)
	tel.consecutiveSuccess = p.RecoveryStreak

	g.reevaluate(tel, 0, false, now)
	if g.mode != ModeGuarded {
		t.Fatalf("mode = %v, cooldown must step down to guarded first", g.mode)
	}

	g.reevaluate(tel, 0, false, now)
	if g.mode != ModeNormal {
		t.Fatalf("mode = %v, want normal on the next quiet evaluation", g.mode)
	}
}

func TestGovernorKnobsDeriveFromBase(t *testing.T) {
	t.Parallel()

	p := profiles["safe"]
	g := newGovernor(p)

	// Flapping between modes many times must not compound the multipliers.
	for i := 0; i < 10; i++ {
		g.mode = ModeCooldown
		g.derive()
		g.mode = ModeNormal
		g.derive()
	}
	if g.interval != p.BaseInterval || g.concurrency != p.BaseConcurrency {
		t.Fatalf("normal knobs drifted: interval=%v concurrency=%d", g.interval, g.concurrency)
	}

	g.mode = ModeCooldown
	g.derive()
	want := scaleInterval(p.BaseInterval, p.CooldownFactor, p.CooldownFloor)
	if g.interval != want {
		t.Fatalf("cooldown interval = %v, want %v", g.interval, want)
	}
}

func TestProfileByName(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"safe", "balanced", "aggressive"} {
		p, err := ProfileByName(name)
		if err != nil {
			t.Fatalf("ProfileByName(%q): %v", name, err)
		}
		if p.Name != name {
			t.Fatalf("profile %q carries name %q", name, p.Name)
		}
	}
	if _, err := ProfileByName("reckless"); err == nil {
		t.Fatal("unknown profile should error")
	}
}
