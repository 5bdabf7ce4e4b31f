package restart

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/berthd/berth/internal/bus"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestDelayImmediate(t *testing.T) {
	for n := 0; n < 5; n++ {
		if d := Delay(StrategyImmediate, n); d != 0 {
			t.Fatalf("immediate delay(%d) = %v", n, d)
		}
	}
}

func TestDelayFixed(t *testing.T) {
	if d := Delay(StrategyFixed, 0); d != FixedDelay {
		t.Fatalf("fixed delay = %v", d)
	}
	if d := Delay(StrategyFixed, 9); d != FixedDelay {
		t.Fatalf("fixed delay after retries = %v", d)
	}
}

func TestDelayExponential(t *testing.T) {
	cases := map[int]time.Duration{
		0: time.Second,
		1: 2 * time.Second,
		2: 4 * time.Second,
		3: 8 * time.Second,
		5: 32 * time.Second,
		6: 60 * time.Second, // 64s capped
		9: 60 * time.Second,
	}
	for n, want := range cases {
		if d := Delay(StrategyExponential, n); d != want {
			t.Fatalf("exponential delay(%d) = %v, want %v", n, d, want)
		}
	}
	// very large counts must not overflow into negatives
	if d := Delay(StrategyExponential, 80); d != ExponentialCap {
		t.Fatalf("overflow delay = %v", d)
	}
}

func TestScheduleRestartFiresCallback(t *testing.T) {
	b := bus.New()
	defer b.Close()
	ch, cancel := b.Subscribe(8)
	defer cancel()

	s := NewSupervisor(b, nil)
	s.SetPolicy("svc", Policy{Enabled: true, Strategy: StrategyImmediate})

	var fired atomic.Int32
	s.ScheduleRestart("svc", func() error {
		fired.Add(1)
		return nil
	})

	waitUntil(t, 2*time.Second, func() bool { return fired.Load() == 1 })
	if got := s.Count("svc"); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}

	select {
	case e := <-ch:
		if e.Type != bus.EventRestart || e.Attempt != 1 {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no restart event")
	}
}

func TestScheduleRestartDisabledPolicy(t *testing.T) {
	b := bus.New()
	defer b.Close()

	s := NewSupervisor(b, nil)
	s.SetPolicy("svc", Policy{Enabled: false})

	s.ScheduleRestart("svc", func() error {
		t.Errorf("callback must not run for disabled policy")
		return nil
	})
	time.Sleep(50 * time.Millisecond)
	if s.Count("svc") != 0 {
		t.Fatalf("count moved for disabled policy")
	}
}

func TestScheduleRestartNoPolicy(t *testing.T) {
	b := bus.New()
	defer b.Close()

	s := NewSupervisor(b, nil)
	s.ScheduleRestart("unknown", func() error {
		t.Errorf("callback must not run without a policy")
		return nil
	})
	time.Sleep(50 * time.Millisecond)
}

func TestMaxRestartsExceeded(t *testing.T) {
	b := bus.New()
	defer b.Close()
	ch, cancel := b.Subscribe(8)
	defer cancel()

	s := NewSupervisor(b, nil)
	s.SetPolicy("svc", Policy{Enabled: true, MaxRestarts: 2, Strategy: StrategyImmediate})

	var fired atomic.Int32
	cb := func() error {
		fired.Add(1)
		return nil
	}

	s.ScheduleRestart("svc", cb)
	waitUntil(t, 2*time.Second, func() bool { return s.Count("svc") == 1 })
	s.ScheduleRestart("svc", cb)
	waitUntil(t, 2*time.Second, func() bool { return s.Count("svc") == 2 })

	// third crash is at the ceiling
	s.ScheduleRestart("svc", cb)
	var sawExceeded bool
	deadline := time.After(2 * time.Second)
	for !sawExceeded {
		select {
		case e := <-ch:
			if e.Type == bus.EventMaxRestartsExceeded {
				sawExceeded = true
			}
		case <-deadline:
			t.Fatalf("no max-restarts-exceeded event")
		}
	}
	if fired.Load() != 2 {
		t.Fatalf("callback fired %d times, want 2", fired.Load())
	}
}

func TestFailedCallbackReschedules(t *testing.T) {
	b := bus.New()
	defer b.Close()
	ch, cancel := b.Subscribe(16)
	defer cancel()

	s := NewSupervisor(b, nil)
	s.SetPolicy("svc", Policy{Enabled: true, MaxRestarts: 3, Strategy: StrategyImmediate})

	var calls atomic.Int32
	s.ScheduleRestart("svc", func() error {
		if calls.Add(1) == 1 {
			return errors.New("spawn failed")
		}
		return nil
	})

	waitUntil(t, 2*time.Second, func() bool { return calls.Load() >= 2 })

	var sawFailed, sawRestart bool
	deadline := time.After(2 * time.Second)
	for !(sawFailed && sawRestart) {
		select {
		case e := <-ch:
			switch e.Type {
			case bus.EventRestartFailed:
				sawFailed = true
			case bus.EventRestart:
				sawRestart = true
			}
		case <-deadline:
			t.Fatalf("events missing: failed=%v restart=%v", sawFailed, sawRestart)
		}
	}
	if got := s.Count("svc"); got != 2 {
		t.Fatalf("count = %d, want 2 (failed attempt still consumed one)", got)
	}
}

func TestCancelRestart(t *testing.T) {
	b := bus.New()
	defer b.Close()

	s := NewSupervisor(b, nil)
	s.SetPolicy("svc", Policy{Enabled: true, Strategy: StrategyFixed})

	if s.CancelRestart("svc") {
		t.Fatalf("cancel with nothing pending must report false")
	}
	s.ScheduleRestart("svc", func() error {
		t.Errorf("cancelled restart must not fire")
		return nil
	})
	if !s.CancelRestart("svc") {
		t.Fatalf("cancel of a pending restart must report true")
	}
	time.Sleep(50 * time.Millisecond)
	if s.Count("svc") != 0 {
		t.Fatalf("count = %d after cancel", s.Count("svc"))
	}
}

func TestRescheduleReplacesPendingTimer(t *testing.T) {
	b := bus.New()
	defer b.Close()

	s := NewSupervisor(b, nil)
	s.SetPolicy("svc", Policy{Enabled: true, Strategy: StrategyImmediate})

	var fired atomic.Int32
	cb := func() error {
		fired.Add(1)
		return nil
	}
	// rapid double-crash: the second schedule replaces the first timer
	s.ScheduleRestart("svc", cb)
	s.ScheduleRestart("svc", cb)

	waitUntil(t, 2*time.Second, func() bool { return fired.Load() >= 1 })
	time.Sleep(100 * time.Millisecond)
	if fired.Load() > 2 {
		t.Fatalf("callback fired %d times", fired.Load())
	}
}

func TestResetRestartCount(t *testing.T) {
	b := bus.New()
	defer b.Close()

	s := NewSupervisor(b, nil)
	s.SetPolicy("svc", Policy{Enabled: true, MaxRestarts: 1, Strategy: StrategyImmediate})

	s.ScheduleRestart("svc", func() error { return nil })
	waitUntil(t, 2*time.Second, func() bool { return s.Count("svc") == 1 })

	s.ResetRestartCount("svc")
	if s.Count("svc") != 0 {
		t.Fatalf("count not reset")
	}

	// eligible again after reset
	var fired atomic.Int32
	s.ScheduleRestart("svc", func() error {
		fired.Add(1)
		return nil
	})
	waitUntil(t, 2*time.Second, func() bool { return fired.Load() == 1 })
}

func TestSetPolicyDefaults(t *testing.T) {
	b := bus.New()
	defer b.Close()

	s := NewSupervisor(b, nil)
	s.SetPolicy("svc", Policy{Enabled: true})
	p, ok := s.Policy("svc")
	if !ok {
		t.Fatalf("policy missing")
	}
	if p.MaxRestarts != DefaultMaxRestarts {
		t.Fatalf("max restarts = %d", p.MaxRestarts)
	}
	if p.Strategy != StrategyExponential {
		t.Fatalf("strategy = %q", p.Strategy)
	}
}
