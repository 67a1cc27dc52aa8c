package extension_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"

	"github.com/snehjoshi/queuegate/internal/bus"
	"github.com/snehjoshi/queuegate/internal/config"
	"github.com/snehjoshi/queuegate/internal/extension"
	"github.com/snehjoshi/queuegate/internal/metrics"
	"github.com/snehjoshi/queuegate/internal/scheduler"
	"github.com/snehjoshi/queuegate/pkg/client"
)

// ─── fakes & helpers ─────────────────────────────────────────────────────────

type fakeExtender struct {
	mu    sync.Mutex
	calls []client.ExtendRequest
	err   error
}

func (f *fakeExtender) ExtendCookie(_ context.Context, er client.ExtendRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, er)
	return f.err
}

func (f *fakeExtender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeExtender) last() client.ExtendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type harness struct {
	mgr   *extension.Manager
	ext   *fakeExtender
	clk   *testingclock.FakeClock
	sched *scheduler.Scheduler
	bus   *bus.Bus
	reg   *metrics.Registry
}

func newHarness(t *testing.T, err error, opts ...extension.Option) *harness {
	t.Helper()
	clk := testingclock.NewFakeClock(time.Date(2024, 11, 29, 9, 0, 0, 0, time.UTC))
	sched := scheduler.New(scheduler.WithClock(clk))
	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	t.Cleanup(func() {
		cancel()
		sched.Stop()
	})

	h := &harness{ext: &fakeExtender{err: err}, clk: clk, sched: sched, bus: bus.New(), reg: metrics.New()}
	opts = append([]extension.Option{
		extension.WithBus(h.bus),
		extension.WithMetrics(h.reg),
		extension.WithClock(clk),
	}, opts...)
	h.mgr = extension.New(h.ext, sched, opts...)
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) step(t *testing.T, d time.Duration) {
	t.Helper()
	waitFor(t, "scheduler timer", h.clk.HasWaiters)
	h.clk.Step(d)
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestExtension_ExtendsEveryInterval(t *testing.T) {
	h := newHarness(t, nil,
		extension.WithCookiePolicy(config.IntegrationConfig{CookieDomain: ".shop.example", IsCookieSecure: true}),
		extension.WithValidity(func(string) int { return 20 }),
	)
	h.mgr.Start("checkout-protection", "q-1", 10*time.Minute)

	h.step(t, 10*time.Minute)
	waitFor(t, "first extension", func() bool { return h.ext.count() == 1 })
	h.step(t, 10*time.Minute)
	waitFor(t, "second extension", func() bool { return h.ext.count() == 2 })

	req := h.ext.last()
	if req.EventID != "checkout-protection" || req.QueueID != "q-1" || req.CookieValidityMinutes != 20 {
		t.Errorf("unexpected extend request: %+v", req)
	}
	if req.CookieDomain != ".shop.example" || !req.IsCookieSecure || req.IsCookieHTTPOnly {
		t.Errorf("cookie policy not forwarded: %+v", req)
	}
	if h.mgr.Active() != 1 {
		t.Errorf("Active = %d, want 1", h.mgr.Active())
	}
}

func TestExtension_FailureStopsSchedule(t *testing.T) {
	h := newHarness(t, errors.New("backend down"))
	notices, dispose := h.bus.Channel(4)
	defer dispose()

	h.mgr.Start("flash-sale-2024", "q-1", time.Minute)
	h.step(t, time.Minute)
	waitFor(t, "failed extension", func() bool { return h.ext.count() == 1 })

	select {
	case n := <-notices:
		if n.Kind != bus.KindExtensionFailed || n.EventID != "flash-sale-2024" || n.QueueID != "q-1" {
			t.Errorf("unexpected notice: %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no extension_failed notice published")
	}

	waitFor(t, "schedule dropped", func() bool { return h.sched.Len() == 0 })

	// A second tick must not happen.
	h.clk.Step(time.Minute)
	time.Sleep(50 * time.Millisecond)
	if n := h.ext.count(); n != 1 {
		t.Fatalf("extend called %d times after failure, want 1", n)
	}
	if h.mgr.Active() != 0 {
		t.Errorf("Active = %d, want 0 after self-stop", h.mgr.Active())
	}
}

func TestExtension_RestartReplacesSameQueue(t *testing.T) {
	h := newHarness(t, nil)
	h.mgr.Start("flash-sale-2024", "q-1", time.Minute)
	h.mgr.Start("flash-sale-2024", "q-1", time.Minute)

	if h.sched.Len() != 1 || h.mgr.Active() != 1 {
		t.Fatalf("restart must replace, got sched=%d active=%d", h.sched.Len(), h.mgr.Active())
	}
	h.step(t, time.Minute)
	waitFor(t, "extension", func() bool { return h.ext.count() == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := h.ext.count(); n != 1 {
		t.Errorf("extend called %d times for one tick, want 1", n)
	}
}

func TestExtension_StopAndStopAll(t *testing.T) {
	h := newHarness(t, nil)
	a := h.mgr.Start("flash-sale-2024", "q-1", time.Minute)
	h.mgr.Start("checkout-protection", "q-2", time.Minute)

	h.mgr.Stop(a)
	h.mgr.Stop(a)
	if h.mgr.Active() != 1 {
		t.Fatalf("Active = %d after Stop, want 1", h.mgr.Active())
	}
	h.mgr.StopAll()
	if h.mgr.Active() != 0 || h.sched.Len() != 0 {
		t.Fatalf("StopAll left schedules: active=%d sched=%d", h.mgr.Active(), h.sched.Len())
	}

	h.clk.Step(time.Hour)
	time.Sleep(20 * time.Millisecond)
	if h.ext.count() != 0 {
		t.Error("stopped schedules must not extend")
	}
}

func TestExtension_DefaultValidityIsTwiceInterval(t *testing.T) {
	h := newHarness(t, nil)
	h.mgr.Start("flash-sale-2024", "q-1", 5*time.Minute)
	h.step(t, 5*time.Minute)
	waitFor(t, "extension", func() bool { return h.ext.count() == 1 })
	if got := h.ext.last().CookieValidityMinutes; got != 10 {
		t.Errorf("CookieValidityMinutes = %d, want 10", got)
	}
}
