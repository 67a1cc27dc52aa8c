// Package extension keeps a queued or admitted visitor's queue cookie alive
// by calling the extend-cookie endpoint on a fixed interval.
//
// A schedule that fails once stops itself. The failure is reported on the
// bus as an extension_failed notice; nothing retries it.
package extension

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/snehjoshi/queuegate/internal/bus"
	"github.com/snehjoshi/queuegate/internal/config"
	"github.com/snehjoshi/queuegate/internal/metrics"
	"github.com/snehjoshi/queuegate/internal/scheduler"
	"github.com/snehjoshi/queuegate/pkg/client"
)

// Extender is the part of the admission client the scheduler needs.
type Extender interface {
	ExtendCookie(ctx context.Context, er client.ExtendRequest) error
}

// Handle identifies one running schedule.
type Handle struct {
	EventID string
	QueueID string
}

func (h Handle) id() string { return "extend/" + h.EventID + "/" + h.QueueID }

// Manager owns the cookie extension schedules.
type Manager struct {
	ext      Extender
	sched    *scheduler.Scheduler
	bus      *bus.Bus
	metrics  *metrics.Registry
	clock    clock.PassiveClock
	cookie   config.IntegrationConfig
	validity func(eventID string) int

	mu     sync.Mutex
	active map[Handle]struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithBus sets where extension_failed notices go.
func WithBus(b *bus.Bus) Option { return func(m *Manager) { m.bus = b } }

// WithMetrics records every extension attempt.
func WithMetrics(r *metrics.Registry) Option { return func(m *Manager) { m.metrics = r } }

// WithClock stamps notices with c instead of the wall clock.
func WithClock(c clock.PassiveClock) Option { return func(m *Manager) { m.clock = c } }

// WithCookiePolicy sets the domain and flags sent with every extension.
func WithCookiePolicy(ic config.IntegrationConfig) Option {
	return func(m *Manager) { m.cookie = ic }
}

// WithValidity returns the cookie validity in minutes for an event. Without
// it the validity sent is twice the schedule interval.
func WithValidity(fn func(eventID string) int) Option {
	return func(m *Manager) { m.validity = fn }
}

// New creates a Manager that schedules on sched. The caller owns sched and
// is responsible for starting and stopping it.
func New(ext Extender, sched *scheduler.Scheduler, opts ...Option) *Manager {
	m := &Manager{
		ext:    ext,
		sched:  sched,
		clock:  clock.RealClock{},
		active: make(map[Handle]struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start begins extending the cookie of queueID every interval. A schedule
// already running for the same pair is replaced.
func (m *Manager) Start(eventID, queueID string, interval time.Duration) Handle {
	h := Handle{EventID: eventID, QueueID: queueID}
	m.sched.Cancel(h.id())

	minutes := int((2 * interval).Minutes())
	if m.validity != nil {
		if v := m.validity(eventID); v > 0 {
			minutes = v
		}
	}
	if minutes < 1 {
		minutes = 1
	}
	req := client.ExtendRequest{
		EventID:               eventID,
		QueueID:               queueID,
		CookieValidityMinutes: minutes,
		CookieDomain:          m.cookie.CookieDomain,
		IsCookieHTTPOnly:      m.cookie.IsCookieHTTPOnly,
		IsCookieSecure:        m.cookie.IsCookieSecure,
	}

	m.sched.ScheduleEvery(h.id(), interval, func(ctx context.Context) error {
		err := m.ext.ExtendCookie(ctx, req)
		m.metrics.ObserveExtension(err == nil)
		if err != nil {
			slog.Warn("extension: extend-cookie failed, stopping schedule",
				"event", eventID, "err", err)
			if m.bus != nil {
				m.bus.Publish(bus.Notification{
					Kind:    bus.KindExtensionFailed,
					EventID: eventID,
					QueueID: queueID,
					Message: err.Error(),
					At:      m.clock.Now().UnixMilli(),
				})
			}
			return err
		}
		slog.Debug("extension: cookie extended", "event", eventID, "minutes", minutes)
		return nil
	})
	m.mu.Lock()
	m.active[h] = struct{}{}
	m.mu.Unlock()
	slog.Info("extension: schedule started", "event", eventID, "interval", interval)
	return h
}

// Stop cancels the schedule behind h. Stopping twice is harmless.
func (m *Manager) Stop(h Handle) {
	m.sched.Cancel(h.id())
	m.mu.Lock()
	delete(m.active, h)
	m.mu.Unlock()
}

// StopAll cancels every schedule started by this Manager.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for h := range m.active {
		m.sched.Cancel(h.id())
	}
	clear(m.active)
}

// Active returns how many schedules are still running. A schedule that
// stopped itself after a failure is not counted.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for h := range m.active {
		if m.sched.Has(h.id()) {
			n++
		} else {
			delete(m.active, h)
		}
	}
	return n
}
