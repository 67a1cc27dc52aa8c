// Package gate is the queue admission state machine.
//
// A Machine owns the single authoritative admission state of one visitor.
// Navigations are matched against the configured triggers; a match runs one
// admission cycle against the backend (status check, then validate) and the
// outcome moves the machine to Entered, Queued or Error, or asks the
// Navigator to leave the app for the waiting room.
//
// All state changes happen under one mutex. Backend calls run outside it and
// carry the generation that was current when they started; a result whose
// generation has moved on is dropped. State changes are published on the
// bus in the order they were applied.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"go.uber.org/atomic"
	"k8s.io/utils/clock"

	"github.com/snehjoshi/queuegate/internal/bus"
	"github.com/snehjoshi/queuegate/internal/config"
	"github.com/snehjoshi/queuegate/internal/extension"
	"github.com/snehjoshi/queuegate/internal/metrics"
	"github.com/snehjoshi/queuegate/internal/scheduler"
	"github.com/snehjoshi/queuegate/internal/tokenstore"
	"github.com/snehjoshi/queuegate/internal/types"
	"github.com/snehjoshi/queuegate/pkg/client"
)

var (
	// ErrUnknownEvent is returned by Trigger for a key that is not configured.
	ErrUnknownEvent = errors.New("gate: unknown event")
	// ErrCycleInProgress is returned when a navigation matches a different
	// event while a cycle for another event is still queuing or queued.
	ErrCycleInProgress = errors.New("gate: admission cycle in progress for another event")
	// ErrNotQueued is returned by Poll and Cancel when there is no queue
	// session to act on.
	ErrNotQueued = errors.New("gate: not queued")
	// ErrNotFailed is returned by Retry outside the Error state.
	ErrNotFailed = errors.New("gate: nothing to retry")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("gate: closed")
)

const pollTaskID = "poll"

// Admitter is the backend the machine talks to. *client.Client implements it.
type Admitter interface {
	CheckEventActive(ctx context.Context, eventID string) client.EventStatus
	RequestAdmission(ctx context.Context, ar client.AdmissionRequest) (*client.AdmissionResult, error)
	PollPosition(ctx context.Context, eventID, token string) (*client.PollResult, error)
	ExtendCookie(ctx context.Context, er client.ExtendRequest) error
	Cancel(ctx context.Context, eventID, token string) (*client.CancelResult, error)
}

// Tokens is the persisted token. *tokenstore.Store implements it.
type Tokens interface {
	Read(ctx context.Context) (types.Token, bool)
	Write(ctx context.Context, value string) types.Token
	Clear(ctx context.Context)
}

// Navigator performs a hard navigation out of the app.
type Navigator interface {
	Navigate(url string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(url string)

func (f NavigatorFunc) Navigate(url string) { f(url) }

// Option configures a Machine.
type Option func(*Machine)

// WithNavigator sets who performs hard navigations. Without one, intents are
// only recorded in the state and published on the bus.
func WithNavigator(n Navigator) Option { return func(m *Machine) { m.nav = n } }

// WithBus publishes on b instead of a private bus.
func WithBus(b *bus.Bus) Option { return func(m *Machine) { m.bus = b } }

// WithMetrics records transitions and backend calls.
func WithMetrics(r *metrics.Registry) Option { return func(m *Machine) { m.metrics = r } }

// WithClock replaces the wall clock for timers and timestamps.
func WithClock(c clock.Clock) Option { return func(m *Machine) { m.clock = c } }

// Machine is the admission state machine. Create it with New and release it
// with Close.
type Machine struct {
	cfg     *config.Config
	reg     *config.Registry
	adm     Admitter
	tokens  Tokens
	nav     Navigator
	bus     *bus.Bus
	ownBus  bool
	metrics *metrics.Registry
	clock   clock.Clock

	sched      *scheduler.Scheduler
	ext        *extension.Manager
	stopSched  context.CancelFunc
	generation atomic.Uint64

	mu      sync.Mutex
	st      types.State
	closed  bool
	lastURL string
	lastKey string // set when the last cycle was started by Trigger
	// tokenEvent is the backend event id the token in st belongs to.
	tokenEvent string

	pending  []bus.Notification
	draining bool
}

// New creates a Machine in the Idle state and starts its timer goroutine.
func New(cfg *config.Config, reg *config.Registry, adm Admitter, tokens Tokens, opts ...Option) *Machine {
	m := &Machine{
		cfg:    cfg,
		reg:    reg,
		adm:    adm,
		tokens: tokens,
		clock:  clock.RealClock{},
	}
	for _, o := range opts {
		o(m)
	}
	if m.bus == nil {
		m.bus = bus.New()
		m.ownBus = true
	}

	m.sched = scheduler.New(scheduler.WithClock(m.clock))
	m.ext = extension.New(adm, m.sched,
		extension.WithBus(m.bus),
		extension.WithMetrics(m.metrics),
		extension.WithClock(m.clock),
		extension.WithCookiePolicy(cfg.Integration),
		extension.WithValidity(m.cookieValidity),
	)
	ctx, cancel := context.WithCancel(context.Background())
	m.stopSched = cancel
	m.sched.Start(ctx)
	return m
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() types.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneState(m.st)
}

// Subscribe calls fn with the state after every transition, in order. The
// returned function unsubscribes.
func (m *Machine) Subscribe(fn func(types.State)) (unsubscribe func()) {
	return m.bus.Subscribe(func(n bus.Notification) {
		if n.Kind == bus.KindStateChanged && n.State != nil {
			fn(*n.State)
		}
	})
}

// Bus returns the bus the machine publishes on.
func (m *Machine) Bus() *bus.Bus { return m.bus }

// Extensions returns the number of running cookie extension schedules.
func (m *Machine) Extensions() int { return m.ext.Active() }

// Polling reports whether the position poll schedule is running.
func (m *Machine) Polling() bool { return m.sched.Has(pollTaskID) }

// Close stops every timer and invalidates in-flight calls. The machine
// rejects all further operations.
func (m *Machine) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.generation.Inc()
	m.stopTimersLocked()
	m.mu.Unlock()

	m.sched.Stop()
	m.stopSched()
	if m.ownBus {
		m.bus.Close()
	}
	return nil
}

// ─── internal ────────────────────────────────────────────────────────────────

// transitionLocked applies mutate and moves to status to, queueing a
// state_changed notification. It refuses transitions ValidTransition rejects.
func (m *Machine) transitionLocked(to types.Status, mutate func(*types.State)) bool {
	from := m.st.Status
	if !ValidTransition(from, to) {
		slog.Error("gate: illegal transition refused", "from", from.String(), "to", to.String())
		return false
	}
	next := m.st
	next.Status = to
	if mutate != nil {
		mutate(&next)
	}
	next.Generation = m.generation.Load()
	next.Seq = m.st.Seq + 1
	m.st = next
	m.metrics.ObserveTransition(from, to)

	snap := cloneState(m.st)
	m.pending = append(m.pending, bus.Notification{
		Kind:    bus.KindStateChanged,
		State:   &snap,
		EventID: snap.CurrentEvent,
		At:      m.now(),
	})
	slog.Debug("gate: transition", "from", from.String(), "to", to.String(), "event", snap.CurrentEvent)
	return true
}

// flush publishes queued notifications outside the lock. Only one goroutine
// drains at a time, so delivery order equals transition order and listeners
// may call back into the machine.
func (m *Machine) flush() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.pending) > 0 {
		n := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()
		m.bus.Publish(n)
		m.mu.Lock()
	}
	m.draining = false
	m.mu.Unlock()
}

func (m *Machine) stopTimersLocked() {
	m.sched.Cancel(pollTaskID)
	m.ext.StopAll()
}

// leaveLocked returns to Idle, keeping the persisted token.
func (m *Machine) leaveLocked() {
	m.stopTimersLocked()
	if m.st.Status == types.StatusIdle {
		return
	}
	m.transitionLocked(types.StatusIdle, resetState)
}

// navigateLocked records a hard-navigation intent and returns to Idle.
func (m *Machine) navigateLocked(target string) string {
	m.stopTimersLocked()
	if m.st.Status != types.StatusIdle {
		m.transitionLocked(types.StatusIdle, func(s *types.State) {
			resetState(s)
			s.RedirectURL = target
		})
	} else {
		m.st.RedirectURL = target
	}
	m.pending = append(m.pending, bus.Notification{Kind: bus.KindNavigate, URL: target, At: m.now()})
	return target
}

func (m *Machine) now() int64 { return m.clock.Now().UnixMilli() }

// cookieValidity maps a backend event id to its cookie validity.
func (m *Machine) cookieValidity(eventID string) int {
	for _, ev := range m.reg.Events() {
		if ev.EventID == eventID {
			return ev.CookieValidityMinutes
		}
	}
	return 0
}

func resetState(s *types.State) {
	s.CurrentEvent = ""
	s.Token = nil
	s.Error = nil
	s.Position = nil
	s.EstimatedWaitMinutes = nil
	s.RedirectURL = ""
}

func cloneState(s types.State) types.State {
	out := s
	if s.Token != nil {
		t := *s.Token
		out.Token = &t
	}
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	out.Position = cloneInt(s.Position)
	out.EstimatedWaitMinutes = cloneInt(s.EstimatedWaitMinutes)
	return out
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// carriedToken returns the token a page URL or its cookies carry back from
// the waiting room.
func carriedToken(pageURL string, cookies []*http.Cookie) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		u = nil
	}
	return tokenstore.Carried(u, cookies)
}
