package gate

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/snehjoshi/queuegate/internal/config"
	"github.com/snehjoshi/queuegate/internal/trigger"
	"github.com/snehjoshi/queuegate/internal/types"
	"github.com/snehjoshi/queuegate/pkg/client"
)

// cycle is one admission check in flight.
type cycle struct {
	gen     uint64
	ev      types.EventConfig
	pageURL string
	// token is the token sent to validate; zero when the visitor has none.
	token types.Token
}

// Navigate evaluates pageURL against the triggers.
//
// A match from Idle or Entered runs an admission cycle and returns once it
// resolved. A match for the event already queuing or queued is a no-op,
// unless the URL carries a token back from the waiting room, which starts a
// re-validation. A match for another event fails with ErrCycleInProgress. A
// navigation that matches nothing leaves the current cycle. Navigations are
// ignored while in Error until Retry.
//
// Backend failures are recorded in the state, not returned.
func (m *Machine) Navigate(ctx context.Context, pageURL string, cookies ...*http.Cookie) error {
	carried := carriedToken(pageURL, cookies)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.st.Status == types.StatusError {
		m.mu.Unlock()
		slog.Debug("gate: navigation ignored in error state", "url", pageURL)
		return nil
	}
	m.lastURL, m.lastKey = pageURL, ""
	if !m.cfg.Development.Enabled {
		m.mu.Unlock()
		return nil
	}

	key, ok := trigger.MatchURL(pageURL, m.reg.Events())
	if !ok {
		if m.st.Status != types.StatusIdle {
			m.generation.Inc()
			m.leaveLocked()
		}
		m.mu.Unlock()
		m.flush()
		return nil
	}
	ev, _ := m.reg.Lookup(key)
	c, err := m.startLocked(ctx, ev, pageURL, carried)
	m.mu.Unlock()
	m.flush()
	if err != nil || c == nil {
		return err
	}
	m.run(ctx, c)
	return nil
}

// Trigger runs an admission cycle for the event registered under key
// regardless of the current URL.
func (m *Machine) Trigger(ctx context.Context, key string) error {
	ev, ok := m.reg.Lookup(key)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, key)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.st.Status == types.StatusError || !m.cfg.Development.Enabled {
		m.mu.Unlock()
		return nil
	}
	m.lastKey = key
	c, err := m.startLocked(ctx, ev, m.lastURL, "")
	m.mu.Unlock()
	m.flush()
	if err != nil || c == nil {
		return err
	}
	m.run(ctx, c)
	return nil
}

// Retry clears the error and reruns the whole cycle for the last navigation
// or trigger.
func (m *Machine) Retry(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.st.Status != types.StatusError {
		m.mu.Unlock()
		return ErrNotFailed
	}
	m.generation.Inc()
	m.transitionLocked(types.StatusIdle, resetState)
	pageURL, key := m.lastURL, m.lastKey
	m.mu.Unlock()
	m.flush()

	if key != "" {
		return m.Trigger(ctx, key)
	}
	return m.Navigate(ctx, pageURL)
}

// Poll asks the backend for the current position once. A released visitor's
// token is purged and the machine navigates to the returned URL.
func (m *Machine) Poll(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.st.Status != types.StatusQueued || m.st.Token == nil {
		m.mu.Unlock()
		return ErrNotQueued
	}
	gen := m.generation.Load()
	eventID, token := m.tokenEvent, m.st.Token.Value
	m.mu.Unlock()

	res, err := m.adm.PollPosition(ctx, eventID, token)
	m.apply(gen, func() string {
		if m.st.Status != types.StatusQueued {
			return ""
		}
		if err != nil {
			m.metrics.ObserveAdmission("position", string(client.KindOf(err)))
			m.failLocked(err)
			return ""
		}
		if res.Released() {
			m.metrics.ObserveAdmission("position", "released")
			m.tokens.Clear(ctx)
			m.tokenEvent = ""
			return m.navigateLocked(res.RedirectURL)
		}
		m.metrics.ObserveAdmission("position", "waiting")
		m.transitionLocked(types.StatusQueued, func(s *types.State) {
			if res.Position != nil {
				s.Position = cloneInt(res.Position)
			}
			if res.EstimatedWaitMinutes != nil {
				s.EstimatedWaitMinutes = cloneInt(res.EstimatedWaitMinutes)
			}
		})
		return ""
	})
	return nil
}

// Bypass forces Entered and stops every timer. It only works when
// development.bypass_queue is set and reports whether it did anything.
func (m *Machine) Bypass() bool {
	if !m.cfg.Development.BypassQueue {
		slog.Warn("gate: bypass requested but development.bypass_queue is off")
		return false
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.generation.Inc()
	m.stopTimersLocked()
	if m.st.Status != types.StatusEntered {
		m.transitionLocked(types.StatusEntered, resetState)
	}
	m.mu.Unlock()
	m.flush()
	slog.Warn("gate: queue bypassed")
	return true
}

// Cancel ends the queue session: the backend is told, the token is purged
// and the machine returns to Idle. If the backend answers with a redirect the
// machine navigates there.
func (m *Machine) Cancel(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.st.Token == nil {
		m.mu.Unlock()
		return ErrNotQueued
	}
	eventID, token := m.tokenEvent, m.st.Token.Value
	gen := m.generation.Inc()
	m.leaveLocked()
	m.tokenEvent = ""
	m.tokens.Clear(ctx)
	m.mu.Unlock()
	m.flush()

	res, err := m.adm.Cancel(ctx, eventID, token)
	if err != nil {
		m.metrics.ObserveAdmission("cancel", string(client.KindOf(err)))
		return fmt.Errorf("gate: cancel %s: %w", eventID, err)
	}
	m.metrics.ObserveAdmission("cancel", "ok")
	if res.Redirect && res.RedirectURL != "" {
		m.apply(gen, func() string { return m.navigateLocked(res.RedirectURL) })
	}
	return nil
}

// Leave abandons the current cycle: timers stop, in-flight results are
// dropped and the machine returns to Idle. The persisted token is kept.
func (m *Machine) Leave() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.generation.Inc()
	m.leaveLocked()
	m.mu.Unlock()
	m.flush()
}

// ─── cycle internals ─────────────────────────────────────────────────────────

// startLocked moves to Queuing for ev, or returns a nil cycle when the
// navigation is a no-op.
func (m *Machine) startLocked(ctx context.Context, ev types.EventConfig, pageURL, carried string) (*cycle, error) {
	switch m.st.Status {
	case types.StatusQueuing, types.StatusQueued:
		if m.st.CurrentEvent != ev.Key {
			return nil, fmt.Errorf("%w: %s", ErrCycleInProgress, m.st.CurrentEvent)
		}
		if m.st.Status == types.StatusQueuing || carried == "" {
			return nil, nil
		}
	case types.StatusError:
		return nil, nil
	}

	m.stopTimersLocked()
	var tok types.Token
	if carried != "" {
		tok = m.tokens.Write(ctx, carried)
	} else if t, ok := m.tokens.Read(ctx); ok {
		tok = t
	}

	gen := m.generation.Inc()
	m.transitionLocked(types.StatusQueuing, func(s *types.State) {
		resetState(s)
		s.CurrentEvent = ev.Key
	})
	slog.Info("gate: admission check", "event", ev.Key, "event_id", ev.EventID, "has_token", !tok.IsZero())
	return &cycle{gen: gen, ev: ev, pageURL: pageURL, token: tok}, nil
}

// run performs the backend round trips of c and applies the outcome.
func (m *Machine) run(ctx context.Context, c *cycle) {
	status := m.adm.CheckEventActive(ctx, c.ev.EventID)
	if !status.IsActive {
		m.metrics.ObserveAdmission("status", "inactive")
		m.apply(c.gen, func() string {
			m.enterLocked(c.ev, types.Token{})
			return ""
		})
		return
	}
	m.metrics.ObserveAdmission("status", "active")

	// Validate takes a queue slot, so an abandoned cycle must not send it.
	if !m.current(c.gen) {
		slog.Debug("gate: cycle abandoned before validate", "event", c.ev.Key, "generation", c.gen)
		return
	}

	res, err := m.adm.RequestAdmission(ctx, client.AdmissionRequest{
		EventID:   c.ev.EventID,
		Token:     c.token.Value,
		TargetURL: c.pageURL,
	})
	m.apply(c.gen, func() string {
		if err != nil {
			m.metrics.ObserveAdmission("validate", string(client.KindOf(err)))
			m.failLocked(err)
			return ""
		}
		m.metrics.ObserveAdmission("validate", string(res.Outcome))
		switch res.Outcome {
		case client.OutcomeRedirect:
			return m.navigateLocked(res.RedirectURL)
		case client.OutcomeQueued:
			m.queueLocked(ctx, c.ev, res)
		default:
			m.enterLocked(c.ev, c.token)
		}
		return ""
	})
}

// current reports whether gen is still the live cycle of an open machine.
func (m *Machine) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && gen == m.generation.Load()
}

// apply runs fn under the lock if gen is still current, then publishes and
// performs the navigation fn returned, if any.
func (m *Machine) apply(gen uint64, fn func() (navigateTo string)) bool {
	m.mu.Lock()
	if m.closed || gen != m.generation.Load() {
		m.mu.Unlock()
		slog.Debug("gate: dropping stale result", "generation", gen)
		return false
	}
	target := fn()
	m.mu.Unlock()
	m.flush()
	if target != "" && m.nav != nil {
		m.nav.Navigate(target)
	}
	return true
}

func (m *Machine) queueLocked(ctx context.Context, ev types.EventConfig, res *client.AdmissionResult) {
	tok := m.tokens.Write(ctx, res.QueueID)
	m.tokenEvent = ev.EventID
	ok := m.transitionLocked(types.StatusQueued, func(s *types.State) {
		s.Token = &tok
		s.Position = cloneInt(res.Position)
		s.EstimatedWaitMinutes = cloneInt(res.EstimatedWaitMinutes)
	})
	if !ok {
		return
	}
	if m.cfg.Admission.Mode == config.ModePoll {
		m.sched.ScheduleEvery(pollTaskID, m.cfg.Admission.PollIntervalDuration(), m.Poll)
	}
	if ev.ExtendCookieValidity {
		m.ext.Start(ev.EventID, tok.Value, ev.ExtendInterval())
	}
}

// enterLocked admits the visitor, retaining tok when one was validated.
func (m *Machine) enterLocked(ev types.EventConfig, tok types.Token) {
	ok := m.transitionLocked(types.StatusEntered, func(s *types.State) {
		resetState(s)
		if !tok.IsZero() {
			t := tok
			s.Token = &t
		}
	})
	if !ok {
		return
	}
	if tok.IsZero() {
		m.tokenEvent = ""
		return
	}
	m.tokenEvent = ev.EventID
	if ev.ExtendCookieValidity {
		m.ext.Start(ev.EventID, tok.Value, ev.ExtendInterval())
	}
}

func (m *Machine) failLocked(err error) {
	m.stopTimersLocked()
	qe := &types.QueueError{
		Kind:    types.ErrorKind(client.KindOf(err)),
		Message: err.Error(),
		At:      m.now(),
	}
	m.metrics.ObserveError(qe.Kind)
	slog.Warn("gate: admission failed", "event", m.st.CurrentEvent, "kind", qe.Kind, "err", err)
	m.transitionLocked(types.StatusError, func(s *types.State) {
		s.Error = qe
		s.Token = nil
		s.Position = nil
		s.EstimatedWaitMinutes = nil
	})
}
