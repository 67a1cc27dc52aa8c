package sandbox

import (
	"math"
	"time"

	"github.com/snehjoshi/queuegate/internal/config"
)

// visitor is one waiting-room session.
type visitor struct {
	queueID   string
	token     string
	targetURL string
	joinedAt  time.Time
	// remaining is the visitor's position; it reaches 0 on release.
	remaining int
	released  bool
}

// eventQueue is the FIFO for one sandbox event.
//
// Release rule: every poll against the event advances every waiting visitor
// by ReleasePerPoll positions. Visitors join behind everyone already waiting,
// so order is preserved.
type eventQueue struct {
	cfg   config.SandboxEvent
	order []*visitor // waiting visitors, join order
	byID  map[string]*visitor
}

func newEventQueue(cfg config.SandboxEvent) *eventQueue {
	return &eventQueue{cfg: cfg, byID: make(map[string]*visitor)}
}

func (q *eventQueue) waiting() int { return len(q.order) }

func (q *eventQueue) full() bool {
	return q.cfg.Capacity > 0 && len(q.order) >= q.cfg.Capacity
}

// join appends a visitor. Its position is InitialPosition behind the last
// waiting visitor's current position, or InitialPosition if nobody waits.
func (q *eventQueue) join(v *visitor) {
	pos := q.cfg.InitialPosition
	if pos < 1 {
		pos = 1
	}
	if n := len(q.order); n > 0 {
		if last := q.order[n-1].remaining + 1; last > pos {
			pos = last
		}
	}
	v.remaining = pos
	q.order = append(q.order, v)
	q.byID[v.queueID] = v
}

// advance moves the queue forward and returns the number of visitors
// released by this step.
func (q *eventQueue) advance() int {
	step := q.cfg.ReleasePerPoll
	if step <= 0 {
		return 0
	}
	released := 0
	kept := q.order[:0]
	for _, v := range q.order {
		v.remaining -= step
		if v.remaining <= 0 {
			v.remaining = 0
			v.released = true
			released++
			continue
		}
		kept = append(kept, v)
	}
	for i := len(kept); i < len(q.order); i++ {
		q.order[i] = nil
	}
	q.order = kept
	return released
}

func (q *eventQueue) remove(queueID string) bool {
	v, ok := q.byID[queueID]
	if !ok {
		return false
	}
	delete(q.byID, queueID)
	for i, w := range q.order {
		if w == v {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return true
}

func (q *eventQueue) etaMinutes(pos int) int {
	return int(math.Ceil(float64(pos) * q.cfg.MinutesPerPosition))
}
