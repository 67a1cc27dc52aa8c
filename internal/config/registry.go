package config

import (
	"errors"
	"fmt"

	"github.com/snehjoshi/queuegate/internal/types"
)

// Registry is the ordered, immutable set of queue-protected events.
//
// Declaration order is significant: when several events match the same path
// the first declared one wins. Events returns a copy, so callers can never
// mutate the registry after creation.
type Registry struct {
	events []types.EventConfig
	byKey  map[string]int
}

// NewRegistry validates events and builds a Registry from them.
func NewRegistry(events []types.EventConfig) (*Registry, error) {
	r := &Registry{
		events: make([]types.EventConfig, 0, len(events)),
		byKey:  make(map[string]int, len(events)),
	}
	for i, e := range events {
		if e.Key == "" {
			return nil, fmt.Errorf("events[%d].key must not be empty", i)
		}
		if _, dup := r.byKey[e.Key]; dup {
			return nil, fmt.Errorf("events[%d]: duplicate key %q", i, e.Key)
		}
		if e.EventID == "" {
			return nil, fmt.Errorf("events[%d] (%s): event_id must not be empty", i, e.Key)
		}
		if e.CookieValidityMinutes < 1 {
			return nil, fmt.Errorf("events[%d] (%s): cookie_validity_minutes must be at least 1", i, e.Key)
		}
		if e.ExtendIntervalMinutes < 0 {
			return nil, fmt.Errorf("events[%d] (%s): extend_interval_minutes must be >= 0", i, e.Key)
		}
		if len(e.Triggers) == 0 {
			return nil, fmt.Errorf("events[%d] (%s): at least one trigger is required", i, e.Key)
		}
		for j, tr := range e.Triggers {
			if tr.ValueToCompare == "" {
				return nil, fmt.Errorf("events[%d] (%s).triggers[%d]: value_to_compare must not be empty", i, e.Key, j)
			}
		}
		ec := e
		ec.Triggers = append([]types.TriggerRule(nil), e.Triggers...)
		r.byKey[e.Key] = len(r.events)
		r.events = append(r.events, ec)
	}
	return r, nil
}

// ErrUnknownEvent is returned by Registry.Lookup-based callers for keys that
// were never configured.
var ErrUnknownEvent = errors.New("config: unknown event")

// Events returns the events in declaration order.
func (r *Registry) Events() []types.EventConfig {
	out := make([]types.EventConfig, len(r.events))
	copy(out, r.events)
	return out
}

// Lookup returns the event registered under key.
func (r *Registry) Lookup(key string) (types.EventConfig, bool) {
	i, ok := r.byKey[key]
	if !ok {
		return types.EventConfig{}, false
	}
	return r.events[i], true
}

// Len returns the number of registered events.
func (r *Registry) Len() int { return len(r.events) }
