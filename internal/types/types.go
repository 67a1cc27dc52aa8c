// Package types contains the core domain types shared across all queuegate
// internal packages. It has zero imports of other queuegate packages so that
// the config, trigger, token store and state machine layers can all depend on
// it without creating import cycles.
package types

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of the admission state machine.
type Status uint8

const (
	// StatusIdle means no admission cycle is running.
	StatusIdle Status = iota
	// StatusQueuing means a navigation matched a trigger and the admission
	// check is in flight.
	StatusQueuing
	// StatusQueued means the backend placed the visitor in the queue and a
	// token was issued.
	StatusQueued
	// StatusEntered means the visitor may proceed to the protected resource.
	StatusEntered
	// StatusError means the cycle failed. Recoverable through an explicit retry.
	StatusError
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusQueuing:
		return "queuing"
	case StatusQueued:
		return "queued"
	case StatusEntered:
		return "entered"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status as its string form in JSON payloads.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses the string form written by MarshalText.
func (s *Status) UnmarshalText(b []byte) error {
	for st := StatusIdle; st <= StatusError; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("types: unknown status %q", b)
}

// Operator is the comparison applied by a trigger rule.
type Operator string

const (
	OperatorContains   Operator = "Contains"
	OperatorEquals     Operator = "Equals"
	OperatorStartsWith Operator = "StartsWith"
)

// URLPart selects which part of the navigation URL a rule compares against.
type URLPart string

// URLPartPageURL compares against the page path. It is the only part
// currently supported; any other value never matches.
const URLPartPageURL URLPart = "PageUrl"

// TriggerRule decides whether a navigation path is protected by an event.
type TriggerRule struct {
	Operator       Operator `yaml:"operator" json:"operator"`
	ValueToCompare string   `yaml:"value_to_compare" json:"valueToCompare"`
	URLPart        URLPart  `yaml:"url_part" json:"urlPart"`
	IsIgnoreCase   bool     `yaml:"is_ignore_case" json:"isIgnoreCase"`
}

// EventConfig is the static configuration of one queue-protected event.
//
// Events are immutable after the config is loaded. Key is the registry key
// (e.g. "flashSale"); EventID is the identifier the backend knows
// (e.g. "flash-sale-2024").
type EventConfig struct {
	Key                   string        `yaml:"key" json:"key"`
	EventID               string        `yaml:"event_id" json:"eventId"`
	QueueDomain           string        `yaml:"queue_domain" json:"queueDomain"`
	CookieValidityMinutes int           `yaml:"cookie_validity_minutes" json:"cookieValidityMinutes"`
	ExtendCookieValidity  bool          `yaml:"extend_cookie_validity" json:"extendCookieValidity"`
	ExtendIntervalMinutes int           `yaml:"extend_interval_minutes" json:"extendIntervalMinutes,omitempty"`
	Triggers              []TriggerRule `yaml:"triggers" json:"triggers"`
}

// ExtendInterval is how often the cookie extension runs for this event.
// An unset interval defaults to half the cookie validity, never below one
// minute.
func (e EventConfig) ExtendInterval() time.Duration {
	m := e.ExtendIntervalMinutes
	if m <= 0 {
		m = e.CookieValidityMinutes / 2
	}
	if m < 1 {
		m = 1
	}
	return time.Duration(m) * time.Minute
}

// Token is a queue admission token issued by the backend.
//
// IssuedAt is UTC milliseconds since the Unix epoch. A token is valid iff
// now - IssuedAt < validity window.
type Token struct {
	Value    string `json:"value"`
	IssuedAt int64  `json:"issuedAt"`
}

// IsZero reports whether t carries no value.
func (t Token) IsZero() bool { return t.Value == "" }

// Expired reports whether the token is past its validity window at nowMs.
func (t Token) Expired(nowMs int64, validity time.Duration) bool {
	return nowMs-t.IssuedAt >= validity.Milliseconds()
}

// ErrorKind classifies failures surfaced by the state machine.
type ErrorKind string

const (
	ErrorNetwork        ErrorKind = "network_error"
	ErrorConfiguration  ErrorKind = "configuration_error"
	ErrorAuthentication ErrorKind = "authentication_error"
	ErrorQueueFull      ErrorKind = "queue_full"
	ErrorEventNotFound  ErrorKind = "event_not_found"
)

// QueueError is the single current error held by the state machine.
type QueueError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	// At is UTC milliseconds since the Unix epoch.
	At int64 `json:"at"`
}

func (e *QueueError) Error() string { return string(e.Kind) + ": " + e.Message }

// State is a read-only view of the state machine at one point in time.
//
// CurrentEvent is set whenever Status is Queuing, Queued or Error. Token is
// present only while Queued, or Entered with a retained token. Position and
// EstimatedWaitMinutes are only meaningful while Queued.
type State struct {
	Status               Status      `json:"status"`
	CurrentEvent         string      `json:"currentEvent,omitempty"`
	Token                *Token      `json:"token,omitempty"`
	Error                *QueueError `json:"error,omitempty"`
	Position             *int        `json:"position,omitempty"`
	EstimatedWaitMinutes *int        `json:"estimatedWaitMinutes,omitempty"`
	// RedirectURL is the last hard-navigation intent, if any.
	RedirectURL string `json:"redirectUrl,omitempty"`
	// Generation increases every time a cycle starts or is abandoned.
	Generation uint64 `json:"generation"`
	// Seq increases by one on every transition. A state with a lower Seq is
	// older, whatever order it was delivered in.
	Seq uint64 `json:"seq"`
}
