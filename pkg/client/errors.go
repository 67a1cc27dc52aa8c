package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
)

// Kind classifies a failed call. The values match the state machine's error
// taxonomy so callers can store them verbatim.
type Kind string

const (
	KindNetwork        Kind = "network_error"
	KindConfiguration  Kind = "configuration_error"
	KindAuthentication Kind = "authentication_error"
	KindQueueFull      Kind = "queue_full"
	KindEventNotFound  Kind = "event_not_found"
)

// CodeQueueFull is the error code the backend sends with a 429 or 503 when
// the waiting room cannot take more visitors.
const CodeQueueFull = "queue_full"

// Error is returned by every Client method that fails. Transport failures
// have StatusCode 0.
type Error struct {
	Kind       Kind
	StatusCode int
	// Code is the machine-readable "code" field of the error body, if any.
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("queueit: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("queueit: %s (%d): %s", e.Kind, e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the taxonomy kind of err. Errors that did not come from a
// Client are reported as KindNetwork; a nil error yields "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindNetwork
}

// IsNotFound reports whether err is an event_not_found failure.
func IsNotFound(err error) bool { return KindOf(err) == KindEventNotFound }

// IsQueueFull reports whether err is a queue_full failure.
func IsQueueFull(err error) bool { return KindOf(err) == KindQueueFull }

// errorBody is the JSON error envelope the backend sends with non-2xx
// statuses.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// mapResponse turns a non-2xx response into an *Error. It runs as resty's
// OnAfterResponse hook.
func mapResponse(_ *resty.Client, resp *resty.Response) error {
	if resp.IsSuccess() {
		return nil
	}
	var body errorBody
	_ = json.Unmarshal(resp.Body(), &body)
	msg := body.Error
	if msg == "" {
		msg = http.StatusText(resp.StatusCode())
	}
	return &Error{
		Kind:       classify(resp.StatusCode(), body.Code),
		StatusCode: resp.StatusCode(),
		Code:       body.Code,
		Message:    msg,
	}
}

func classify(status int, code string) Kind {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return KindConfiguration
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuthentication
	case http.StatusNotFound:
		return KindEventNotFound
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		if code == CodeQueueFull {
			return KindQueueFull
		}
	}
	return KindNetwork
}

func networkError(msg string, err error) *Error {
	return &Error{Kind: KindNetwork, Message: fmt.Sprintf("%s: %v", msg, err), Err: err}
}
