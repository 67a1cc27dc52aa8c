// Package client is the Go SDK for the Queue-it connector API served under
// /api/queueit.
//
// # Quick start
//
//	c := client.New("http://localhost:8080", client.WithAPIKey("secret"))
//
//	res, err := c.RequestAdmission(ctx, client.AdmissionRequest{
//	    EventID:   "flash-sale-2024",
//	    TargetURL: "https://shop.example.com/flash-sale",
//	})
//	switch res.Outcome {
//	case client.OutcomeRedirect: // send the browser to res.RedirectURL
//	case client.OutcomeQueued:   // keep res.QueueID as the token
//	case client.OutcomeEntered:  // proceed
//	}
//
// # Error handling
//
// Every failing method returns an *Error whose Kind is one of the
// network_error, configuration_error, authentication_error, queue_full or
// event_not_found values. KindOf(err) extracts it.
//
// Each method performs exactly one HTTP round trip; the client never retries.
// CheckEventActive is the only fail-open call: any failure reads as "not
// active".
//
// Client is safe for concurrent use.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const defaultUserAgent = "queuegate-go-sdk/1.0"

// ─── Client options ───────────────────────────────────────────────────────────

// Option configures a Client.
type Option func(*settings)

type settings struct {
	apiKey    string
	timeout   time.Duration
	hc        *http.Client
	userAgent string
}

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
func WithAPIKey(key string) Option {
	return func(s *settings) { s.apiKey = key }
}

// WithTimeout sets the per-request timeout. The default is 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithHTTPClient replaces the underlying http.Client, for TLS, proxies or
// tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *settings) { s.hc = hc }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(s *settings) { s.userAgent = ua }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client talks to one backend.
type Client struct {
	rc      *resty.Client
	baseURL string
}

// New creates a Client for the backend at baseURL.
func New(baseURL string, opts ...Option) *Client {
	s := &settings{timeout: 30 * time.Second, userAgent: defaultUserAgent}
	for _, o := range opts {
		o(s)
	}

	var rc *resty.Client
	if s.hc != nil {
		rc = resty.NewWithClient(s.hc)
	} else {
		rc = resty.New()
	}
	rc.SetBaseURL(baseURL).
		SetTimeout(s.timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", s.userAgent).
		SetHeader("Accept", "application/json")

	apiKey := s.apiKey
	rc.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		req.SetHeader("X-Request-Id", uuid.NewString())
		if apiKey != "" {
			req.SetHeader("X-Api-Key", apiKey)
		}
		return nil
	})
	rc.OnAfterResponse(mapResponse)

	return &Client{rc: rc, baseURL: baseURL}
}

// BaseURL returns the backend URL the client was created with.
func (c *Client) BaseURL() string { return c.baseURL }

// ─── Domain types ─────────────────────────────────────────────────────────────

// EventStatus is the reply of GET /status.
type EventStatus struct {
	Status    string `json:"status"`
	EventID   string `json:"eventId,omitempty"`
	IsActive  bool   `json:"isActive"`
	Timestamp string `json:"timestamp,omitempty"`
}

// AdmissionRequest asks the backend whether a visitor may enter EventID.
type AdmissionRequest struct {
	EventID string `json:"eventId"`
	// Token is the previously issued queue token, if any.
	Token     string `json:"queueitToken,omitempty"`
	TargetURL string `json:"originalUrl"`
}

// Outcome is the single result of an admission round trip.
type Outcome string

const (
	// OutcomeRedirect: hard-navigate to RedirectURL (the waiting page).
	OutcomeRedirect Outcome = "redirect"
	// OutcomeQueued: persist QueueID as the new token.
	OutcomeQueued Outcome = "queued"
	// OutcomeEntered: no queue is required right now.
	OutcomeEntered Outcome = "entered"
)

// AdmissionResult is the decoded reply of POST /validate.
type AdmissionResult struct {
	Outcome              Outcome
	RedirectURL          string
	QueueID              string
	Position             *int
	EstimatedWaitMinutes *int
	EventID              string
	ActionType           string
}

type validateResponse struct {
	Redirect             bool   `json:"redirect"`
	RedirectURL          string `json:"redirectUrl"`
	QueueID              string `json:"queueId"`
	Position             *int   `json:"position"`
	EstimatedWaitMinutes *int   `json:"estimatedWaitTimeMinutes"`
	Entered              bool   `json:"entered"`
	EventID              string `json:"eventId"`
	ActionType           string `json:"actionType"`
}

// PollResult is the reply of GET /position/{eventId}. A non-empty
// RedirectURL means the visitor has been released.
type PollResult struct {
	RedirectURL          string `json:"redirectUrl,omitempty"`
	Position             *int   `json:"position,omitempty"`
	EstimatedWaitMinutes *int   `json:"estimatedWaitTimeMinutes,omitempty"`
}

// Released reports whether the poll granted admission.
func (p *PollResult) Released() bool { return p.RedirectURL != "" }

// ExtendRequest refreshes the queue cookie for QueueID.
type ExtendRequest struct {
	EventID               string `json:"eventId"`
	QueueID               string `json:"queueId"`
	CookieValidityMinutes int    `json:"cookieValidityMinutes"`
	CookieDomain          string `json:"cookieDomain,omitempty"`
	IsCookieHTTPOnly      bool   `json:"isCookieHttpOnly"`
	IsCookieSecure        bool   `json:"isCookieSecure"`
}

// CancelResult is the reply of POST /cancel.
type CancelResult struct {
	Redirect    bool   `json:"redirect"`
	RedirectURL string `json:"redirectUrl,omitempty"`
	EventID     string `json:"eventId,omitempty"`
	ActionType  string `json:"actionType,omitempty"`
}

// HealthInfo is the reply of GET /health.
type HealthInfo struct {
	Status     string `json:"status"`
	Service    string `json:"service"`
	Timestamp  string `json:"timestamp"`
	CustomerID string `json:"customerId"`
	Connector  string `json:"connector"`
}

// ─── Operations ───────────────────────────────────────────────────────────────

// Status returns the raw event status reply.
func (c *Client) Status(ctx context.Context, eventID string) (*EventStatus, error) {
	var out EventStatus
	req := c.rc.R().SetContext(ctx).SetQueryParam("eventId", eventID)
	if err := c.do(req, http.MethodGet, "/api/queueit/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckEventActive reports whether eventID currently enforces a queue. Any
// failure, including a reply without isActive, yields IsActive=false.
func (c *Client) CheckEventActive(ctx context.Context, eventID string) EventStatus {
	st, err := c.Status(ctx, eventID)
	if err != nil {
		slog.Warn("queueit: status check failed, treating event as inactive", "event", eventID, "err", err)
		return EventStatus{EventID: eventID}
	}
	return *st
}

// RequestAdmission runs one validate round trip.
func (c *Client) RequestAdmission(ctx context.Context, ar AdmissionRequest) (*AdmissionResult, error) {
	var vr validateResponse
	req := c.rc.R().SetContext(ctx).SetBody(ar)
	if err := c.do(req, http.MethodPost, "/api/queueit/validate", &vr); err != nil {
		return nil, err
	}

	res := &AdmissionResult{
		RedirectURL:          vr.RedirectURL,
		QueueID:              vr.QueueID,
		Position:             vr.Position,
		EstimatedWaitMinutes: vr.EstimatedWaitMinutes,
		EventID:              vr.EventID,
		ActionType:           vr.ActionType,
	}
	switch {
	case vr.Redirect && vr.RedirectURL == "":
		return nil, &Error{Kind: KindNetwork, StatusCode: http.StatusOK, Message: "malformed validate reply: redirect without redirectUrl"}
	case vr.Redirect:
		res.Outcome = OutcomeRedirect
	case vr.QueueID != "":
		res.Outcome = OutcomeQueued
	default:
		res.Outcome = OutcomeEntered
	}
	return res, nil
}

// PollPosition asks for the current queue position of token.
func (c *Client) PollPosition(ctx context.Context, eventID, token string) (*PollResult, error) {
	var out PollResult
	req := c.rc.R().SetContext(ctx).SetQueryParam("queueitToken", token)
	if err := c.do(req, http.MethodGet, "/api/queueit/position/"+url.PathEscape(eventID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExtendCookie refreshes the queue cookie validity.
func (c *Client) ExtendCookie(ctx context.Context, er ExtendRequest) error {
	req := c.rc.R().SetContext(ctx).SetBody(er)
	return c.do(req, http.MethodPost, "/api/queueit/extend-cookie", nil)
}

// Cancel ends the visitor's queue session for eventID.
func (c *Client) Cancel(ctx context.Context, eventID, token string) (*CancelResult, error) {
	var out CancelResult
	req := c.rc.R().SetContext(ctx).SetBody(map[string]string{
		"eventId":      eventID,
		"queueitToken": token,
	})
	if err := c.do(req, http.MethodPost, "/api/queueit/cancel", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health returns the connector health reply.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var out HealthInfo
	if err := c.do(c.rc.R().SetContext(ctx), http.MethodGet, "/api/queueit/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ─── internal ─────────────────────────────────────────────────────────────────

// do executes req and decodes a 2xx JSON body into out (when non-nil).
func (c *Client) do(req *resty.Request, method, path string, out any) error {
	if req.Body != nil {
		req.SetHeader("Content-Type", "application/json")
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		var ce *Error
		if errors.As(err, &ce) {
			return ce
		}
		return networkError(method+" "+path, err)
	}
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return &Error{Kind: KindNetwork, StatusCode: resp.StatusCode(), Message: "decode response: " + err.Error(), Err: err}
	}
	return nil
}
