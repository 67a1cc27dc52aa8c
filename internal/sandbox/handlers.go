package sandbox

import (
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/snehjoshi/queuegate/internal/config"
	"github.com/snehjoshi/queuegate/internal/ids"
	transphttp "github.com/snehjoshi/queuegate/internal/transport/http"
)

const (
	codeInvalidRequest  = "invalid_request"
	codeInvalidToken    = "invalid_token"
	codeEventNotFound   = "event_not_found"
	codeSessionNotFound = "session_not_found"
	codeQueueFull       = "queue_full"
)

type validateRequest struct {
	EventID     string `json:"eventId"`
	Token       string `json:"queueitToken"`
	OriginalURL string `json:"originalUrl"`
}

type validateResponse struct {
	Redirect             bool   `json:"redirect"`
	RedirectURL          string `json:"redirectUrl,omitempty"`
	QueueID              string `json:"queueId,omitempty"`
	Position             *int   `json:"position,omitempty"`
	EstimatedWaitMinutes *int   `json:"estimatedWaitTimeMinutes,omitempty"`
	EventID              string `json:"eventId"`
	ActionType           string `json:"actionType"`
	Timestamp            string `json:"timestamp"`
}

// ─── validate ────────────────────────────────────────────────────────────────

func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !transphttp.DecodeJSON(w, r, &req, false) {
		return
	}
	if req.EventID == "" {
		transphttp.WriteError(w, http.StatusBadRequest, codeInvalidRequest, "eventId is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.events[req.EventID]
	if !ok {
		transphttp.WriteError(w, http.StatusNotFound, codeEventNotFound, "unknown event "+req.EventID)
		return
	}
	resp := validateResponse{EventID: req.EventID, ActionType: "Queue", Timestamp: s.timestamp()}

	if !q.cfg.Active || q.cfg.Mode == config.SandboxPass {
		resp.ActionType = "Ignore"
		transphttp.WriteJSON(w, http.StatusOK, resp)
		return
	}

	if req.Token != "" {
		claims, err := s.signer.parse(req.Token)
		if err != nil || claims.EventID != req.EventID {
			transphttp.WriteError(w, http.StatusUnauthorized, codeInvalidToken, "invalid queue token")
			return
		}
		if v, ok := q.byID[claims.QueueID]; ok {
			if !v.released {
				s.fillQueued(&resp, q, v)
			}
			transphttp.WriteJSON(w, http.StatusOK, resp)
			return
		}
		// A well-signed token for a session this sandbox no longer knows
		// (e.g. after a restart) joins the queue afresh.
	}

	if q.cfg.Mode == config.SandboxRedirect {
		resp.Redirect = true
		resp.RedirectURL = waitingRoomURL(q.cfg, s.customerID, req.OriginalURL)
		transphttp.WriteJSON(w, http.StatusOK, resp)
		return
	}

	if q.full() {
		s.rejected.Inc()
		transphttp.WriteError(w, http.StatusServiceUnavailable, codeQueueFull, "the waiting room is full")
		return
	}

	now := s.clock.Now()
	queueID, err := ids.New(now)
	if err != nil {
		transphttp.WriteError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	token, err := s.signer.sign(queueID, req.EventID)
	if err != nil {
		transphttp.WriteError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	v := &visitor{queueID: queueID, token: token, targetURL: req.OriginalURL, joinedAt: now}
	q.join(v)
	s.enqueued.Inc()
	s.metrics.SetSandboxWaiting(req.EventID, q.waiting())

	s.fillQueued(&resp, q, v)
	transphttp.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) fillQueued(resp *validateResponse, q *eventQueue, v *visitor) {
	pos, eta := v.remaining, q.etaMinutes(v.remaining)
	resp.QueueID = v.token
	resp.Position = &pos
	resp.EstimatedWaitMinutes = &eta
}

// ─── position ────────────────────────────────────────────────────────────────

type positionResponse struct {
	RedirectURL          string `json:"redirectUrl,omitempty"`
	Position             *int   `json:"position,omitempty"`
	EstimatedWaitMinutes *int   `json:"estimatedWaitTimeMinutes,omitempty"`
}

func (s *Server) position(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventId")
	token := r.URL.Query().Get("queueitToken")

	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.events[eventID]
	if !ok {
		transphttp.WriteError(w, http.StatusNotFound, codeEventNotFound, "unknown event "+eventID)
		return
	}
	v, ok := s.lookupVisitor(w, q, eventID, token)
	if !ok {
		return
	}

	if !v.released {
		n := q.advance()
		s.released.Add(int64(n))
		s.metrics.AddSandboxReleased(eventID, n)
		s.metrics.SetSandboxWaiting(eventID, q.waiting())
	}
	if v.released {
		transphttp.WriteJSON(w, http.StatusOK, positionResponse{RedirectURL: releaseURL(v)})
		return
	}
	pos, eta := v.remaining, q.etaMinutes(v.remaining)
	transphttp.WriteJSON(w, http.StatusOK, positionResponse{Position: &pos, EstimatedWaitMinutes: &eta})
}

// lookupVisitor validates token against eventID and returns its session,
// writing the error reply itself when it fails. s.mu must be held.
func (s *Server) lookupVisitor(w http.ResponseWriter, q *eventQueue, eventID, token string) (*visitor, bool) {
	if token == "" {
		transphttp.WriteError(w, http.StatusBadRequest, codeInvalidRequest, "queueitToken is required")
		return nil, false
	}
	claims, err := s.signer.parse(token)
	if err != nil || claims.EventID != eventID {
		transphttp.WriteError(w, http.StatusUnauthorized, codeInvalidToken, "invalid queue token")
		return nil, false
	}
	v, ok := q.byID[claims.QueueID]
	if !ok {
		transphttp.WriteError(w, http.StatusNotFound, codeSessionNotFound, "no queue session for token")
		return nil, false
	}
	return v, true
}

// ─── cancel / extend ─────────────────────────────────────────────────────────

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !transphttp.DecodeJSON(w, r, &req, false) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.events[req.EventID]
	if !ok {
		transphttp.WriteError(w, http.StatusNotFound, codeEventNotFound, "unknown event "+req.EventID)
		return
	}
	if req.Token == "" {
		transphttp.WriteError(w, http.StatusBadRequest, codeInvalidRequest, "queueitToken is required")
		return
	}
	claims, err := s.signer.parse(req.Token)
	if err != nil || claims.EventID != req.EventID {
		transphttp.WriteError(w, http.StatusUnauthorized, codeInvalidToken, "invalid queue token")
		return
	}
	if q.remove(claims.QueueID) {
		s.canceled.Inc()
		s.metrics.SetSandboxWaiting(req.EventID, q.waiting())
	}
	transphttp.WriteJSON(w, http.StatusOK, map[string]any{
		"redirect":   false,
		"eventId":    req.EventID,
		"actionType": "Cancel",
		"timestamp":  s.timestamp(),
	})
}

type extendRequest struct {
	EventID               string `json:"eventId"`
	QueueID               string `json:"queueId"`
	CookieValidityMinutes int    `json:"cookieValidityMinutes"`
	CookieDomain          string `json:"cookieDomain"`
	IsCookieHTTPOnly      bool   `json:"isCookieHttpOnly"`
	IsCookieSecure        bool   `json:"isCookieSecure"`
}

func (s *Server) extendCookie(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if !transphttp.DecodeJSON(w, r, &req, false) {
		return
	}

	s.mu.Lock()
	_, ok := s.events[req.EventID]
	s.mu.Unlock()
	if !ok {
		transphttp.WriteError(w, http.StatusNotFound, codeEventNotFound, "unknown event "+req.EventID)
		return
	}
	if req.QueueID == "" || req.CookieValidityMinutes <= 0 {
		transphttp.WriteError(w, http.StatusBadRequest, codeInvalidRequest, "queueId and a positive cookieValidityMinutes are required")
		return
	}
	claims, err := s.signer.parse(req.QueueID)
	if err != nil || claims.EventID != req.EventID {
		transphttp.WriteError(w, http.StatusUnauthorized, codeInvalidToken, "invalid queue token")
		return
	}
	transphttp.WriteJSON(w, http.StatusOK, map[string]string{"message": "Queue cookie extended."})
}

// ─── status / health ─────────────────────────────────────────────────────────

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	eventID := r.URL.Query().Get("eventId")
	if eventID == "" {
		transphttp.WriteJSON(w, http.StatusOK, map[string]string{
			"status":    "QueueIt integration active",
			"timestamp": s.timestamp(),
		})
		return
	}

	s.mu.Lock()
	q, ok := s.events[eventID]
	var active bool
	if ok {
		active = q.cfg.Active && q.cfg.Mode != config.SandboxPass
	}
	s.mu.Unlock()
	if !ok {
		transphttp.WriteError(w, http.StatusNotFound, codeEventNotFound, "unknown event "+eventID)
		return
	}

	state := "inactive"
	if active {
		state = "active"
	}
	transphttp.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    state,
		"eventId":   eventID,
		"isActive":  active,
		"timestamp": s.timestamp(),
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	transphttp.WriteJSON(w, http.StatusOK, map[string]any{
		"status":     "UP",
		"service":    "queuegate-sandbox",
		"timestamp":  s.timestamp(),
		"customerId": s.customerID,
		"connector":  "queuegate-sandbox",
		"stats":      s.Stats(),
	})
}

// ─── test helpers ────────────────────────────────────────────────────────────

func (s *Server) sessionInfo(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("queueitToken")
	claims, err := s.signer.parse(token)
	if err != nil {
		transphttp.WriteError(w, http.StatusUnauthorized, codeInvalidToken, "invalid queue token")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.events[claims.EventID]
	if !ok {
		transphttp.WriteError(w, http.StatusNotFound, codeEventNotFound, "unknown event "+claims.EventID)
		return
	}
	v, ok := q.byID[claims.QueueID]
	if !ok {
		transphttp.WriteError(w, http.StatusNotFound, codeSessionNotFound, "no queue session for token")
		return
	}
	transphttp.WriteJSON(w, http.StatusOK, map[string]any{
		"eventId":  claims.EventID,
		"queueId":  v.queueID,
		"position": v.remaining,
		"released": v.released,
		"joinedAt": v.joinedAt.UTC().Format(time.RFC3339),
	})
}

type simulateRequest struct {
	EventID string             `json:"eventId"`
	Active  *bool              `json:"active"`
	Mode    config.SandboxMode `json:"mode"`
}

func (s *Server) simulateEvent(w http.ResponseWriter, r *http.Request) {
	var req simulateRequest
	if !transphttp.DecodeJSON(w, r, &req, false) {
		return
	}
	switch req.Mode {
	case "", config.SandboxQueue, config.SandboxRedirect, config.SandboxPass:
	default:
		transphttp.WriteError(w, http.StatusBadRequest, codeInvalidRequest, "unknown mode "+string(req.Mode))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.events[req.EventID]
	if !ok {
		transphttp.WriteError(w, http.StatusNotFound, codeEventNotFound, "unknown event "+req.EventID)
		return
	}
	if req.Active != nil {
		q.cfg.Active = *req.Active
	}
	if req.Mode != "" {
		q.cfg.Mode = req.Mode
	}
	transphttp.WriteJSON(w, http.StatusOK, map[string]any{
		"eventId": req.EventID,
		"active":  q.cfg.Active,
		"mode":    q.cfg.Mode,
	})
}

func (s *Server) resetTestState(w http.ResponseWriter, _ *http.Request) {
	s.Reset()
	transphttp.WriteJSON(w, http.StatusOK, map[string]string{"message": "sandbox state reset"})
}

// ─── URLs ────────────────────────────────────────────────────────────────────

// waitingRoomURL is the vendor-style waiting page for redirect mode.
func waitingRoomURL(ev config.SandboxEvent, customerID, target string) string {
	q := url.Values{}
	q.Set("c", customerID)
	q.Set("e", ev.EventID)
	if target != "" {
		q.Set("t", target)
	}
	return (&url.URL{Scheme: "https", Host: ev.QueueDomain, Path: "/", RawQuery: q.Encode()}).String()
}

// releaseURL sends a released visitor back to its target with the token
// attached as the queueit parameter.
func releaseURL(v *visitor) string {
	u, err := url.Parse(v.targetURL)
	if err != nil || v.targetURL == "" {
		u = &url.URL{Path: "/"}
	}
	q := u.Query()
	q.Set("queueit", v.token)
	u.RawQuery = q.Encode()
	return u.String()
}
