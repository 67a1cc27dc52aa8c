package sandbox_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/snehjoshi/queuegate/internal/config"
	"github.com/snehjoshi/queuegate/internal/metrics"
	"github.com/snehjoshi/queuegate/internal/sandbox"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type env struct {
	t   *testing.T
	srv *sandbox.Server
	ts  *httptest.Server
}

func sandboxConfig(events ...config.SandboxEvent) config.SandboxConfig {
	if len(events) == 0 {
		events = []config.SandboxEvent{{
			EventID:            "flash-sale-2024",
			QueueDomain:        "futuraforge.queue-it.net",
			Active:             true,
			Mode:               config.SandboxQueue,
			InitialPosition:    50,
			ReleasePerPoll:     10,
			MinutesPerPosition: 0.5,
		}}
	}
	return config.SandboxConfig{SigningKey: "test-key", Events: events}
}

func newEnv(t *testing.T, cfg config.SandboxConfig, opts ...sandbox.Option) *env {
	t.Helper()
	srv, err := sandbox.New(cfg, opts...)
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &env{t: t, srv: srv, ts: ts}
}

func (e *env) do(method, path string, body any, headers ...string) (int, map[string]any) {
	e.t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	if err != nil {
		e.t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (e *env) validate(eventID, token string) (int, map[string]any) {
	return e.do(http.MethodPost, "/api/queueit/validate", map[string]string{
		"eventId":      eventID,
		"queueitToken": token,
		"originalUrl":  "https://shop.example.com/flash-sale?ref=home",
	})
}

func (e *env) poll(eventID, token string) (int, map[string]any) {
	return e.do(http.MethodGet, "/api/queueit/position/"+eventID+"?queueitToken="+url.QueryEscape(token), nil)
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestValidate_QueuesThenReleasesFIFO(t *testing.T) {
	e := newEnv(t, sandboxConfig())

	code, body := e.validate("flash-sale-2024", "")
	if code != http.StatusOK {
		t.Fatalf("validate status = %d (%v)", code, body)
	}
	token, _ := body["queueId"].(string)
	if token == "" || body["redirect"] != false {
		t.Fatalf("expected queued reply, got %v", body)
	}
	if body["position"] != float64(50) || body["estimatedWaitTimeMinutes"] != float64(25) {
		t.Errorf("position/eta = %v/%v, want 50/25", body["position"], body["estimatedWaitTimeMinutes"])
	}

	for _, want := range []float64{40, 30, 20, 10} {
		code, body = e.poll("flash-sale-2024", token)
		if code != http.StatusOK || body["position"] != want {
			t.Fatalf("poll = %d %v, want position %v", code, body, want)
		}
	}

	_, body = e.poll("flash-sale-2024", token)
	redirect, _ := body["redirectUrl"].(string)
	u, err := url.Parse(redirect)
	if err != nil || u.Query().Get("queueit") != token || u.Path != "/flash-sale" || u.Query().Get("ref") != "home" {
		t.Fatalf("release redirect = %q", redirect)
	}

	// Coming back with the released token means entered.
	_, body = e.validate("flash-sale-2024", token)
	if body["redirect"] != false || body["queueId"] != nil {
		t.Errorf("released visitor should be entered, got %v", body)
	}
	if st := e.srv.Stats(); st.Enqueued != 1 || st.Released != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestValidate_LaterVisitorsQueueBehind(t *testing.T) {
	e := newEnv(t, sandboxConfig())
	_, first := e.validate("flash-sale-2024", "")
	_, second := e.validate("flash-sale-2024", "")
	if first["position"] != float64(50) || second["position"] != float64(51) {
		t.Fatalf("positions = %v, %v; want 50, 51", first["position"], second["position"])
	}

	// Re-validating a waiting token does not advance or re-enqueue.
	_, again := e.validate("flash-sale-2024", first["queueId"].(string))
	if again["queueId"] != first["queueId"] || again["position"] != float64(50) {
		t.Errorf("revalidate = %v", again)
	}
}

func TestValidate_CapacityExceeded(t *testing.T) {
	cfg := sandboxConfig()
	cfg.Events[0].Capacity = 1
	e := newEnv(t, cfg)

	if code, _ := e.validate("flash-sale-2024", ""); code != http.StatusOK {
		t.Fatalf("first validate = %d", code)
	}
	code, body := e.validate("flash-sale-2024", "")
	if code != http.StatusServiceUnavailable || body["code"] != "queue_full" {
		t.Fatalf("second validate = %d %v, want 503 queue_full", code, body)
	}
	if e.srv.Stats().Rejected != 1 {
		t.Error("rejection not counted")
	}
}

func TestValidate_Errors(t *testing.T) {
	e := newEnv(t, sandboxConfig())

	code, body := e.validate("nope", "")
	if code != http.StatusNotFound || body["code"] != "event_not_found" {
		t.Errorf("unknown event = %d %v", code, body)
	}
	code, body = e.validate("flash-sale-2024", "not-a-jwt")
	if code != http.StatusUnauthorized || body["code"] != "invalid_token" {
		t.Errorf("invalid token = %d %v", code, body)
	}
	code, _ = e.do(http.MethodPost, "/api/queueit/validate", map[string]string{})
	if code != http.StatusBadRequest {
		t.Errorf("missing eventId = %d, want 400", code)
	}
}

func TestValidate_ForeignSigningKeyRejected(t *testing.T) {
	other := newEnv(t, sandboxConfig())
	_, body := other.validate("flash-sale-2024", "")
	foreign := body["queueId"].(string)

	cfg := sandboxConfig()
	cfg.SigningKey = "different-key"
	e := newEnv(t, cfg)
	if code, _ := e.poll("flash-sale-2024", foreign); code != http.StatusUnauthorized {
		t.Fatalf("foreign token poll = %d, want 401", code)
	}
}

func TestValidate_RedirectMode(t *testing.T) {
	cfg := sandboxConfig()
	cfg.Events[0].Mode = config.SandboxRedirect
	e := newEnv(t, cfg, sandbox.WithCustomerID("futuraforge"))

	_, body := e.validate("flash-sale-2024", "")
	if body["redirect"] != true {
		t.Fatalf("expected redirect, got %v", body)
	}
	u, err := url.Parse(body["redirectUrl"].(string))
	if err != nil || u.Host != "futuraforge.queue-it.net" || u.Query().Get("c") != "futuraforge" || u.Query().Get("e") != "flash-sale-2024" {
		t.Errorf("waiting room url = %v", body["redirectUrl"])
	}
}

func TestStatus_ActiveAndInactive(t *testing.T) {
	cfg := sandboxConfig(
		config.SandboxEvent{EventID: "on", Active: true, Mode: config.SandboxQueue, InitialPosition: 1},
		config.SandboxEvent{EventID: "off", Active: false, Mode: config.SandboxQueue},
	)
	e := newEnv(t, cfg)

	_, on := e.do(http.MethodGet, "/api/queueit/status?eventId=on", nil)
	_, off := e.do(http.MethodGet, "/api/queueit/status?eventId=off", nil)
	if on["isActive"] != true || off["isActive"] != false {
		t.Fatalf("isActive on/off = %v/%v", on["isActive"], off["isActive"])
	}
	_, generic := e.do(http.MethodGet, "/api/queueit/status", nil)
	if _, has := generic["isActive"]; has {
		t.Error("status without eventId must not report isActive")
	}

	// Inactive events let visitors straight through.
	_, body := e.validate("off", "")
	if body["redirect"] != false || body["queueId"] != nil {
		t.Errorf("inactive validate = %v", body)
	}
}

func TestCancel_RemovesSession(t *testing.T) {
	e := newEnv(t, sandboxConfig())
	_, body := e.validate("flash-sale-2024", "")
	token := body["queueId"].(string)

	code, body := e.do(http.MethodPost, "/api/queueit/cancel", map[string]string{"eventId": "flash-sale-2024", "queueitToken": token})
	if code != http.StatusOK || body["actionType"] != "Cancel" {
		t.Fatalf("cancel = %d %v", code, body)
	}
	if code, body := e.poll("flash-sale-2024", token); code != http.StatusNotFound || body["code"] != "session_not_found" {
		t.Errorf("poll after cancel = %d %v", code, body)
	}
}

func TestExtendCookie(t *testing.T) {
	e := newEnv(t, sandboxConfig())
	_, body := e.validate("flash-sale-2024", "")
	token := body["queueId"].(string)

	code, body := e.do(http.MethodPost, "/api/queueit/extend-cookie", map[string]any{
		"eventId": "flash-sale-2024", "queueId": token, "cookieValidityMinutes": 20,
	})
	if code != http.StatusOK || body["message"] != "Queue cookie extended." {
		t.Fatalf("extend = %d %v", code, body)
	}
	code, _ = e.do(http.MethodPost, "/api/queueit/extend-cookie", map[string]any{
		"eventId": "flash-sale-2024", "queueId": token, "cookieValidityMinutes": 0,
	})
	if code != http.StatusBadRequest {
		t.Errorf("zero validity = %d, want 400", code)
	}
	code, _ = e.do(http.MethodPost, "/api/queueit/extend-cookie", map[string]any{
		"eventId": "flash-sale-2024", "queueId": "forged", "cookieValidityMinutes": 20,
	})
	if code != http.StatusUnauthorized {
		t.Errorf("forged queue id = %d, want 401", code)
	}
}

func TestSimulateEventAndReset(t *testing.T) {
	e := newEnv(t, sandboxConfig())
	_, body := e.validate("flash-sale-2024", "")
	token := body["queueId"].(string)

	off := false
	code, _ := e.do(http.MethodPost, "/api/queueit/simulate-event", map[string]any{"eventId": "flash-sale-2024", "active": off})
	if code != http.StatusOK {
		t.Fatalf("simulate-event = %d", code)
	}
	_, st := e.do(http.MethodGet, "/api/queueit/status?eventId=flash-sale-2024", nil)
	if st["isActive"] != false {
		t.Errorf("event should be inactive after simulate-event, got %v", st)
	}

	if code, _ := e.do(http.MethodPost, "/api/queueit/reset-test-state", nil); code != http.StatusOK {
		t.Fatalf("reset = %d", code)
	}
	_, st = e.do(http.MethodGet, "/api/queueit/status?eventId=flash-sale-2024", nil)
	if st["isActive"] != true {
		t.Error("reset must restore configured event settings")
	}
	if code, _ := e.poll("flash-sale-2024", token); code != http.StatusNotFound {
		t.Errorf("poll after reset = %d, want 404", code)
	}
}

func TestAuth_RequiresAPIKeyExceptHealth(t *testing.T) {
	e := newEnv(t, sandboxConfig(), sandbox.WithAPIKey("secret"))

	if code, _ := e.validate("flash-sale-2024", ""); code != http.StatusUnauthorized {
		t.Errorf("no key = %d, want 401", code)
	}
	code, _ := e.do(http.MethodPost, "/api/queueit/validate",
		map[string]string{"eventId": "flash-sale-2024"}, "X-Api-Key", "secret")
	if code != http.StatusOK {
		t.Errorf("with key = %d, want 200", code)
	}
	code, body := e.do(http.MethodGet, "/api/queueit/health", nil)
	if code != http.StatusOK || body["status"] != "UP" {
		t.Errorf("health = %d %v", code, body)
	}
}

func TestMetricsRoute(t *testing.T) {
	reg := metrics.New()
	e := newEnv(t, sandboxConfig(), sandbox.WithMetrics(reg))
	e.validate("flash-sale-2024", "")

	resp, err := http.Get(e.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), `queuegate_sandbox_waiting{event="flash-sale-2024"} 1`) {
		t.Error("waiting gauge missing from /metrics output")
	}
}

func TestNew_RequiresSigningKey(t *testing.T) {
	if _, err := sandbox.New(config.SandboxConfig{}); err == nil {
		t.Fatal("expected error for empty signing key")
	}
}
