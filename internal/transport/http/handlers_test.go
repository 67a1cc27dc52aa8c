package http_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/queuegate/internal/bus"
	"github.com/snehjoshi/queuegate/internal/config"
	"github.com/snehjoshi/queuegate/internal/gate"
	"github.com/snehjoshi/queuegate/internal/metrics"
	"github.com/snehjoshi/queuegate/internal/sandbox"
	"github.com/snehjoshi/queuegate/internal/tokenstore"
	transphttp "github.com/snehjoshi/queuegate/internal/transport/http"
	"github.com/snehjoshi/queuegate/pkg/client"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// newTestServer wires agent → gate → client → sandbox backend.
func newTestServer(t *testing.T, mutate func(*config.Config)) http.Handler {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Backend = config.StorageMemory
	if mutate != nil {
		mutate(cfg)
	}

	sb, err := sandbox.New(cfg.Sandbox)
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	backend := httptest.NewServer(sb.Handler())
	t.Cleanup(backend.Close)

	reg, err := config.NewRegistry(cfg.Events)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	store, err := tokenstore.Open(cfg)
	if err != nil {
		t.Fatalf("tokenstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	m := gate.New(cfg, reg, client.New(backend.URL), store)
	t.Cleanup(func() { _ = m.Close() })

	return transphttp.New(m, cfg, metrics.New()).Handler()
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &reqBody)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v, body: %s", err, rr.Body.String())
	}
}

func stateOf(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	if rr.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rr.Code, rr.Body)
	}
	var st map[string]any
	decodeResp(t, rr, &st)
	return st
}

// ─── Health & state ───────────────────────────────────────────────────────────

func TestHTTP_Health(t *testing.T) {
	h := newTestServer(t, nil)
	rr := doRequest(t, h, "GET", "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("health: want 200, got %d: %s", rr.Code, rr.Body)
	}
	var resp map[string]any
	decodeResp(t, rr, &resp)
	if resp["status"] != "ok" || resp["state"] != "idle" {
		t.Errorf("unexpected health: %v", resp)
	}
}

func TestHTTP_StateStartsIdle(t *testing.T) {
	h := newTestServer(t, nil)
	st := stateOf(t, doRequest(t, h, "GET", "/state", nil))
	if st["status"] != "idle" {
		t.Errorf("status = %v, want idle", st["status"])
	}
}

// ─── Admission cycle ─────────────────────────────────────────────────────────

func TestHTTP_NavigateQueuesThenPollReleases(t *testing.T) {
	h := newTestServer(t, nil)

	st := stateOf(t, doRequest(t, h, "POST", "/navigate", map[string]string{"url": "https://shop.example.com/flash-sale"}))
	if st["status"] != "queued" || st["currentEvent"] != "flashSale" {
		t.Fatalf("expected queued for flashSale, got %v", st)
	}
	if st["position"] != float64(50) {
		t.Errorf("position = %v, want 50", st["position"])
	}

	for i := 0; i < 4; i++ {
		st = stateOf(t, doRequest(t, h, "POST", "/poll", nil))
	}
	if st["status"] != "queued" || st["position"] != float64(10) {
		t.Fatalf("after 4 polls want position 10, got %v", st)
	}

	st = stateOf(t, doRequest(t, h, "POST", "/poll", nil))
	redirect, _ := st["redirectUrl"].(string)
	if st["status"] != "idle" || !strings.Contains(redirect, "queueit=") {
		t.Fatalf("expected release redirect, got %v", st)
	}

	// Following the release link enters with the carried token.
	st = stateOf(t, doRequest(t, h, "POST", "/navigate", map[string]string{"url": redirect}))
	if st["status"] != "entered" || st["token"] == nil {
		t.Errorf("expected entered with token, got %v", st)
	}
}

func TestHTTP_NavigateNoMatch(t *testing.T) {
	h := newTestServer(t, nil)
	st := stateOf(t, doRequest(t, h, "POST", "/navigate", map[string]string{"url": "/contact-us"}))
	if st["status"] != "idle" {
		t.Errorf("status = %v, want idle", st["status"])
	}
}

func TestHTTP_NavigateInactiveEventEnters(t *testing.T) {
	h := newTestServer(t, func(c *config.Config) { c.Sandbox.Events[1].Active = false })
	st := stateOf(t, doRequest(t, h, "POST", "/navigate", map[string]string{"url": "/black-friday"}))
	if st["status"] != "entered" || st["token"] != nil {
		t.Errorf("expected entered without token, got %v", st)
	}
}

func TestHTTP_NavigateBadRequests(t *testing.T) {
	h := newTestServer(t, nil)
	if rr := doRequest(t, h, "POST", "/navigate", map[string]string{}); rr.Code != http.StatusBadRequest {
		t.Errorf("missing url: want 400, got %d", rr.Code)
	}
	req := httptest.NewRequest("POST", "/navigate", strings.NewReader("{nope"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad json: want 400, got %d", rr.Code)
	}
}

func TestHTTP_CycleInProgressConflict(t *testing.T) {
	h := newTestServer(t, nil)
	stateOf(t, doRequest(t, h, "POST", "/navigate", map[string]string{"url": "/flash-sale"}))
	rr := doRequest(t, h, "POST", "/navigate", map[string]string{"url": "/black-friday"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("want 409, got %d: %s", rr.Code, rr.Body)
	}
}

func TestHTTP_Trigger(t *testing.T) {
	h := newTestServer(t, nil)
	if rr := doRequest(t, h, "POST", "/trigger/nope", nil); rr.Code != http.StatusNotFound {
		t.Errorf("unknown event: want 404, got %d", rr.Code)
	}
	st := stateOf(t, doRequest(t, h, "POST", "/trigger/checkout", nil))
	if st["status"] != "queued" || st["currentEvent"] != "checkout" {
		t.Errorf("unexpected state: %v", st)
	}
}

func TestHTTP_RetryOutsideErrorConflicts(t *testing.T) {
	h := newTestServer(t, nil)
	if rr := doRequest(t, h, "POST", "/retry", nil); rr.Code != http.StatusConflict {
		t.Fatalf("retry outside error: want 409, got %d", rr.Code)
	}
}

func TestHTTP_ForgedTokenRecordsErrorAndRetryReruns(t *testing.T) {
	h := newTestServer(t, nil)
	st := stateOf(t, doRequest(t, h, "POST", "/navigate", map[string]string{"url": "/flash-sale?queueit=forged"}))
	errObj, _ := st["error"].(map[string]any)
	if st["status"] != "error" || errObj["kind"] != "authentication_error" {
		t.Fatalf("expected authentication_error, got %v", st)
	}

	// Navigation is ignored while in error.
	st = stateOf(t, doRequest(t, h, "POST", "/navigate", map[string]string{"url": "/products"}))
	if st["status"] != "error" {
		t.Fatalf("navigation must be ignored in error state, got %v", st)
	}

	// Retry reruns the whole cycle for the failed URL, which fails again.
	st = stateOf(t, doRequest(t, h, "POST", "/retry", nil))
	if st["status"] != "error" || st["currentEvent"] != "flashSale" {
		t.Fatalf("retry must rerun the flashSale cycle, got %v", st)
	}
}

func TestHTTP_LeaveKeepsQueueSlot(t *testing.T) {
	h := newTestServer(t, func(c *config.Config) { c.Sandbox.Events[0].Capacity = 1 })
	first := stateOf(t, doRequest(t, h, "POST", "/navigate", map[string]string{"url": "/flash-sale"}))
	if first["status"] != "queued" {
		t.Fatalf("want queued, got %v", first)
	}
	stateOf(t, doRequest(t, h, "POST", "/leave", nil))

	// Leaving keeps the token, so coming back re-uses the only slot.
	again := stateOf(t, doRequest(t, h, "POST", "/navigate", map[string]string{"url": "/flash-sale"}))
	if again["status"] != "queued" {
		t.Fatalf("returning visitor must keep its slot, got %v", again)
	}
	a, _ := first["token"].(map[string]any)
	b, _ := again["token"].(map[string]any)
	if a["value"] != b["value"] {
		t.Errorf("token changed on return: %v → %v", a["value"], b["value"])
	}
}

func TestHTTP_CancelAndLeave(t *testing.T) {
	h := newTestServer(t, nil)
	if rr := doRequest(t, h, "POST", "/cancel", nil); rr.Code != http.StatusConflict {
		t.Errorf("cancel while idle: want 409, got %d", rr.Code)
	}
	stateOf(t, doRequest(t, h, "POST", "/navigate", map[string]string{"url": "/flash-sale"}))
	st := stateOf(t, doRequest(t, h, "POST", "/cancel", nil))
	if st["status"] != "idle" {
		t.Errorf("after cancel want idle, got %v", st)
	}
	st = stateOf(t, doRequest(t, h, "POST", "/leave", nil))
	if st["status"] != "idle" {
		t.Errorf("after leave want idle, got %v", st)
	}
	if rr := doRequest(t, h, "POST", "/poll", nil); rr.Code != http.StatusConflict {
		t.Errorf("poll while idle: want 409, got %d", rr.Code)
	}
}

func TestHTTP_Bypass(t *testing.T) {
	h := newTestServer(t, nil)
	if rr := doRequest(t, h, "POST", "/bypass", nil); rr.Code != http.StatusForbidden {
		t.Errorf("bypass disabled: want 403, got %d", rr.Code)
	}

	h = newTestServer(t, func(c *config.Config) { c.Development.BypassQueue = true })
	stateOf(t, doRequest(t, h, "POST", "/navigate", map[string]string{"url": "/flash-sale"}))
	st := stateOf(t, doRequest(t, h, "POST", "/bypass", nil))
	if st["status"] != "entered" {
		t.Errorf("after bypass want entered, got %v", st)
	}
}

// ─── Auth & metrics ───────────────────────────────────────────────────────────

func TestHTTP_AuthRequired(t *testing.T) {
	h := newTestServer(t, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.APIKey = "secret"
	})
	if rr := doRequest(t, h, "GET", "/state", nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("without key: want 401, got %d", rr.Code)
	}
	if rr := doRequest(t, h, "GET", "/health", nil); rr.Code != http.StatusOK {
		t.Errorf("health must stay open, got %d", rr.Code)
	}
	req := httptest.NewRequest("GET", "/state", nil)
	req.Header.Set("X-Api-Key", "secret")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("with key: want 200, got %d", rr.Code)
	}
}

func TestHTTP_Metrics(t *testing.T) {
	h := newTestServer(t, nil)
	doRequest(t, h, "GET", "/state", nil)
	rr := doRequest(t, h, "GET", "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: want 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "queuegate_http_requests_total") {
		t.Error("metrics output missing http request counter")
	}
}

func TestHTTP_CORSPreflight(t *testing.T) {
	h := newTestServer(t, nil)
	req := httptest.NewRequest("OPTIONS", "/navigate", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Errorf("preflight: want 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("allow-origin = %q", got)
	}
}

// ─── WebSocket ────────────────────────────────────────────────────────────────

func TestHTTP_WebSocketStreamsTransitions(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, nil))
	t.Cleanup(ts.Close)

	conn, _, err := gorillaws.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// read returns the kind and, for state frames, the status of the next frame.
	read := func() (bus.Kind, string) {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var frame struct {
			Kind  bus.Kind       `json:"kind"`
			State map[string]any `json:"state"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		status, _ := frame.State["status"].(string)
		return frame.Kind, status
	}

	if kind, status := read(); kind != bus.KindStateChanged || status != "idle" {
		t.Fatalf("first frame = %s/%s, want idle snapshot", kind, status)
	}

	body := strings.NewReader(`{"url":"/flash-sale"}`)
	resp, err := http.Post(ts.URL+"/navigate", "application/json", body)
	if err != nil {
		t.Fatalf("navigate: %v", err)
	}
	resp.Body.Close()

	for _, want := range []string{"queuing", "queued"} {
		if kind, status := read(); kind != bus.KindStateChanged || status != want {
			t.Fatalf("frame = %s/%s, want state_changed %s", kind, status, want)
		}
	}
}
