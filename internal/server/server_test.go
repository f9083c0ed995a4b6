package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"signment/internal/cache"
	"signment/internal/config"
	"signment/internal/recaptcha"
	"signment/internal/simulator"
	"signment/internal/store"
	"signment/internal/types"
)

// testServer wires a server on a temp sqlite store with an in-memory
// cache and an inert status machine.
func testServer(t *testing.T, mutate func(*config.Config)) (*Server, *store.Store, *cache.Memory) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.SecretKey = "test-secret"
	// Keep simulations from advancing during tests.
	cfg.Simulator.Transitions = map[string]config.StatusTransition{}
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.Open(context.Background(),
		"sqlite://"+filepath.Join(t.TempDir(), "web.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mem := cache.NewMemory()
	sim := simulator.New(cfg, st, mem, nil, zap.NewNop())

	s, err := New(cfg, Deps{
		Store:     st,
		Cache:     mem,
		Simulator: sim,
		Recaptcha: recaptcha.New(cfg, zap.NewNop()),
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sim.SetPublisher(s)
	t.Cleanup(sim.Wait)
	return s, st, mem
}

func seedShipment(t *testing.T, st *store.Store, tn, status string) *types.Shipment {
	t.Helper()
	sh, err := st.Save(context.Background(), &types.Shipment{
		TrackingNumber:   tn,
		Status:           status,
		DeliveryLocation: "New York, NY",
		Checkpoints:      []string{"2024-01-01 12:00 - Chicago, IL - Departed from Chicago, IL"},
	})
	if err != nil {
		t.Fatalf("seed shipment: %v", err)
	}
	return sh
}

func postTrack(t *testing.T, handler http.Handler, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/track", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestIndex(t *testing.T) {
	s, _, _ := testServer(t, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Track Your Shipment") {
		t.Fatal("index page missing tracking form")
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing request id header")
	}
}

func TestTrackMissingInput(t *testing.T) {
	s, _, _ := testServer(t, nil)
	w := postTrack(t, s.Handler(), url.Values{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	codes := body["error-codes"].([]any)
	if codes[0] != "missing-input" {
		t.Fatalf("error-codes = %v", codes)
	}
}

func TestTrackInvalidInput(t *testing.T) {
	s, _, _ := testServer(t, nil)
	w := postTrack(t, s.Handler(), url.Values{"tracking_number": {"not-a-number"}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if decodeBody(t, w)["error-codes"].([]any)[0] != "invalid-input-response" {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestTrackRecaptchaErrorRejects(t *testing.T) {
	s, st, _ := testServer(t, func(cfg *config.Config) {
		cfg.Recaptcha.SecretKey = "6LcRealKey"
		// Unroutable verify endpoint forces a transport error.
		cfg.Recaptcha.VerifyURL = "http://127.0.0.1:1/siteverify"
	})
	seedShipment(t, st, "TRK20240101120000ABC123", types.StatusPending)

	w := postTrack(t, s.Handler(), url.Values{
		"tracking_number":      {"TRK20240101120000ABC123"},
		"g-recaptcha-response": {"tok"},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 when verification cannot complete", w.Code)
	}
	if decodeBody(t, w)["error-codes"].([]any)[0] != "invalid-input-response" {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestTrackNotFound(t *testing.T) {
	s, _, _ := testServer(t, nil)
	w := postTrack(t, s.Handler(), url.Values{"tracking_number": {"TRK20240101120000ZZZ999"}})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if decodeBody(t, w)["error-codes"].([]any)[0] != "not-found" {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestTrackFound(t *testing.T) {
	s, st, _ := testServer(t, nil)
	tn := "TRK20240101120000ABC123"
	seedShipment(t, st, tn, types.StatusDelivered)

	w := postTrack(t, s.Handler(), url.Values{"tracking_number": {tn}})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["success"] != true {
		t.Fatalf("body = %v", body)
	}
	data := body["data"].(map[string]any)
	if data["tracking_number"] != tn || data["status"] != types.StatusDelivered {
		t.Fatalf("data = %v", data)
	}
	if data["speed_multiplier"] != 1.0 {
		t.Fatalf("speed_multiplier = %v", data["speed_multiplier"])
	}
}

func TestTrackLowercaseAccepted(t *testing.T) {
	s, st, _ := testServer(t, nil)
	tn := "TRK20240101120000ABC123"
	seedShipment(t, st, tn, types.StatusDelivered)

	w := postTrack(t, s.Handler(), url.Values{"tracking_number": {strings.ToLower(tn)}})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestTrackRecordsEmail(t *testing.T) {
	s, st, _ := testServer(t, nil)
	tn := "TRK20240101120000ABC123"
	seedShipment(t, st, tn, types.StatusDelivered)

	w := postTrack(t, s.Handler(), url.Values{
		"tracking_number": {tn},
		"email":           {"jo@example.com"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	sh, err := st.Get(context.Background(), tn)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sh.RecipientEmail != "jo@example.com" {
		t.Fatalf("recipient email = %q", sh.RecipientEmail)
	}
}

func TestTrackJSONBody(t *testing.T) {
	s, st, _ := testServer(t, nil)
	tn := "TRK20240101120000ABC123"
	seedShipment(t, st, tn, types.StatusDelivered)

	req := httptest.NewRequest(http.MethodPost, "/track",
		strings.NewReader(`{"tracking_number": "`+tn+`"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestRateLimit(t *testing.T) {
	s, st, _ := testServer(t, func(cfg *config.Config) {
		cfg.Server.RateLimitPerHour = 2
		cfg.Server.RateLimitPerDay = 2
	})
	tn := "TRK20240101120000ABC123"
	seedShipment(t, st, tn, types.StatusDelivered)

	form := url.Values{"tracking_number": {tn}}
	for i := 0; i < 2; i++ {
		if w := postTrack(t, s.Handler(), form); w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, w.Code)
		}
	}
	w := postTrack(t, s.Handler(), form)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
}

func TestRateLimitZeroBudgets(t *testing.T) {
	// A zeroed yaml limit must not panic the limiter.
	l := newIPLimiter(0, 0)
	if !l.allow("203.0.113.9") {
		t.Fatal("first request should pass under fallback limits")
	}

	s, st, _ := testServer(t, func(cfg *config.Config) {
		cfg.Server.RateLimitPerHour = 0
		cfg.Server.RateLimitPerDay = 0
	})
	tn := "TRK20240101120000ABC123"
	seedShipment(t, st, tn, types.StatusDelivered)
	if w := postTrack(t, s.Handler(), url.Values{"tracking_number": {tn}}); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestBroadcastInvalid(t *testing.T) {
	s, _, _ := testServer(t, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/broadcast/garbage", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestBroadcastValid(t *testing.T) {
	s, st, _ := testServer(t, nil)
	tn := "TRK20240101120000ABC123"
	seedShipment(t, st, tn, types.StatusDelivered)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/broadcast/"+tn, nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	s, _, _ := testServer(t, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["status"] != "healthy" || body["database"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestHealthUnhealthySMTP(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.SecretKey = "test-secret"
	cfg.Simulator.Transitions = map[string]config.StatusTransition{}

	st, err := store.Open(context.Background(),
		"sqlite://"+filepath.Join(t.TempDir(), "web.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	mem := cache.NewMemory()

	s, err := New(cfg, Deps{
		Store:     st,
		Cache:     mem,
		Simulator: simulator.New(cfg, st, mem, nil, zap.NewNop()),
		Recaptcha: recaptcha.New(cfg, zap.NewNop()),
		SMTPCheck: func(context.Context) error {
			return context.DeadlineExceeded
		},
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if decodeBody(t, w)["status"] != "unhealthy" {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestTelegramWebhookUnconfigured(t *testing.T) {
	s, _, _ := testServer(t, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/telegram/webhook", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := testServer(t, nil)
	// Generate one request so counters exist.
	s.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "signment_http_requests_total") {
		t.Fatal("metrics output missing request counter")
	}
}

func dialWS(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read websocket message: %v", err)
	}
	return msg
}

func TestWebsocketTracking(t *testing.T) {
	s, st, _ := testServer(t, nil)
	tn := "TRK20240101120000ABC123"
	seedShipment(t, st, tn, types.StatusDelivered)

	conn := dialWS(t, s)
	if msg := readEvent(t, conn); msg["event"] != "status" {
		t.Fatalf("greeting = %v", msg)
	}

	err := conn.WriteJSON(map[string]string{
		"event":           "request_tracking",
		"tracking_number": tn,
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	msg := readEvent(t, conn)
	if msg["event"] != "tracking_update" || msg["found"] != true {
		t.Fatalf("update = %v", msg)
	}
	if msg["status"] != types.StatusDelivered {
		t.Fatalf("status = %v", msg["status"])
	}

	if s.hub.subscriberCount(tn) != 1 {
		t.Fatalf("subscribers = %d", s.hub.subscriberCount(tn))
	}

	// Simulator updates reach the subscriber.
	sh, _ := st.Get(context.Background(), tn)
	s.PublishUpdate(sh)
	if msg := readEvent(t, conn); msg["event"] != "tracking_update" {
		t.Fatalf("broadcast = %v", msg)
	}

	err = conn.WriteJSON(map[string]string{
		"event":           "unsubscribe",
		"tracking_number": tn,
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for s.hub.subscriberCount(tn) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("unsubscribe never processed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebsocketInvalidTrackingNumber(t *testing.T) {
	s, st, _ := testServer(t, nil)
	tn := "TRK20240101120000ABC123"
	seedShipment(t, st, tn, types.StatusDelivered)

	conn := dialWS(t, s)
	readEvent(t, conn) // greeting

	err := conn.WriteJSON(map[string]string{
		"event":           "request_tracking",
		"tracking_number": "garbage",
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readEvent(t, conn)
	if msg["success"] != false {
		t.Fatalf("msg = %v", msg)
	}
	codes := msg["error-codes"].([]any)
	if codes[0] != "invalid-input-response" {
		t.Fatalf("error-codes = %v", codes)
	}

	// The connection stays open; a valid request on the same session
	// still works.
	err = conn.WriteJSON(map[string]string{
		"event":           "request_tracking",
		"tracking_number": tn,
	})
	if err != nil {
		t.Fatalf("write after error: %v", err)
	}
	msg = readEvent(t, conn)
	if msg["event"] != "tracking_update" || msg["found"] != true {
		t.Fatalf("update after error = %v", msg)
	}
}
