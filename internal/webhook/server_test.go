package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"chatrelay/internal/agentdef"
	"chatrelay/internal/bus"
	"chatrelay/internal/dedup"
	"chatrelay/internal/domain"
	"chatrelay/internal/groups"
	"chatrelay/internal/pipeline"
	"chatrelay/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type nopMessenger struct{}

func (nopMessenger) SendMessage(context.Context, string, string, []domain.RichBlock) (*domain.DeliveryResult, error) {
	return &domain.DeliveryResult{MessageID: "out", Attempts: 1}, nil
}

func (nopMessenger) SendMediaMessage(context.Context, string, string, string, *domain.MediaInfo) (*domain.DeliveryResult, error) {
	return &domain.DeliveryResult{MessageID: "out", Attempts: 1}, nil
}

func (nopMessenger) GetMessageHistory(context.Context, string, int, string) ([]domain.HistoryMessage, error) {
	return nil, nil
}

type echoResponder struct{}

func (echoResponder) Respond(_ context.Context, event domain.InboundEvent, _ []domain.HistoryMessage) (*domain.Reply, error) {
	return &domain.Reply{Content: "echo: " + event.Content}, nil
}

func (echoResponder) BuildWelcome(context.Context, domain.InboundEvent) (string, error) {
	return "Welcome!", nil
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	agents, err := agentdef.LoadFromDirectory(t.TempDir(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	p := pipeline.New(pipeline.Config{
		Dedup:     dedup.New(5*time.Minute, time.Minute, testLogger()),
		Groups:    groups.NewCoordinator(store.NewMemoryStore(), testLogger()),
		Messenger: nopMessenger{},
		Responder: echoResponder{},
		Agents:    agents,
		Bus:       bus.New(testLogger()),
		Logger:    testLogger(),
	})
	cfg.Logger = testLogger()
	return NewServer(cfg, p)
}

func postEvent(t *testing.T, s *Server, body []byte, sign func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	if sign != nil {
		sign(req)
	}
	rec := httptest.NewRecorder()
	s.handleEvent(rec, req)
	return rec
}

func TestHandleEvent_Success(t *testing.T) {
	s := newTestServer(t, Config{})
	body := []byte(`{"chatId": "c1", "message": {"id": "m1", "content": "hi", "sender": {"id": "u1"}}}`)

	rec := postEvent(t, s, body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var env domain.Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if !env.Success || env.Reply != "echo: hi" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestHandleEvent_ValidationReturns400(t *testing.T) {
	s := newTestServer(t, Config{})
	// Well-formed JSON with no chat id anywhere.
	body := []byte(`{"message": {"id": "m1", "content": "hi"}}`)

	rec := postEvent(t, s, body, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleEvent_MalformedJSONReturns400(t *testing.T) {
	s := newTestServer(t, Config{})

	rec := postEvent(t, s, []byte(`{broken`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleEvent_DuplicateReturnsSkipped(t *testing.T) {
	s := newTestServer(t, Config{})
	body := []byte(`{"chatId": "c1", "message": {"id": "m42", "content": "hi", "sender": {"id": "u1"}}}`)

	first := postEvent(t, s, body, nil)
	second := postEvent(t, s, body, nil)
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("statuses = %d, %d", first.Code, second.Code)
	}

	var env domain.Envelope
	if err := json.Unmarshal(second.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if !env.Success || !env.Skipped {
		t.Errorf("second envelope = %+v", env)
	}
}

func TestHandleEvent_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rec := httptest.NewRecorder()
	s.handleEvent(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandleEvent_SignatureRequired(t *testing.T) {
	s := newTestServer(t, Config{Secret: "topsecret"})
	body := []byte(`{"chatId": "c1", "message": {"id": "m1", "content": "hi"}}`)

	rec := postEvent(t, s, body, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without signature = %d, want 401", rec.Code)
	}

	rec = postEvent(t, s, body, func(r *http.Request) {
		r.Header.Set("X-Signature-256", "sha256=deadbeef")
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status with bad signature = %d, want 403", rec.Code)
	}

	rec = postEvent(t, s, body, func(r *http.Request) {
		mac := hmac.New(sha256.New, []byte("topsecret"))
		mac.Write(body)
		r.Header.Set("X-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status with valid signature = %d, want 200", rec.Code)
	}
}

func TestHandleEvent_RateLimit(t *testing.T) {
	s := newTestServer(t, Config{RateLimit: 1, RateBurst: 2})
	body := []byte(`{"chatId": "c1", "message": {"id": "mX", "content": "hi", "sender": {"id": "u1"}}}`)

	codes := make(map[int]int)
	for i := 0; i < 5; i++ {
		rec := postEvent(t, s, body, nil)
		codes[rec.Code]++
	}
	if codes[http.StatusTooManyRequests] == 0 {
		t.Errorf("expected some requests to be limited, got %v", codes)
	}
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestVerifyHMAC(t *testing.T) {
	body := []byte(`{"x":1}`)
	mac := hmac.New(sha256.New, []byte("k"))
	mac.Write(body)
	good := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if !verifyHMAC(body, "k", good) {
		t.Error("valid signature rejected")
	}
	if verifyHMAC(body, "k", "sha256=0000") {
		t.Error("invalid signature accepted")
	}
	if verifyHMAC(body, "other", good) {
		t.Error("signature for wrong key accepted")
	}
}
