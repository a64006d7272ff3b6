package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"brokergate/internal/broker"
	"brokergate/internal/stream"
)

type stubGovernor struct{ st broker.Status }

func (s stubGovernor) Status() broker.Status { return s.st }

type stubStream struct{ st stream.SessionStatus }

func (s stubStream) Status() stream.SessionStatus { return s.st }

func TestHandleHealthAlwaysOK(t *testing.T) {
	t.Parallel()

	h := NewHandlers(nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestHandleStatusCombinesSnapshots(t *testing.T) {
	t.Parallel()

	h := NewHandlers(
		stubGovernor{st: broker.Status{Profile: "balanced", Mode: "guarded", QueueDepth: 2}},
		stubStream{st: stream.SessionStatus{State: stream.StateLive, Revision: 3}},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	rec := httptest.NewRecorder()
	h.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var payload struct {
		Governor broker.Status        `json:"governor"`
		Stream   stream.SessionStatus `json:"stream"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Governor.Mode != "guarded" || payload.Governor.QueueDepth != 2 {
		t.Fatalf("governor payload = %+v", payload.Governor)
	}
	if payload.Stream.State != stream.StateLive || payload.Stream.Revision != 3 {
		t.Fatalf("stream payload = %+v", payload.Stream)
	}
}
