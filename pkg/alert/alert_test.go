package alert

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

type captured struct {
	headers http.Header
	body    []byte
}

func captureServer(t *testing.T, status int) (*httptest.Server, <-chan captured) {
	t.Helper()
	ch := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ch <- captured{headers: r.Header.Clone(), body: body}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func sample() *Notification {
	return &Notification{
		Title:  "Ranking run failed",
		Body:   "find candidates: boom",
		Level:  LevelError,
		TaskID: "task-1",
		Fields: []Field{{Name: "strategy", Value: "full"}, {Name: "failed", Value: "3"}},
		Time:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestWebhookSignsBody(t *testing.T) {
	srv, ch := captureServer(t, http.StatusNoContent)

	if err := NewWebhook(srv.URL, "s3cret").Send(context.Background(), sample()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := <-ch

	want := "sha256=" + Sign("s3cret", got.body)
	if sig := got.headers.Get(SignatureHeader); sig != want {
		t.Errorf("signature = %q, want %q", sig, want)
	}
	if ua := got.headers.Get("User-Agent"); ua != userAgent {
		t.Errorf("user agent = %q", ua)
	}

	var decoded Notification
	if err := json.Unmarshal(got.body, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.TaskID != "task-1" || decoded.Level != LevelError || len(decoded.Fields) != 2 {
		t.Errorf("unexpected payload: %+v", decoded)
	}
}

func TestWebhookWithoutSecret(t *testing.T) {
	srv, ch := captureServer(t, http.StatusOK)
	if err := NewWebhook(srv.URL, "").Send(context.Background(), sample()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sig := (<-ch).headers.Get(SignatureHeader); sig != "" {
		t.Errorf("unexpected signature %q", sig)
	}
}

func TestSlackPayload(t *testing.T) {
	srv, ch := captureServer(t, http.StatusOK)
	if err := NewSlack(srv.URL).Send(context.Background(), sample()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	body := string((<-ch).body)
	for _, want := range []string{`"blocks"`, "Ranking run failed", "*strategy:* full", "task task-1"} {
		if !strings.Contains(body, want) {
			t.Errorf("slack payload missing %q: %s", want, body)
		}
	}
}

func TestDiscordPayload(t *testing.T) {
	srv, ch := captureServer(t, http.StatusNoContent)
	if err := NewDiscord(srv.URL).Send(context.Background(), sample()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	var payload struct {
		Embeds []struct {
			Title     string `json:"title"`
			Color     int    `json:"color"`
			Timestamp string `json:"timestamp"`
		} `json:"embeds"`
	}
	if err := json.Unmarshal((<-ch).body, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Embeds) != 1 {
		t.Fatalf("expected one embed, got %d", len(payload.Embeds))
	}
	e := payload.Embeds[0]
	if e.Title != "Ranking run failed" || e.Color != 0xD32F2F || e.Timestamp != "2026-03-01T12:00:00Z" {
		t.Errorf("unexpected embed: %+v", e)
	}
}

func TestNonSuccessStatus(t *testing.T) {
	srv, _ := captureServer(t, http.StatusBadGateway)
	err := NewSlack(srv.URL).Send(context.Background(), sample())
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected status error, got %v", err)
	}
}

type stubNotifier struct {
	name string
	err  error
	sent int
}

func (s *stubNotifier) Name() string { return s.name }

func (s *stubNotifier) Send(context.Context, *Notification) error {
	s.sent++
	return s.err
}

func TestBroadcastTriesEveryNotifier(t *testing.T) {
	boom := errors.New("boom")
	a := &stubNotifier{name: "a", err: boom}
	b := &stubNotifier{name: "b"}
	m := NewManager([]Notifier{a, b})

	n := &Notification{Title: "x"}
	err := m.Broadcast(context.Background(), n)
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined boom, got %v", err)
	}
	if a.sent != 1 || b.sent != 1 {
		t.Errorf("sent counts a=%d b=%d", a.sent, b.sent)
	}
	if n.Time.IsZero() {
		t.Error("Broadcast should stamp the notification time")
	}
}

func TestNilManager(t *testing.T) {
	var m *Manager
	if m.HasNotifiers() {
		t.Error("nil manager has no notifiers")
	}
	if err := m.Broadcast(context.Background(), &Notification{}); err != nil {
		t.Errorf("nil manager broadcast: %v", err)
	}
}
