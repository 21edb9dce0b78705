package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type recordSender struct {
	name string
	err  error
	mu   sync.Mutex
	got  []string
}

func (r *recordSender) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, title)
	return r.err
}

func (r *recordSender) Name() string { return r.name }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifierFiltersEvents(t *testing.T) {
	tests := []struct {
		name   string
		events []string
		event  string
		want   int
	}{
		{"no filter", nil, EventTradeFailed, 1},
		{"allowed", []string{EventTradeFailed, " " + EventLedgerFailed}, EventLedgerFailed, 1},
		{"filtered", []string{EventTradeFailed}, EventLifecycle, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &recordSender{name: "rec"}
			n := NewNotifier([]Sender{s}, tt.events, discardLogger())
			if err := n.Notify(context.Background(), tt.event, "title", "msg"); err != nil {
				t.Fatalf("Notify: %v", err)
			}
			if len(s.got) != tt.want {
				t.Errorf("deliveries = %d, want %d", len(s.got), tt.want)
			}
		})
	}
}

func TestNotifierJoinsSenderErrors(t *testing.T) {
	boom := errors.New("boom")
	bad := &recordSender{name: "bad", err: boom}
	good := &recordSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := n.Notify(context.Background(), EventTradeFailed, "t", "m")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapping boom", err)
	}
	if len(good.got) != 1 {
		t.Error("healthy sender skipped after a failure")
	}
}

func TestNilNotifierIsNoop(t *testing.T) {
	var n *Notifier
	if err := n.Notify(context.Background(), EventTradeFailed, "t", "m"); err != nil {
		t.Fatalf("nil Notify: %v", err)
	}
}

func TestSendersPostPayload(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		texts []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		for _, k := range []string{"text", "content"} {
			if s, ok := body[k].(string); ok {
				texts = append(texts, s)
			}
		}
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tg := NewTelegramSender("tok", "42")
	tg.apiBase = srv.URL
	dc := NewDiscordSender(srv.URL + "/hook")

	for _, s := range []Sender{tg, dc} {
		if err := s.Send(context.Background(), "Copy trade failed", "ORDER_REJECTED"); err != nil {
			t.Fatalf("%s Send: %v", s.Name(), err)
		}
	}
	if paths[0] != "/bottok/sendMessage" || paths[1] != "/hook" {
		t.Errorf("paths = %v", paths)
	}
	for _, txt := range texts {
		if !strings.Contains(txt, "Copy trade failed") || !strings.Contains(txt, "ORDER_REJECTED") {
			t.Errorf("payload text = %q", txt)
		}
	}
}

func TestSenderReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("err = %v, want status 400", err)
	}
}
