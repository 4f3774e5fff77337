package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"waveline/internal/config"
	"waveline/internal/db"
	"waveline/internal/events"
	"waveline/internal/migrate"
	"waveline/internal/repo"
)

func newChangeLog(t *testing.T) (repo.Repo, events.Writer) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, events.Writer{DB: conn}
}

type receiver struct {
	mu     sync.Mutex
	got    []webhookEvent
	header http.Header
	status int
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != 0 {
		w.WriteHeader(r.status)
		return
	}
	var evt webhookEvent
	if err := json.NewDecoder(req.Body).Decode(&evt); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.got = append(r.got, evt)
	r.header = req.Header.Clone()
}

func TestWebhookDeliversMatchingEvents(t *testing.T) {
	r, w := newChangeLog(t)
	ctx := context.Background()
	for _, typ := range []string{"task.created", "stage.start", "task.completed"} {
		if err := w.Append(ctx, typ, "task", "T001", "tester", events.EventPayload{"k": "v"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	rec := &receiver{}
	hookSrv := httptest.NewServer(rec)
	defer hookSrv.Close()

	d := NewWebhookDispatcher(r, []config.WebhookConfig{{
		URL:    hookSrv.URL,
		Events: []string{"task.completed", "stage.*"},
		Secret: "s3cret",
	}}, nil)
	if d == nil {
		t.Fatalf("expected dispatcher")
	}
	d.FromStart = true
	d.dispatchAll(ctx)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.got) != 2 || rec.got[0].Type != "stage.start" || rec.got[1].Type != "task.completed" {
		t.Fatalf("delivered = %+v", rec.got)
	}
	if rec.header.Get("X-Waveline-Secret") != "s3cret" || rec.header.Get("X-Waveline-Event") != "task.completed" {
		t.Fatalf("headers = %v", rec.header)
	}
	if string(rec.got[0].Payload) != `{"k":"v"}` {
		t.Fatalf("payload = %s", rec.got[0].Payload)
	}
}

func TestWebhookCursorHoldsOnFailure(t *testing.T) {
	r, w := newChangeLog(t)
	ctx := context.Background()
	if err := w.Append(ctx, "task.created", "task", "T001", "tester", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	rec := &receiver{status: http.StatusBadGateway}
	hookSrv := httptest.NewServer(rec)
	defer hookSrv.Close()

	d := NewWebhookDispatcher(r, []config.WebhookConfig{{URL: hookSrv.URL}}, nil)
	d.FromStart = true
	d.dispatchAll(ctx)
	if cur := d.cursorFor(ctx, 0); cur != 0 {
		t.Fatalf("cursor advanced to %d after failed delivery", cur)
	}

	rec.mu.Lock()
	rec.status = 0
	rec.mu.Unlock()
	d.dispatchAll(ctx)
	if cur := d.cursorFor(ctx, 0); cur == 0 {
		t.Fatalf("cursor did not advance after delivery")
	}
}

func TestWebhookDispatcherSkipsDisabledHooks(t *testing.T) {
	r, _ := newChangeLog(t)
	off := false
	if d := NewWebhookDispatcher(r, []config.WebhookConfig{{URL: "http://127.0.0.1:1", Enabled: &off}}, nil); d != nil {
		t.Fatalf("expected nil dispatcher when every hook is disabled")
	}
	if d := NewWebhookDispatcher(repo.Repo{}, []config.WebhookConfig{{URL: "http://127.0.0.1:1"}}, nil); d != nil {
		t.Fatalf("expected nil dispatcher without a change log")
	}
}

func TestEventFilterPrefixes(t *testing.T) {
	f := newEventFilter([]string{"stage.*", "task.archived"})
	cases := map[string]bool{
		"stage.complete": true,
		"task.archived":  true,
		"task.created":   false,
		"stage":          false,
	}
	for typ, want := range cases {
		if got := f.match(typ); got != want {
			t.Fatalf("match(%q) = %v, want %v", typ, got, want)
		}
	}
	if !newEventFilter(nil).match("anything") {
		t.Fatalf("empty filter should match all")
	}
}
