package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"marketline/internal/config"
	"marketline/internal/db"
	"marketline/internal/domain"
	"marketline/internal/migrate"
	"marketline/internal/obs"
	"marketline/internal/repo"
)

type captured struct {
	mu      sync.Mutex
	headers []http.Header
	bodies  []webhookNotification
}

func (c *captured) handler(t *testing.T, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var n webhookNotification
		if err := json.Unmarshal(data, &n); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		c.mu.Lock()
		c.headers = append(c.headers, r.Header.Clone())
		c.bodies = append(c.bodies, n)
		c.mu.Unlock()
		w.WriteHeader(status)
	})
}

func newOutbox(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func notify(t *testing.T, r repo.Repo, n domain.Notification) {
	t.Helper()
	if err := (repo.Outbox{Repo: r}).Notify(context.Background(), n); err != nil {
		t.Fatalf("notify: %v", err)
	}
}

func TestWebhookDeliversFilteredNotifications(t *testing.T) {
	r := newOutbox(t)
	var got captured
	hook := httptest.NewServer(got.handler(t, http.StatusNoContent))
	defer hook.Close()

	cfg := config.Default("marketline-test")
	cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{"dispute.opened"}, Secret: "s3cret"}}
	d := NewWebhookDispatcher(r, cfg, obs.Discard())
	d.SetCursor(0, "")

	notify(t, r, domain.Notification{Type: domain.NotifyViolationWarning, RecipientID: "exec-1"})
	notify(t, r, domain.Notification{Type: domain.NotifyDisputeOpened, RecipientID: "cust-1", TaskID: "task-1", DisputeID: "d-1"})
	d.DispatchAll(context.Background())
	d.DispatchAll(context.Background())

	if len(got.bodies) != 1 {
		t.Fatalf("expected one delivery, got %d", len(got.bodies))
	}
	body := got.bodies[0]
	if body.Type != string(domain.NotifyDisputeOpened) || body.DisputeID != "d-1" || body.Service != "marketline-test" {
		t.Fatalf("unexpected webhook body %+v", body)
	}
	h := got.headers[0]
	if h.Get("X-Marketline-Event") != "dispute.opened" || h.Get("X-Marketline-Secret") != "s3cret" || h.Get("X-Marketline-Delivery") != body.ID {
		t.Fatalf("unexpected webhook headers %v", h)
	}
}

func TestWebhookRetriesFailedDelivery(t *testing.T) {
	r := newOutbox(t)
	var failing captured
	down := httptest.NewServer(failing.handler(t, http.StatusBadGateway))
	defer down.Close()

	cfg := config.Default("marketline-test")
	cfg.Webhooks = []config.WebhookConfig{{URL: down.URL}}
	d := NewWebhookDispatcher(r, cfg, obs.Discard())
	d.SetCursor(0, "")
	notify(t, r, domain.Notification{Type: domain.NotifyExecutorOverdue, RecipientID: "cust-1"})

	d.DispatchAll(context.Background())
	d.DispatchAll(context.Background())
	if len(failing.bodies) != 2 {
		t.Fatalf("expected the failed notification to be retried, got %d attempts", len(failing.bodies))
	}
}

func TestWebhookStartsAtOutboxEnd(t *testing.T) {
	r := newOutbox(t)
	var got captured
	hook := httptest.NewServer(got.handler(t, http.StatusOK))
	defer hook.Close()
	notify(t, r, domain.Notification{Type: domain.NotifyExecutorNoStart, RecipientID: "cust-1"})

	cfg := config.Default("marketline-test")
	cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL}}
	d := NewWebhookDispatcher(r, cfg, obs.Discard())
	d.DispatchAll(context.Background())
	if len(got.bodies) != 0 {
		t.Fatalf("backlog must not be replayed, got %d deliveries", len(got.bodies))
	}
	notify(t, r, domain.Notification{Type: domain.NotifyExecutorNoStart, RecipientID: "cust-2"})
	d.DispatchAll(context.Background())
	if len(got.bodies) != 1 || got.bodies[0].RecipientID != "cust-2" {
		t.Fatalf("expected only the new notification, got %+v", got.bodies)
	}
}
