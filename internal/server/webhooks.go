package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"marketline/internal/config"
	"marketline/internal/domain"
	"marketline/internal/obs"
	"marketline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher delivers the notification outbox to configured webhooks. Each hook
// keeps its own cursor; a failed delivery stops that hook's batch and is retried on the
// next tick.
type WebhookDispatcher struct {
	repo     repo.Repo
	service  string
	webhooks []config.WebhookConfig
	client   *http.Client
	log      *slog.Logger
	mu       sync.Mutex
	cursors  map[int]string
}

func NewWebhookDispatcher(r repo.Repo, cfg *config.Config, logger *slog.Logger) *WebhookDispatcher {
	d := &WebhookDispatcher{
		repo:    r,
		client:  &http.Client{Timeout: defaultWebhookTimeout},
		log:     obs.Component(logger, "webhooks"),
		cursors: make(map[int]string),
	}
	if cfg != nil {
		d.service = cfg.Service.ID
		d.webhooks = cfg.Webhooks
	}
	return d
}

// StartWebhookDispatcher runs the dispatcher until ctx is done. It is a no-op without hooks.
func StartWebhookDispatcher(ctx context.Context, r repo.Repo, cfg *config.Config, logger *slog.Logger) {
	if cfg == nil || len(cfg.Webhooks) == 0 {
		return
	}
	go NewWebhookDispatcher(r, cfg, logger).Run(ctx)
}

func (d *WebhookDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

// SetCursor positions hook idx so that delivery resumes after id.
func (d *WebhookDispatcher) SetCursor(idx int, id string) {
	d.mu.Lock()
	d.cursors[idx] = id
	d.mu.Unlock()
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	batch, err := d.repo.ListNotificationsAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.log.ErrorContext(ctx, "fetch notifications failed", "err", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, n := range batch {
		if !filter.match(string(n.Type)) {
			d.SetCursor(idx, n.ID)
			continue
		}
		if err := d.post(ctx, hook, n); err != nil {
			d.log.WarnContext(ctx, "webhook delivery failed", "url", hook.URL, "notification_id", n.ID, "err", err)
			return
		}
		d.SetCursor(idx, n.ID)
	}
}

// cursorFor starts new hooks at the current end of the outbox.
func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.repo.LatestNotificationID(ctx)
	if err != nil {
		d.log.ErrorContext(ctx, "init webhook cursor failed", "err", err)
		cur = ""
	}
	d.cursors[idx] = cur
	return cur
}

type webhookNotification struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Service     string         `json:"service"`
	RecipientID string         `json:"recipient_id"`
	TaskID      string         `json:"task_id,omitempty"`
	ExecutorID  string         `json:"executor_id,omitempty"`
	DisputeID   string         `json:"dispute_id,omitempty"`
	CreatedAt   string         `json:"created_at"`
	Payload     map[string]any `json:"payload"`
}

func (d *WebhookDispatcher) post(ctx context.Context, hook config.WebhookConfig, n domain.Notification) error {
	payload := n.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(webhookNotification{
		ID:          n.ID,
		Type:        string(n.Type),
		Service:     d.service,
		RecipientID: n.RecipientID,
		TaskID:      n.TaskID,
		ExecutorID:  n.ExecutorID,
		DisputeID:   n.DisputeID,
		CreatedAt:   n.CreatedAt.UTC().Format(time.RFC3339),
		Payload:     payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Marketline-Event", string(n.Type))
	req.Header.Set("X-Marketline-Delivery", n.ID)
	req.Header.Set("X-Marketline-Service", d.service)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Marketline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
