package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"questline/internal/config"
	"questline/internal/domain"
	"questline/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

const webhookParallelism = 4

type webhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	interval time.Duration
	log      zerolog.Logger
	latestID func(context.Context) (int64, error)
	ready    bool
	mu       sync.Mutex
	cursors  map[int]int64
}

// StartWebhookDispatcher forwards new activity entries to the configured
// webhooks until ctx is done. Entries written before the dispatcher learns
// the current activity id are not sent.
func StartWebhookDispatcher(ctx context.Context, e engine.Engine, log zerolog.Logger) {
	startWebhookDispatcher(ctx, e, log, defaultWebhookInterval)
}

func startWebhookDispatcher(ctx context.Context, e engine.Engine, log zerolog.Logger, interval time.Duration) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	d := newWebhookDispatcher(e, log, interval)
	d.initCursors(ctx)
	go d.run(ctx)
}

func newWebhookDispatcher(e engine.Engine, log zerolog.Logger, interval time.Duration) *webhookDispatcher {
	d := &webhookDispatcher{
		engine:   e,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		interval: interval,
		log:      log.With().Str("component", "webhooks").Logger(),
		latestID: e.Repo.LatestActivityID,
		cursors:  make(map[int]int64),
	}
	if e.Config != nil {
		d.webhooks = e.Config.Webhooks
	}
	return d
}

// initCursors starts every hook at the newest activity id. Until that id is
// known nothing is dispatched, so a failed lookup never replays history.
func (d *webhookDispatcher) initCursors(ctx context.Context) bool {
	if d.ready {
		return true
	}
	start, err := d.latestID(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.log.Error().Err(err).Msg("init cursor failed, retrying next tick")
		}
		return false
	}
	for i := range d.webhooks {
		d.setCursor(i, start)
	}
	d.ready = true
	return true
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) tick(ctx context.Context) {
	if !d.initCursors(ctx) {
		return
	}
	d.dispatchAll(ctx)
}

// dispatchAll polls hooks concurrently so one slow endpoint does not hold
// back the others. Each hook keeps its own cursor.
func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(webhookParallelism)
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		g.Go(func() error {
			d.dispatchWebhook(ctx, i, hook)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	entries, err := d.engine.Repo.ActivityAfter(ctx, hook.OrgID, d.cursor(idx), defaultWebhookBatch)
	if err != nil {
		if ctx.Err() == nil {
			d.log.Error().Err(err).Msg("fetch activity failed")
		}
		return
	}
	filter := newTypeFilter(hook.Events)
	for _, entry := range entries {
		if !filter.match(entry.Type) {
			d.setCursor(idx, entry.ID)
			continue
		}
		if err := d.post(ctx, hook, entry); err != nil {
			d.log.Warn().Err(err).Str("url", hook.URL).Int64("delivery", entry.ID).Msg("deliver failed")
			return
		}
		d.setCursor(idx, entry.ID)
	}
}

func (d *webhookDispatcher) cursor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursors[idx]
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookDelivery struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	OrgID      string          `json:"org_id,omitempty"`
	EventID    string          `json:"event_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *webhookDispatcher) post(ctx context.Context, hook config.WebhookConfig, entry domain.ActivityEntry) error {
	payload := json.RawMessage("{}")
	var raw string
	if entry.Payload != "" {
		if json.Valid([]byte(entry.Payload)) {
			payload = json.RawMessage(entry.Payload)
		} else {
			raw = entry.Payload
		}
	}
	data, err := json.Marshal(webhookDelivery{
		ID:         entry.ID,
		Type:       entry.Type,
		OrgID:      entry.OrgID,
		EventID:    entry.EventID,
		EntityKind: entry.EntityKind,
		EntityID:   entry.EntityID,
		ActorID:    entry.ActorID,
		TS:         entry.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Questline-Event", entry.Type)
	req.Header.Set("X-Questline-Delivery", fmt.Sprintf("%d", entry.ID))
	if entry.OrgID != "" {
		req.Header.Set("X-Questline-Org", entry.OrgID)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Questline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type typeFilter struct {
	all bool
	set map[string]struct{}
}

func newTypeFilter(types []string) typeFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if key := strings.TrimSpace(t); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return typeFilter{all: true}
	}
	return typeFilter{set: set}
}

func (f typeFilter) match(t string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[t]
	return ok
}
