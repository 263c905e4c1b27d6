package a2a

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	gateway "github.com/eugener/plexus/internal"
	"github.com/eugener/plexus/internal/provider"
	"github.com/eugener/plexus/internal/storage"
)

const (
	pushDeliveryTimeout = 10 * time.Second
	pushMaxAttempts     = 3
	pushBackoffBase     = 500 * time.Millisecond
	pushDrainTick       = 250 * time.Millisecond
)

// pushBody is the JSON envelope posted to a registered webhook (spec.md
// §4.7 "Builds a JSON body").
type pushBody struct {
	ConfigID  string          `json:"configId"`
	TaskID    string          `json:"taskId"`
	EventType string          `json:"eventType"`
	Sequence  int64           `json:"sequence"`
	CreatedAt time.Time       `json:"createdAt"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// validateEndpoint enforces the SSRF guard of spec.md §4.7 step 2: https-only
// (unless allowInsecure) and no loopback/private/link-local resolution.
func validateEndpoint(ctx context.Context, endpoint string, allowInsecure bool) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Scheme != "https" && !allowInsecure {
		return fmt.Errorf("push endpoint must be https")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("push endpoint missing host")
	}
	if strings.HasSuffix(host, ".local") {
		return fmt.Errorf("push endpoint resolves to a .local address")
	}

	if ip := net.ParseIP(host); ip != nil {
		if isDisallowedIP(ip) {
			return fmt.Errorf("push endpoint resolves to a private or loopback address")
		}
		return nil
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve push endpoint: %w", err)
	}
	for _, a := range addrs {
		if isDisallowedIP(a.IP) {
			return fmt.Errorf("push endpoint resolves to a private or loopback address")
		}
	}
	return nil
}

func isDisallowedIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// PushDeliveryWorker drains a bounded queue of task events and delivers them
// to registered webhooks, one HTTP attempt at a time per event, with
// exponential backoff (spec.md §4.7 "Push notifications"). It satisfies
// internal/worker.Worker (Name/Run) structurally, without importing that
// package.
type PushDeliveryWorker struct {
	svc             *Service
	pushConfigs     storage.PushConfigStore
	client          *http.Client
	allowInsecure   bool
	queue           chan gateway.A2ATaskEvent
	log             *slog.Logger
}

// NewPushDeliveryWorker returns a worker with a bounded queue of the given
// depth (spec.md §6 A2A_PUSH_MAX_QUEUE_DEPTH, default 10000).
func NewPushDeliveryWorker(svc *Service, pushConfigs storage.PushConfigStore, queueDepth int, allowInsecure bool, log *slog.Logger) *PushDeliveryWorker {
	return &PushDeliveryWorker{
		svc:           svc,
		pushConfigs:   pushConfigs,
		client:        &http.Client{Transport: provider.NewTransport(nil, false), Timeout: pushDeliveryTimeout},
		allowInsecure: allowInsecure,
		queue:         make(chan gateway.A2ATaskEvent, queueDepth),
		log:           log,
	}
}

func (w *PushDeliveryWorker) Name() string { return "a2a_push_delivery" }

// Enqueue offers an event for push delivery. It never blocks; on a full
// queue the event is dropped and logged (spec.md §4.7 step 6).
func (w *PushDeliveryWorker) Enqueue(e gateway.A2ATaskEvent) {
	select {
	case w.queue <- e:
	default:
		w.log.Error("push delivery queue full, dropping event", "task_id", e.TaskID, "sequence", e.Sequence)
	}
}

// Run drains the queue on a fixed tick, dispatching each event's delivery
// concurrently so one slow webhook cannot stall the others.
func (w *PushDeliveryWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(pushDrainTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

func (w *PushDeliveryWorker) drain(ctx context.Context) {
	for {
		select {
		case e := <-w.queue:
			go w.deliver(ctx, e)
		default:
			return
		}
	}
}

func (w *PushDeliveryWorker) deliver(ctx context.Context, e gateway.A2ATaskEvent) {
	configs, blobs, err := w.pushConfigs.ListEnabledPushConfigsForTask(ctx, e.TaskID)
	if err != nil {
		w.log.Error("list push configs failed", "task_id", e.TaskID, "error", err)
		return
	}

	for i, cfg := range configs {
		if len(blobs[i]) > 0 {
			if err := w.svc.decryptInto(&cfg, blobs[i]); err != nil {
				w.log.Error("decrypt push auth failed", "config_id", cfg.ConfigID, "error", err)
				continue
			}
		}
		w.deliverOne(ctx, cfg, e)
	}
}

func (w *PushDeliveryWorker) deliverOne(ctx context.Context, cfg gateway.A2APushConfig, e gateway.A2ATaskEvent) {
	if err := validateEndpoint(ctx, cfg.Endpoint, w.allowInsecure); err != nil {
		w.log.Error("push endpoint rejected", "config_id", cfg.ConfigID, "endpoint", cfg.Endpoint, "error", err)
		return
	}

	body, err := json.Marshal(pushBody{
		ConfigID: cfg.ConfigID, TaskID: e.TaskID, EventType: e.EventType,
		Sequence: e.Sequence, CreatedAt: e.CreatedAt, Payload: e.Payload, Metadata: cfg.Metadata,
	})
	if err != nil {
		w.log.Error("marshal push body failed", "config_id", cfg.ConfigID, "error", err)
		return
	}

	backoff, err := retry.NewExponential(pushBackoffBase)
	if err != nil {
		w.log.Error("build push backoff failed", "error", err)
		return
	}
	backoff = retry.WithMaxRetries(pushMaxAttempts-1, backoff)

	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if sendErr := w.send(ctx, cfg, body); sendErr != nil {
			return retry.RetryableError(sendErr)
		}
		return nil
	})
	if err != nil {
		w.log.Error("push delivery failed, dropping", "config_id", cfg.ConfigID, "attempts", attempt, "error", err)
	}
}

func (w *PushDeliveryWorker) send(ctx context.Context, cfg gateway.A2APushConfig, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, pushDeliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	applyPushAuth(req, cfg.Authentication, body)

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("push webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// applyPushAuth sets the request's authentication per the config's mode
// (spec.md §4.7 step 4).
func applyPushAuth(req *http.Request, auth *gateway.A2APushAuth, body []byte) {
	if auth == nil {
		return
	}
	switch auth.Mode {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case "headers":
		for k, v := range auth.Headers {
			req.Header.Set(k, v)
		}
	case "hmac-sha256":
		mac := hmac.New(sha256.New, []byte(auth.Secret))
		mac.Write(body)
		req.Header.Set("x-a2a-signature", hex.EncodeToString(mac.Sum(nil)))
	}
}
