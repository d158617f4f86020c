package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/GoCodeAlone/flywheel/events"
	"github.com/GoCodeAlone/flywheel/lock"
)

// Event patterns the worker subscribes to.
const (
	PatternWebhook     = "external.webhook.*"
	PatternIntegration = "external.integration.*"
)

// DefaultLockTTL bounds how long a crashed worker can hold an event lock.
const DefaultLockTTL = 60 * time.Second

// Worker consumes external-event notifications and processes each event at
// most once across all worker instances. Per event: acquire the distributed
// lock, run the source-callback and task-trigger match paths, release the
// lock whatever the outcome. A denied lock means another worker owns the
// event and the notification is skipped.
type Worker struct {
	id       string
	bus      Bus
	source   Source
	locker   lock.Locker
	registry Registry
	engine   Engine
	notifier *events.Notifier
	prefix   string
	lockTTL  time.Duration
	metrics  *Metrics
	logger   *slog.Logger
}

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	ID       string // worker instance id, defaults to a fresh uuid
	Bus      Bus
	Source   Source
	Locker   lock.Locker
	Registry Registry
	Engine   Engine
	Notifier *events.Notifier
	Prefix   string // lock key prefix
	LockTTL  time.Duration
	Metrics  *Metrics
	Logger   *slog.Logger
}

// NewWorker creates a Worker.
func NewWorker(opts WorkerOptions) *Worker {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{
		id:       opts.ID,
		bus:      opts.Bus,
		source:   opts.Source,
		locker:   opts.Locker,
		registry: opts.Registry,
		engine:   opts.Engine,
		notifier: opts.Notifier,
		prefix:   opts.Prefix,
		lockTTL:  opts.LockTTL,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With("worker_id", opts.ID),
	}
}

// Run subscribes to the webhook and integration patterns and processes
// notifications until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ch, err := w.bus.Subscribe(ctx, PatternWebhook, PatternIntegration)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	w.logger.Info("event trigger worker started",
		"patterns", []string{PatternWebhook, PatternIntegration})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-ch:
			if !ok {
				return nil
			}
			w.Handle(ctx, n.EventID)
		}
	}
}

// Handle processes one notification end to end: fetch, lock, match,
// release. Safe to call concurrently from multiple workers with the same
// event id; exactly one of them processes it.
func (w *Worker) Handle(ctx context.Context, eventID string) {
	event, err := w.fetchEvent(ctx, eventID)
	if err != nil {
		w.logger.Warn("fetch event failed", "event_id", eventID, "error", err)
		return
	}

	key := lock.EventKey(w.prefix, eventID)
	if err := w.locker.Acquire(ctx, key, w.id, w.lockTTL); err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			w.logger.Debug("event locked by another worker, skipping", "event_id", eventID)
			if w.metrics != nil {
				w.metrics.eventsDeduplicated.Inc()
			}
			return
		}
		w.logger.Error("acquire event lock failed", "event_id", eventID, "error", err)
		return
	}
	defer func() {
		if err := w.locker.Release(ctx, key, w.id); err != nil {
			w.logger.Warn("release event lock failed", "event_id", eventID, "error", err)
		}
	}()

	w.process(ctx, event)
	if w.metrics != nil {
		w.metrics.eventsProcessed.Inc()
	}
}

// fetchEvent retrieves the full event for a notification. The bus is
// at-least-once and the event write can race the notify, so misses retry
// with exponential backoff before giving up.
func (w *Worker) fetchEvent(ctx context.Context, eventID string) (*ExternalEvent, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = 5 * time.Second

	var event *ExternalEvent
	op := func() error {
		var err error
		event, err = w.source.Fetch(ctx, eventID)
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return event, nil
}

// process runs both match paths. They are independent: a failure in one
// does not stop the other, and neither failure propagates past the lock
// release.
func (w *Worker) process(ctx context.Context, event *ExternalEvent) {
	if err := w.matchSourceCallback(ctx, event); err != nil {
		w.logger.Error("source callback failed", "event_id", event.ID, "error", err)
	}
	if err := w.matchTaskTriggers(ctx, event); err != nil {
		w.logger.Error("task trigger matching failed", "event_id", event.ID, "error", err)
	}
}

// matchSourceCallback handles the source configuration referenced by the
// event's source_id metadata. Inactive or absent sources drop the event.
func (w *Worker) matchSourceCallback(ctx context.Context, event *ExternalEvent) error {
	sourceID := event.SourceID()
	if sourceID == "" {
		return nil
	}
	cfg, err := w.registry.GetSource(ctx, sourceID)
	if err != nil {
		if errors.Is(err, ErrSourceNotFound) {
			w.logger.Debug("event references unknown source, dropping",
				"event_id", event.ID, "source_id", sourceID)
			return nil
		}
		return fmt.Errorf("lookup source %s: %w", sourceID, err)
	}
	if !cfg.Active {
		w.logger.Debug("source inactive, dropping",
			"event_id", event.ID, "source_id", sourceID)
		return nil
	}
	if !VerifySignature(cfg.Source, cfg.Secret, event.RawPayload, event.Signature()) {
		w.logger.Warn("event signature verification failed, dropping",
			"event_id", event.ID, "source_id", sourceID)
		return nil
	}

	ok, err := EvaluateCondition(cfg.Condition, event)
	if err != nil {
		return fmt.Errorf("source %s condition: %w", sourceID, err)
	}
	if !ok {
		return nil
	}

	return w.engine.Execute(ctx, &Callback{
		Action: cfg.Action,
		Params: cfg.Params,
		Event:  event,
	})
}

// matchTaskTriggers runs every active trigger whose filter matches the
// event type. Each match gets a history entry, an execute_task callback,
// and lifecycle events for observers.
func (w *Worker) matchTaskTriggers(ctx context.Context, event *ExternalEvent) error {
	triggers, err := w.registry.TriggersFor(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("list triggers for %s: %w", event.Type, err)
	}
	for i := range triggers {
		tr := &triggers[i]
		ok, err := EvaluateCondition(tr.Condition, event)
		if err != nil {
			w.logger.Warn("trigger condition failed, skipping",
				"trigger_id", tr.ID, "event_id", event.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		w.fireTrigger(ctx, tr, event)
	}
	return nil
}

func (w *Worker) fireTrigger(ctx context.Context, tr *TaskTrigger, event *ExternalEvent) {
	w.notify(ctx, events.TypeTriggerMatched, tr, event, nil)

	exec := &Execution{
		ID:        uuid.NewString(),
		TriggerID: tr.ID,
		EventID:   event.ID,
		Status:    ExecutionRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := w.registry.RecordExecution(ctx, exec); err != nil {
		w.logger.Error("record trigger execution failed", "trigger_id", tr.ID, "error", err)
	}

	err := w.engine.Execute(ctx, &Callback{
		Action:  ActionExecuteTask,
		TaskID:  tr.TaskID,
		UserID:  tr.UserID,
		Params:  tr.Params,
		Event:   event,
		Trigger: tr,
	})
	w.notify(ctx, events.TypeTriggerExecuted, tr, event, nil)

	status, errMsg := ExecutionCompleted, ""
	lifecycle := events.TypeTriggerCompleted
	if err != nil {
		status, errMsg = ExecutionFailed, err.Error()
		lifecycle = events.TypeTriggerFailed
		w.logger.Error("trigger execution failed",
			"trigger_id", tr.ID, "task_id", tr.TaskID, "error", err)
	}
	if cerr := w.registry.CompleteExecution(ctx, exec.ID, status, errMsg); cerr != nil {
		w.logger.Error("complete trigger execution failed", "trigger_id", tr.ID, "error", cerr)
	}
	w.notify(ctx, lifecycle, tr, event, map[string]any{"error": errMsg})
	if w.metrics != nil {
		w.metrics.triggerExecutions.WithLabelValues(string(status)).Inc()
	}
}

// notify publishes a trigger lifecycle event. Publish failures are logged
// and swallowed; observers are best-effort.
func (w *Worker) notify(ctx context.Context, eventType string, tr *TaskTrigger, event *ExternalEvent, extra map[string]any) {
	if w.notifier == nil {
		return
	}
	payload := map[string]any{
		"trigger_id": tr.ID,
		"event_id":   event.ID,
		"event_type": event.Type,
	}
	for k, v := range extra {
		if v != "" && v != nil {
			payload[k] = v
		}
	}
	if err := w.notifier.Trigger(ctx, eventType, tr.TaskID, payload); err != nil {
		w.logger.Warn("publish trigger event failed", "type", eventType, "error", err)
	}
}

// VerifySignature checks the HMAC signature of a raw payload. Returns true
// when the signature matches, or when no secret is configured.
//
// Signature schemes:
//   - slack:   v0=<hex>
//   - github, generic: sha256=<hex>
func VerifySignature(scheme, secret string, payload []byte, signature string) bool {
	if secret == "" {
		return true
	}
	if signature == "" {
		return false
	}

	var sig string
	switch scheme {
	case "slack":
		sig = strings.TrimPrefix(signature, "v0=")
	default:
		sig = strings.TrimPrefix(signature, "sha256=")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(sig), []byte(expected))
}
