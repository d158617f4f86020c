package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/flywheel/capability"
)

// usageRecord is one analytics write queued behind a dispatch.
type usageRecord struct {
	kind    capability.Kind
	name    string
	orgID   string
	success bool
}

// Tracker applies capability usage analytics off the dispatch path. Writes
// go through a bounded queue drained by one worker goroutine; a full queue
// or a failed write is logged and dropped, never surfaced to the dispatch
// that produced it.
type Tracker struct {
	store   capability.ConfigStore
	logger  *slog.Logger
	queue   chan usageRecord
	dropped func() // test hook, may be nil

	stopOnce sync.Once
	done     chan struct{}
}

// NewTracker creates a Tracker with the given queue depth and starts its
// worker. Call Stop to drain and shut down.
func NewTracker(store capability.ConfigStore, depth int, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if depth <= 0 {
		depth = 256
	}
	t := &Tracker{
		store:  store,
		logger: logger,
		queue:  make(chan usageRecord, depth),
		done:   make(chan struct{}),
	}
	go t.run()
	return t
}

// Record enqueues one usage increment. Never blocks.
func (t *Tracker) Record(kind capability.Kind, name, orgID string, success bool) {
	select {
	case t.queue <- usageRecord{kind: kind, name: name, orgID: orgID, success: success}:
	default:
		t.logger.Warn("usage analytics queue full, dropping record",
			"kind", string(kind), "name", name)
		if t.dropped != nil {
			t.dropped()
		}
	}
}

// Stop closes the queue and waits for the worker to drain it.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.queue) })
	<-t.done
}

func (t *Tracker) run() {
	defer close(t.done)
	for rec := range t.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := t.store.RecordUsage(ctx, rec.kind, rec.name, rec.orgID, rec.success)
		cancel()
		if err != nil {
			t.logger.Warn("usage analytics write failed",
				"kind", string(rec.kind), "name", rec.name, "error", err)
		}
	}
}
