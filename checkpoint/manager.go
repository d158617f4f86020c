package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/flywheel/events"
	"github.com/GoCodeAlone/flywheel/preference"
	"github.com/GoCodeAlone/flywheel/task"
)

// DefaultTimeoutMinutes is how long a checkpoint stays pending before it
// can be expired by a sweep.
const DefaultTimeoutMinutes = 30

// defaultPollInterval is the decision polling cadence for WaitForDecision.
const defaultPollInterval = 2 * time.Second

// Manager drives the checkpoint lifecycle: create with auto-approval
// against learned preferences, resolve on a human decision and feed the
// decision back into the learner, expire stale entries.
type Manager struct {
	store     Store
	tasks     task.Store
	learner   *preference.Learner
	notifier  *events.Notifier
	threshold float64
	timeout   int // minutes
	poll      time.Duration
	logger    *slog.Logger
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Store     Store
	Tasks     task.Store
	Learner   *preference.Learner
	Notifier  *events.Notifier
	Threshold float64 // auto-approval confidence threshold, <= 0 uses the learner default
	Timeout   int     // minutes before a pending checkpoint is stale
	Logger    *slog.Logger
}

// NewManager creates a Manager.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeoutMinutes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		store:     opts.Store,
		tasks:     opts.Tasks,
		learner:   opts.Learner,
		notifier:  opts.Notifier,
		threshold: opts.Threshold,
		timeout:   opts.Timeout,
		poll:      defaultPollInterval,
		logger:    opts.Logger,
	}
}

// Create opens a checkpoint for a step. If a learned preference clears the
// auto-approval bar the checkpoint is resolved immediately and the task
// never leaves its current status; otherwise the task transitions to
// checkpoint status and the checkpoint awaits a human decision. Returns
// the stored checkpoint and whether it was auto-approved.
func (m *Manager) Create(ctx context.Context, cp *Checkpoint) (*Checkpoint, bool, error) {
	if cp.TimeoutMinutes <= 0 {
		cp.TimeoutMinutes = m.timeout
	}

	if m.learner != nil {
		verdict, err := m.learner.ShouldAutoApprove(ctx, cp.UserID, cp.Name, cp.Context, m.threshold)
		if err != nil {
			// Preference reads are best-effort: a failed lookup falls
			// back to the human path.
			m.logger.Warn("auto-approval check failed",
				"task_id", cp.TaskID, "checkpoint", cp.Name, "error", err)
		} else if verdict.AutoApprove {
			now := time.Now().UTC()
			cp.Status = StatusAutoApproved
			cp.Comment = verdict.Reason
			cp.ResolvedAt = &now
			if err := m.store.Put(ctx, cp); err != nil {
				return nil, false, err
			}
			m.publishResolved(ctx, cp, true)
			m.logger.Info("checkpoint auto-approved",
				"task_id", cp.TaskID, "checkpoint", cp.Name,
				"confidence", verdict.Match.Preference.Confidence)
			return cp, true, nil
		}
	}

	cp.Status = StatusPending
	if err := m.store.Put(ctx, cp); err != nil {
		return nil, false, err
	}
	if _, err := m.tasks.TransitionStatus(ctx, cp.TaskID, task.StatusCheckpoint, nil); err != nil {
		return nil, false, fmt.Errorf("transition task %s to checkpoint: %w", cp.TaskID, err)
	}
	if m.notifier != nil {
		if err := m.notifier.CheckpointCreated(ctx, cp.TaskID, cp.StepID, map[string]any{
			"checkpoint_id": cp.ID,
			"name":          cp.Name,
		}); err != nil {
			m.logger.Warn("publish checkpoint created failed", "checkpoint_id", cp.ID, "error", err)
		}
	}
	return cp, false, nil
}

// Approve resolves a pending checkpoint as approved, feeds the decision to
// the learner, and moves the task back to executing.
func (m *Manager) Approve(ctx context.Context, id, comment, feedback string) (*Checkpoint, error) {
	return m.decide(ctx, id, StatusApproved, preference.DecisionApproved, task.StatusExecuting, comment, feedback)
}

// Reject resolves a pending checkpoint as rejected, feeds the decision to
// the learner, and fails the task.
func (m *Manager) Reject(ctx context.Context, id, comment, feedback string) (*Checkpoint, error) {
	return m.decide(ctx, id, StatusRejected, preference.DecisionRejected, task.StatusFailed, comment, feedback)
}

func (m *Manager) decide(ctx context.Context, id string, status Status, decision preference.Decision, next task.Status, comment, feedback string) (*Checkpoint, error) {
	cp, err := m.store.Resolve(ctx, id, status, comment)
	if err != nil {
		return nil, err
	}

	if m.learner != nil {
		if _, err := m.learner.LearnFromDecision(ctx, cp.UserID, cp.Name, cp.Context, decision, feedback); err != nil {
			// Learning is analytics, not control flow.
			m.logger.Warn("learn from decision failed",
				"checkpoint_id", cp.ID, "decision", string(decision), "error", err)
		}
	}

	if _, err := m.tasks.TransitionStatus(ctx, cp.TaskID, next, nil); err != nil {
		return nil, fmt.Errorf("transition task %s to %s: %w", cp.TaskID, next, err)
	}
	m.publishResolved(ctx, cp, false)
	return cp, nil
}

// ListPending returns pending checkpoints, oldest first.
func (m *Manager) ListPending(ctx context.Context, userID string) ([]Checkpoint, error) {
	return m.store.ListPending(ctx, userID)
}

// WaitForDecision polls until the checkpoint resolves or the timeout
// elapses. A timeout returns the still-pending checkpoint and false.
func (m *Manager) WaitForDecision(ctx context.Context, id string, timeout time.Duration) (*Checkpoint, bool, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		cp, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if cp.Status.Resolved() {
			return cp, true, nil
		}
		if time.Now().After(deadline) {
			return cp, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ExpireStale resolves pending checkpoints older than their timeout as
// expired. Returns the number expired. Expiry does not touch the task:
// a recovery sweep over tasks stuck in checkpoint status handles those.
func (m *Manager) ExpireStale(ctx context.Context) (int, error) {
	pending, err := m.store.ListPending(ctx, "")
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	expired := 0
	for i := range pending {
		cp := &pending[i]
		if now.Before(cp.CreatedAt.Add(time.Duration(cp.TimeoutMinutes) * time.Minute)) {
			continue
		}
		resolved, err := m.store.Resolve(ctx, cp.ID, StatusExpired, "timed out awaiting decision")
		if err != nil {
			m.logger.Warn("expire checkpoint failed", "checkpoint_id", cp.ID, "error", err)
			continue
		}
		expired++
		m.publishResolved(ctx, resolved, false)
	}
	return expired, nil
}

// publishResolved emits a checkpoint.resolved event. Failures are logged
// and swallowed.
func (m *Manager) publishResolved(ctx context.Context, cp *Checkpoint, auto bool) {
	if m.notifier == nil {
		return
	}
	err := m.notifier.CheckpointResolved(ctx, cp.TaskID, cp.StepID, map[string]any{
		"checkpoint_id": cp.ID,
		"name":          cp.Name,
		"status":        string(cp.Status),
		"auto":          auto,
	})
	if err != nil {
		m.logger.Warn("publish checkpoint resolved failed", "checkpoint_id", cp.ID, "error", err)
	}
}
