package preference

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
)

// Match strictness tiers. Merging a new decision into an existing
// preference requires signature equality or near-identity; auto-approval
// accepts the best weighted match above the lower floor but then requires
// confidence and an approved decision on top.
const (
	mergeSimilarity = 0.95
	matchSimilarity = 0.7
)

// Reinforcement deltas applied on repeated decisions for the same pattern.
const (
	reinforceDelta = 0.1
	conflictDelta  = 0.3
)

// Learner decides whether a human checkpoint can be bypassed, and folds
// human decisions back into the preference store.
type Learner struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewLearner creates a Learner. A nil logger means slog.Default().
func NewLearner(store Store, logger *slog.Logger) *Learner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Learner{store: store, logger: logger, now: time.Now}
}

// LearnFromDecision records one checkpoint decision. If an existing
// preference for the key has an identical signature or near-identical
// pattern it is reinforced: confidence rises on agreement, falls on
// conflict, and the decision field tracks the most recent decision.
// Otherwise a new preference is created at full confidence.
func (l *Learner) LearnFromDecision(ctx context.Context, userID, preferenceKey string, checkpointCtx map[string]any, decision Decision, feedback string) (*UserPreference, error) {
	pattern := ExtractPattern(checkpointCtx)
	now := l.now().UTC()

	existing, err := l.store.ListByKey(ctx, userID, preferenceKey)
	if err != nil {
		return nil, fmt.Errorf("list preferences: %w", err)
	}
	for _, p := range existing {
		if p.Pattern.Signature != pattern.Signature && Similarity(p.Pattern, pattern) < mergeSimilarity {
			continue
		}
		if p.Decision == decision {
			p.Confidence = clampConfidence(p.Confidence + reinforceDelta)
		} else {
			p.Confidence = clampConfidence(p.Confidence - conflictDelta)
		}
		p.Decision = decision
		p.UsageCount++
		p.LastUsed = now
		p.DecayPeriods = 0
		if feedback != "" {
			p.Feedback = feedback
		}
		if err := l.store.Put(ctx, p); err != nil {
			return nil, fmt.Errorf("update preference: %w", err)
		}
		return p, nil
	}

	p := &UserPreference{
		ID:            uuid.NewString(),
		UserID:        userID,
		PreferenceKey: preferenceKey,
		Pattern:       pattern,
		Decision:      decision,
		Confidence:    MaxConfidence,
		UsageCount:    1,
		LastUsed:      now,
		Feedback:      feedback,
		CreatedAt:     now,
	}
	if err := l.store.Put(ctx, p); err != nil {
		return nil, fmt.Errorf("create preference: %w", err)
	}
	return p, nil
}

// Match is the outcome of scoring stored preferences against a context.
type Match struct {
	Preference *UserPreference
	Similarity float64
}

// FindMatchingPreference scores every stored preference for the key against
// the context and returns the best candidate at or above the similarity
// floor, or nil if none qualifies.
func (l *Learner) FindMatchingPreference(ctx context.Context, userID, preferenceKey string, checkpointCtx map[string]any) (*Match, error) {
	pattern := ExtractPattern(checkpointCtx)
	existing, err := l.store.ListByKey(ctx, userID, preferenceKey)
	if err != nil {
		return nil, fmt.Errorf("list preferences: %w", err)
	}

	var best *Match
	for _, p := range existing {
		sim := Similarity(p.Pattern, pattern)
		if sim < matchSimilarity {
			continue
		}
		if best == nil || sim > best.Similarity {
			best = &Match{Preference: p, Similarity: sim}
		}
	}
	return best, nil
}

// Approval is the auto-approval verdict for a checkpoint.
type Approval struct {
	AutoApprove bool
	Match       *Match
	Reason      string
}

// ShouldAutoApprove returns auto_approve=true only when the best matching
// preference's decision is approved and its confidence meets the threshold.
// threshold <= 0 selects DefaultAutoApproveThreshold.
func (l *Learner) ShouldAutoApprove(ctx context.Context, userID, preferenceKey string, checkpointCtx map[string]any, threshold float64) (*Approval, error) {
	if threshold <= 0 {
		threshold = DefaultAutoApproveThreshold
	}
	match, err := l.FindMatchingPreference(ctx, userID, preferenceKey, checkpointCtx)
	if err != nil {
		return nil, err
	}
	if match == nil {
		return &Approval{Reason: "no matching preference"}, nil
	}
	p := match.Preference
	if p.Decision != DecisionApproved {
		return &Approval{Match: match, Reason: "last matching decision was " + string(p.Decision)}, nil
	}
	if p.Confidence < threshold {
		return &Approval{Match: match, Reason: fmt.Sprintf("confidence %.2f below threshold %.2f", p.Confidence, threshold)}, nil
	}
	return &Approval{AutoApprove: true, Match: match, Reason: "learned preference"}, nil
}

// DecayOldPreferences applies multiplicative decay to preferences unused
// beyond window: one factor per decay period elapsed past the window,
// floored at MinConfidence. Already-applied periods are tracked per
// preference, so repeated sweeps are idempotent. Returns the number of
// preferences updated. This is a maintenance sweep; reads never trigger it.
func (l *Learner) DecayOldPreferences(ctx context.Context, userID string, window, period time.Duration, factor float64) (int, error) {
	if factor <= 0 || factor >= 1 {
		return 0, fmt.Errorf("decay factor %v outside (0,1)", factor)
	}
	prefs, err := l.store.ListByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list preferences: %w", err)
	}

	now := l.now().UTC()
	updated := 0
	for _, p := range prefs {
		idle := now.Sub(p.LastUsed)
		if idle <= window {
			continue
		}
		periods := int((idle - window) / period)
		if periods <= p.DecayPeriods {
			continue
		}
		decayed := p.Confidence * math.Pow(factor, float64(periods-p.DecayPeriods))
		if decayed < MinConfidence {
			decayed = MinConfidence
		}
		p.Confidence = decayed
		p.DecayPeriods = periods
		if err := l.store.Put(ctx, p); err != nil {
			return updated, fmt.Errorf("persist decayed preference %s: %w", p.ID, err)
		}
		updated++
	}
	if updated > 0 {
		l.logger.Debug("decayed stale preferences", "user_id", userID, "updated", updated)
	}
	return updated, nil
}
