package preference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Key layout:
//
//	pref:{id}                          record (JSON)
//	pref:user:{userId}:prefs           sorted set of ids by last-used
//	pref:user:{userId}:key:{prefKey}   set of ids for one preference key
//	pref:high_confidence               sorted set of {userId}:{id} by confidence
const (
	recordKeyPrefix   = "pref:"
	highConfidenceKey = "pref:high_confidence"
)

// highConfidenceFloor gates membership in the high-confidence index.
const highConfidenceFloor = DefaultAutoApproveThreshold

// RedisStore persists preferences in Redis under the pref: key layout.
type RedisStore struct {
	client redis.UniversalClient
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore over the given client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func recordKey(id string) string { return recordKeyPrefix + id }

func userPrefsKey(userID string) string { return "pref:user:" + userID + ":prefs" }

func userKeyIndex(userID, preferenceKey string) string {
	return "pref:user:" + userID + ":key:" + preferenceKey
}

func highConfidenceMember(userID, id string) string { return userID + ":" + id }

// Put writes the record and all of its index entries in one pipeline.
func (s *RedisStore) Put(ctx context.Context, p *UserPreference) error {
	blob, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal preference: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, recordKey(p.ID), blob, 0)
	pipe.ZAdd(ctx, userPrefsKey(p.UserID), redis.Z{
		Score:  float64(p.LastUsed.UnixMilli()),
		Member: p.ID,
	})
	pipe.SAdd(ctx, userKeyIndex(p.UserID, p.PreferenceKey), p.ID)
	member := highConfidenceMember(p.UserID, p.ID)
	if p.Confidence >= highConfidenceFloor {
		pipe.ZAdd(ctx, highConfidenceKey, redis.Z{Score: p.Confidence, Member: member})
	} else {
		pipe.ZRem(ctx, highConfidenceKey, member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store preference %s: %w", p.ID, err)
	}
	return nil
}

// Get retrieves a preference by id.
func (s *RedisStore) Get(ctx context.Context, id string) (*UserPreference, error) {
	blob, err := s.client.Get(ctx, recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("preference %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load preference %s: %w", id, err)
	}
	var p UserPreference
	if err := json.Unmarshal(blob, &p); err != nil {
		return nil, fmt.Errorf("decode preference %s: %w", id, err)
	}
	return &p, nil
}

// ListByKey returns all preferences for one user and preference key.
func (s *RedisStore) ListByKey(ctx context.Context, userID, preferenceKey string) ([]*UserPreference, error) {
	ids, err := s.client.SMembers(ctx, userKeyIndex(userID, preferenceKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("list preference ids: %w", err)
	}
	return s.loadAll(ctx, ids)
}

// ListByUser returns all preferences for a user, most recently used first.
func (s *RedisStore) ListByUser(ctx context.Context, userID string) ([]*UserPreference, error) {
	ids, err := s.client.ZRevRange(ctx, userPrefsKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list user preferences: %w", err)
	}
	return s.loadAll(ctx, ids)
}

// loadAll fetches records by id, skipping ids whose record has expired out
// from under the index (best-effort cache-style read).
func (s *RedisStore) loadAll(ctx context.Context, ids []string) ([]*UserPreference, error) {
	out := make([]*UserPreference, 0, len(ids))
	for _, id := range ids {
		p, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Delete removes a preference and its index entries.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, recordKey(id))
	pipe.ZRem(ctx, userPrefsKey(p.UserID), id)
	pipe.SRem(ctx, userKeyIndex(p.UserID, p.PreferenceKey), id)
	pipe.ZRem(ctx, highConfidenceKey, highConfidenceMember(p.UserID, id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete preference %s: %w", id, err)
	}
	return nil
}
