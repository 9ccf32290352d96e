// Package session mirrors live presence into Redis so other API nodes and
// tooling can read who is connected to a project.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"abode/collab/internal/presence"
)

// RedisMirror keeps one expiring key per session plus a member set per
// project. The key TTL matches the heartbeat timeout, so a node that dies
// without cleaning up stops reporting its users once the TTL lapses.
type RedisMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisMirror(redisURL string, ttl time.Duration) (*RedisMirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisMirrorWithClient(client, ttl), nil
}

func NewRedisMirrorWithClient(client *redis.Client, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisMirror{
		client: client,
		prefix: "presence:",
		ttl:    ttl,
	}
}

func (m *RedisMirror) sessionKey(projectID, userID string) string {
	return m.prefix + projectID + ":user:" + userID
}

func (m *RedisMirror) membersKey(projectID string) string {
	return m.prefix + projectID + ":members"
}

// Put stores or replaces a session and restarts its TTL.
func (m *RedisMirror) Put(ctx context.Context, s presence.Session) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	pipe := m.client.TxPipeline()
	pipe.Set(ctx, m.sessionKey(s.ProjectID, s.UserID), payload, m.ttl)
	pipe.SAdd(ctx, m.membersKey(s.ProjectID), s.UserID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// Touch extends a session's TTL. It reports false when the key already lapsed.
func (m *RedisMirror) Touch(ctx context.Context, projectID, userID string) (bool, error) {
	ok, err := m.client.Expire(ctx, m.sessionKey(projectID, userID), m.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("touch session: %w", err)
	}
	return ok, nil
}

func (m *RedisMirror) Remove(ctx context.Context, projectID, userID string) error {
	pipe := m.client.TxPipeline()
	pipe.Del(ctx, m.sessionKey(projectID, userID))
	pipe.SRem(ctx, m.membersKey(projectID), userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}

// ActiveUsers returns live sessions ordered by join time and prunes members
// whose key has expired.
func (m *RedisMirror) ActiveUsers(ctx context.Context, projectID string) ([]presence.Session, error) {
	members, err := m.client.SMembers(ctx, m.membersKey(projectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	sort.Strings(members)
	if len(members) == 0 {
		return []presence.Session{}, nil
	}

	keys := make([]string, len(members))
	for i, userID := range members {
		keys[i] = m.sessionKey(projectID, userID)
	}
	values, err := m.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read sessions: %w", err)
	}

	out := make([]presence.Session, 0, len(values))
	var stale []any
	for i, raw := range values {
		text, ok := raw.(string)
		if !ok {
			stale = append(stale, members[i])
			continue
		}
		var s presence.Session
		if err := json.Unmarshal([]byte(text), &s); err != nil {
			return nil, fmt.Errorf("unmarshal session %s: %w", members[i], err)
		}
		out = append(out, s)
	}
	if len(stale) > 0 {
		if err := m.client.SRem(ctx, m.membersKey(projectID), stale...).Err(); err != nil {
			return nil, fmt.Errorf("prune members: %w", err)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}

func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}
