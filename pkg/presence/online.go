package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// OnlineIndex records which users have a live connection joined to a
// channel.
type OnlineIndex interface {
	Add(ctx context.Context, channelID, userID string) error
	Remove(ctx context.Context, channelID, userID string) error
	Members(ctx context.Context, channelID string) ([]string, error)
}

// RedisIndex keeps one set per channel under channel:<id>:users.
type RedisIndex struct {
	rdb *redis.Client
}

var _ OnlineIndex = (*RedisIndex)(nil)

func NewRedisIndex(rdb *redis.Client) *RedisIndex {
	return &RedisIndex{rdb: rdb}
}

// DialRedis connects to addr and pings it.
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return rdb, nil
}

func channelKey(channelID string) string {
	return "channel:" + channelID + ":users"
}

func (r *RedisIndex) Add(ctx context.Context, channelID, userID string) error {
	return r.rdb.SAdd(ctx, channelKey(channelID), userID).Err()
}

func (r *RedisIndex) Remove(ctx context.Context, channelID, userID string) error {
	return r.rdb.SRem(ctx, channelKey(channelID), userID).Err()
}

func (r *RedisIndex) Members(ctx context.Context, channelID string) ([]string, error) {
	users, err := r.rdb.SMembers(ctx, channelKey(channelID)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(users)
	return users, nil
}

// MemoryIndex is the single-process OnlineIndex used when Redis is not
// configured.
type MemoryIndex struct {
	mu   sync.RWMutex
	sets map[string]map[string]struct{}
}

var _ OnlineIndex = (*MemoryIndex)(nil)

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{sets: make(map[string]map[string]struct{})}
}

func (m *MemoryIndex) Add(_ context.Context, channelID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[channelID]
	if set == nil {
		set = make(map[string]struct{})
		m.sets[channelID] = set
	}
	set[userID] = struct{}{}
	return nil
}

func (m *MemoryIndex) Remove(_ context.Context, channelID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set := m.sets[channelID]; set != nil {
		delete(set, userID)
		if len(set) == 0 {
			delete(m.sets, channelID)
		}
	}
	return nil
}

func (m *MemoryIndex) Members(_ context.Context, channelID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make([]string, 0, len(m.sets[channelID]))
	for u := range m.sets[channelID] {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}
