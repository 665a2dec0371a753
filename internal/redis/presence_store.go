package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sockfleet/sockfleet/internal/domain"
)

const (
	onlineSetKey = "presence:online"
	instancesKey = "presence:instances"
)

func instanceKey(instanceID string) string {
	return "presence:instance:" + instanceID
}

func heldKey(instanceID string) string {
	return "presence:held:" + instanceID
}

// PresenceStore implements domain.PresenceStore on Redis sets.
// SADD/SREM return values answer the online/offline transition question
// in the same round trip that performs the mutation, so there is no
// check-then-act window between instances.
type PresenceStore struct {
	rdb *goredis.Client
}

var _ domain.PresenceStore = (*PresenceStore)(nil)

// NewPresenceStore creates a presence store on the given client.
func NewPresenceStore(client *Client) *PresenceStore {
	return &PresenceStore{rdb: client.rdb}
}

// AddOnline adds userID to the online set. SADD returns the number of
// members actually inserted: 1 means this call saw the 0->1 transition.
func (s *PresenceStore) AddOnline(ctx context.Context, userID string) (bool, error) {
	n, err := s.rdb.SAdd(ctx, onlineSetKey, userID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to add online member: %w", err)
	}
	return n == 1, nil
}

// RemoveOnline removes userID from the online set. SREM returns the
// number of members removed: 1 means this call saw the 1->0 transition.
func (s *PresenceStore) RemoveOnline(ctx context.Context, userID string) (bool, error) {
	n, err := s.rdb.SRem(ctx, onlineSetKey, userID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to remove online member: %w", err)
	}
	return n == 1, nil
}

// IsOnline reports membership in the online set.
func (s *PresenceStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	online, err := s.rdb.SIsMember(ctx, onlineSetKey, userID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check online membership: %w", err)
	}
	return online, nil
}

// OnlineUsers returns every member of the online set.
func (s *PresenceStore) OnlineUsers(ctx context.Context) ([]string, error) {
	users, err := s.rdb.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list online members: %w", err)
	}
	return users, nil
}

// OnlineCount returns the cardinality of the online set.
func (s *PresenceStore) OnlineCount(ctx context.Context) (int64, error) {
	n, err := s.rdb.SCard(ctx, onlineSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count online members: %w", err)
	}
	return n, nil
}

// Heartbeat refreshes this instance's liveness key and rewrites its held
// set, both expiring after ttl so a crashed instance stops vouching for
// its users without any cleanup step.
func (s *PresenceStore) Heartbeat(ctx context.Context, instanceID string, held []string, ttl time.Duration) error {
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, instanceKey(instanceID), time.Now().Unix(), ttl)
	pipe.SAdd(ctx, instancesKey, instanceID)
	pipe.Del(ctx, heldKey(instanceID))
	if len(held) > 0 {
		members := make([]interface{}, len(held))
		for i, u := range held {
			members[i] = u
		}
		pipe.SAdd(ctx, heldKey(instanceID), members...)
		pipe.Expire(ctx, heldKey(instanceID), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	return nil
}

// HeldByLiveInstances unions the held sets of every instance whose
// liveness key still exists. Instances whose key expired are lazily
// pruned from the instance registry.
func (s *PresenceStore) HeldByLiveInstances(ctx context.Context) (map[string]struct{}, error) {
	instances, err := s.rdb.SMembers(ctx, instancesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	held := make(map[string]struct{})
	for _, id := range instances {
		alive, err := s.rdb.Exists(ctx, instanceKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check instance liveness: %w", err)
		}
		if alive == 0 {
			s.rdb.SRem(ctx, instancesKey, id)
			s.rdb.Del(ctx, heldKey(id))
			continue
		}
		users, err := s.rdb.SMembers(ctx, heldKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read held set: %w", err)
		}
		for _, u := range users {
			held[u] = struct{}{}
		}
	}
	return held, nil
}

// RemoveInstance drops the instance's liveness key and held set.
func (s *PresenceStore) RemoveInstance(ctx context.Context, instanceID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, instanceKey(instanceID))
	pipe.Del(ctx, heldKey(instanceID))
	pipe.SRem(ctx, instancesKey, instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove instance: %w", err)
	}
	return nil
}
