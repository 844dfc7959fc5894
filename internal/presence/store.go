// Package presence tracks which users currently hold a live relay connection,
// and on which relay instance, in Redis.
//
//	Key:   presence:<user_id>
//	Value: hash {user_id, conn_id, server, connected_at, last_active}
//	TTL:   PresenceTTL, refreshed on activity
package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PresencePrefix is the Redis key prefix for presence hashes.
	PresencePrefix = "presence:"

	// PresenceTTL bounds how long a crashed relay's entries linger.
	PresenceTTL = 2 * time.Minute
)

// Entry is one user's presence record.
type Entry struct {
	UserID      int64  `redis:"user_id"`
	ConnID      string `redis:"conn_id"`
	Server      string `redis:"server"`
	ConnectedAt int64  `redis:"connected_at"`
	LastActive  int64  `redis:"last_active"`
}

// Store manages presence records in Redis.
type Store struct {
	client       *redis.Client
	serverName   string
	removeScript *redis.Script
}

// NewStore creates a presence store using the provided Redis client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{
		client:       client,
		serverName:   serverName,
		removeScript: redis.NewScript(removeIfOwnerLua),
	}
}

// Dial connects to Redis at addr and verifies the connection.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}
	return client, nil
}

// Set records that userID is connected through connID on this server,
// replacing any previous entry.
func (s *Store) Set(ctx context.Context, userID int64, connID string) error {
	key := key(userID)
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"user_id":      userID,
		"conn_id":      connID,
		"server":       s.serverName,
		"connected_at": now,
		"last_active":  now,
	})
	pipe.Expire(ctx, key, PresenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: set: %w", err)
	}
	return nil
}

// Get returns the presence entry for userID, or nil if the user is offline.
func (s *Store) Get(ctx context.Context, userID int64) (*Entry, error) {
	var entry Entry
	if err := s.client.HGetAll(ctx, key(userID)).Scan(&entry); err != nil {
		return nil, fmt.Errorf("presence: get: %w", err)
	}
	if entry.ConnID == "" {
		return nil, nil
	}
	return &entry, nil
}

// Touch refreshes the activity timestamp and TTL.
func (s *Store) Touch(ctx context.Context, userID int64) error {
	key := key(userID)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, PresenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Remove deletes the presence entry only if it still belongs to connID. A
// disconnect of a replaced connection therefore never clears the presence of
// the connection that replaced it. It reports whether an entry was removed.
func (s *Store) Remove(ctx context.Context, userID int64, connID string) (bool, error) {
	n, err := s.removeScript.Run(ctx, s.client, []string{key(userID)}, connID).Int()
	if err != nil {
		return false, fmt.Errorf("presence: remove: %w", err)
	}
	return n == 1, nil
}

// Online reports which of ids currently have a presence entry.
func (s *Store) Online(ctx context.Context, ids []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Exists(ctx, key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("presence: online: %w", err)
	}
	for i, id := range ids {
		out[id] = cmds[i].Val() == 1
	}
	return out, nil
}

func key(userID int64) string {
	return PresencePrefix + strconv.FormatInt(userID, 10)
}

// removeIfOwnerLua deletes KEYS[1] only when its conn_id equals ARGV[1].
//
//	1 = removed
//	0 = missing or owned by another connection
const removeIfOwnerLua = `
local owner = redis.call('HGET', KEYS[1], 'conn_id')
if owner == ARGV[1] then
    redis.call('DEL', KEYS[1])
    return 1
end
return 0
`
