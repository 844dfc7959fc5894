// Package ratelimit provides Redis-backed fixed-window rate limiting keyed by
// user. Each rule counts actions with INCR and bounds the window with an
// expiry set on the first action.
package ratelimit

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, the maximum
// number of actions allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix, e.g. "rl:msg:"
	Limit  int           // max count in the window
	Window time.Duration // window length
}

var (
	// RuleMessage allows 20 chat messages per 10 seconds per user.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 20, Window: 10 * time.Second}

	// RuleConnect allows 10 connection upgrades per minute per user.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 10, Window: 1 * time.Minute}
)

// incrWindow increments KEYS[1] and, on the first increment, sets its expiry
// to ARGV[1] milliseconds. Running both in one script keeps a counter from
// ever living without a TTL.
var incrWindow = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// AllowUser is Allow keyed by a user id.
func (l *Limiter) AllowUser(ctx context.Context, userID int64, rule Rule) (bool, error) {
	return l.Allow(ctx, strconv.FormatInt(userID, 10), rule)
}

// Allow counts one action for identifier and reports whether it is within
// rule.
//
// On Redis errors Allow fails open: it returns true together with the error,
// so an outage never blocks legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	n, err := incrWindow.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int()
	if err != nil {
		log.Printf("[ratelimit] redis error key=%s: %v (failing open)", key, err)
		return true, err
	}

	return n <= rule.Limit, nil
}
