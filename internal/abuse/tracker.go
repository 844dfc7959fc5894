// Package abuse escalates repeated flagged messages between the same sender
// and receiver. Counters live in Redis so every relay instance sees the same
// history:
//
//	Key:   abuse:<sender_id>:<receiver_id>
//	Value: number of flagged messages
//	TTL:   PairTTL, set on the first flagged message
//
// The first flagged message of a pair warns the receiver; the BlockThreshold-th
// blocks the sender for the receiver and resets the counter.
package abuse

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PairPrefix is the Redis key prefix for pair counters.
	PairPrefix = "abuse:"

	// PairTTL is how long a pair counter lives after its first increment.
	PairTTL = 24 * time.Hour

	// BlockThreshold is the flagged message count that blocks the sender.
	BlockThreshold = 3
)

// Alert texts sent to the receiver.
const (
	WarningText = "We've detected potentially abusive content in a recent message. Please be respectful in your communications."
	BlockedText = "User has been automatically blocked due to multiple abusive messages. Reports have been generated."
	BlockReason = "Multiple instances of abusive messages detected"
)

// Action is what the relay does after a flagged message.
type Action int

const (
	ActionNone Action = iota
	ActionWarn
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionWarn:
		return "warn"
	case ActionBlock:
		return "block"
	default:
		return "none"
	}
}

// Decide maps a pair's flagged message count to an action.
func Decide(count int) Action {
	switch {
	case count >= BlockThreshold:
		return ActionBlock
	case count == 1:
		return ActionWarn
	default:
		return ActionNone
	}
}

// incrWindow increments KEYS[1] and sets its expiry to ARGV[1] milliseconds
// on the first increment, so the window does not slide.
var incrWindow = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Tracker manages pair counters in Redis.
type Tracker struct {
	client *redis.Client
}

// NewTracker creates a Tracker using the provided Redis client.
func NewTracker(client *redis.Client) *Tracker {
	return &Tracker{client: client}
}

func pairKey(senderID, receiverID int64) string {
	return PairPrefix + strconv.FormatInt(senderID, 10) + ":" + strconv.FormatInt(receiverID, 10)
}

// Record counts one flagged message from senderID to receiverID and returns
// the new count.
func (t *Tracker) Record(ctx context.Context, senderID, receiverID int64) (int, error) {
	key := pairKey(senderID, receiverID)

	n, err := incrWindow.Run(ctx, t.client, []string{key}, PairTTL.Milliseconds()).Int()
	if err != nil {
		return 0, fmt.Errorf("abuse: record: %w", err)
	}
	return n, nil
}

// Count returns the current count of a pair, 0 when none is recorded.
func (t *Tracker) Count(ctx context.Context, senderID, receiverID int64) (int, error) {
	n, err := t.client.Get(ctx, pairKey(senderID, receiverID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("abuse: count: %w", err)
	}
	return n, nil
}

// Reset clears the counter of a pair.
func (t *Tracker) Reset(ctx context.Context, senderID, receiverID int64) error {
	if err := t.client.Del(ctx, pairKey(senderID, receiverID)).Err(); err != nil {
		return fmt.Errorf("abuse: reset: %w", err)
	}
	return nil
}

// Escalate records a flagged message and returns the resulting action and
// count. A block resets the counter so the pair starts over.
func (t *Tracker) Escalate(ctx context.Context, senderID, receiverID int64) (Action, int, error) {
	count, err := t.Record(ctx, senderID, receiverID)
	if err != nil {
		return ActionNone, 0, err
	}

	action := Decide(count)
	if action == ActionBlock {
		if err := t.Reset(ctx, senderID, receiverID); err != nil {
			return action, count, err
		}
	}
	return action, count, nil
}
