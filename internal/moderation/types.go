// Package moderation obtains abuse verdicts for chat messages from an external
// scorer. The relay asks over NATS request/reply; when the scorer is slow or
// unavailable the message is treated as clean so delivery never stalls.
package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// MaxScore is the upper bound of an abuse score.
const MaxScore = 10.0

// Request is sent to the scorer for every message.
type Request struct {
	SenderID   int64  `json:"sender_id"`
	ReceiverID int64  `json:"receiver_id"`
	Content    string `json:"content"`
}

// Verdict is the scorer's answer.
type Verdict struct {
	IsAbusive bool    `json:"is_abusive"`
	Score     float64 `json:"abuse_score"`
	Type      string  `json:"abuse_type,omitempty"`
}

// Clean is the verdict used when no scorer answered.
func Clean() Verdict {
	return Verdict{}
}

// normalize clamps the score to [0, MaxScore] and drops the type of a clean
// verdict.
func (v Verdict) normalize() Verdict {
	if math.IsNaN(v.Score) || v.Score < 0 {
		v.Score = 0
	}
	if v.Score > MaxScore {
		v.Score = MaxScore
	}
	v.Type = strings.ToUpper(strings.TrimSpace(v.Type))
	if !v.IsAbusive {
		v.Type = ""
	}
	return v
}

// Scorer produces a verdict for a message.
type Scorer interface {
	Score(ctx context.Context, req Request) (Verdict, error)
}

// NopScorer treats every message as clean.
type NopScorer struct{}

// Score returns Clean.
func (NopScorer) Score(context.Context, Request) (Verdict, error) {
	return Clean(), nil
}

// decodeVerdict parses a scorer reply.
func decodeVerdict(data []byte) (Verdict, error) {
	var v Verdict
	if err := json.Unmarshal(data, &v); err != nil {
		return Clean(), fmt.Errorf("moderation: decode verdict: %w", err)
	}
	return v.normalize(), nil
}
