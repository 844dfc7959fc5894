package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Requester sends a moderation request and returns the raw reply.
// *messaging.NATSClient implements it.
type Requester interface {
	RequestModeration(ctx context.Context, data []byte) ([]byte, error)
}

// NATSScorer asks an external scoring service over NATS request/reply.
type NATSScorer struct {
	requester Requester
	timeout   time.Duration
}

// NewNATSScorer creates a scorer bounded by timeout per request.
func NewNATSScorer(requester Requester, timeout time.Duration) *NATSScorer {
	return &NATSScorer{requester: requester, timeout: timeout}
}

// Score returns the scorer's verdict. On timeout, transport or decode errors
// it returns Clean together with the error.
func (s *NATSScorer) Score(ctx context.Context, req Request) (Verdict, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return Clean(), fmt.Errorf("moderation: marshal request: %w", err)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	reply, err := s.requester.RequestModeration(ctx, data)
	if err != nil {
		return Clean(), fmt.Errorf("moderation: request: %w", err)
	}
	return decodeVerdict(reply)
}
