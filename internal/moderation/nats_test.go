package moderation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type fakeRequester struct {
	reply []byte
	err   error
	delay time.Duration
	got   Request
}

func (f *fakeRequester) RequestModeration(ctx context.Context, data []byte) ([]byte, error) {
	if err := json.Unmarshal(data, &f.got); err != nil {
		return nil, err
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.reply, f.err
}

func TestNATSScorerVerdicts(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  Verdict
	}{
		{"clean", `{"is_abusive":false,"abuse_score":1.5}`, Verdict{Score: 1.5}},
		{"abusive", `{"is_abusive":true,"abuse_score":8.2,"abuse_type":"insult"}`, Verdict{IsAbusive: true, Score: 8.2, Type: "INSULT"}},
		{"score clamped", `{"is_abusive":true,"abuse_score":42,"abuse_type":"THREAT"}`, Verdict{IsAbusive: true, Score: MaxScore, Type: "THREAT"}},
		{"negative score", `{"is_abusive":false,"abuse_score":-3}`, Verdict{}},
		{"type dropped when clean", `{"is_abusive":false,"abuse_type":"INSULT"}`, Verdict{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &fakeRequester{reply: []byte(tt.reply)}
			s := NewNATSScorer(req, time.Second)

			got, err := s.Score(context.Background(), Request{SenderID: 1, ReceiverID: 2, Content: "hello"})
			if err != nil {
				t.Fatalf("Score() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Score() = %+v, want %+v", got, tt.want)
			}
			if req.got.Content != "hello" || req.got.SenderID != 1 || req.got.ReceiverID != 2 {
				t.Errorf("request = %+v", req.got)
			}
		})
	}
}

func TestNATSScorerFallsBackToClean(t *testing.T) {
	tests := []struct {
		name string
		req  *fakeRequester
	}{
		{"transport error", &fakeRequester{err: errors.New("no responders")}},
		{"timeout", &fakeRequester{reply: []byte(`{"is_abusive":true}`), delay: time.Second}},
		{"garbage reply", &fakeRequester{reply: []byte(`not json`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewNATSScorer(tt.req, 20*time.Millisecond)
			got, err := s.Score(context.Background(), Request{SenderID: 1, ReceiverID: 2, Content: "x"})
			if err == nil {
				t.Fatal("expected an error")
			}
			if got != Clean() {
				t.Errorf("Score() = %+v, want clean", got)
			}
		})
	}
}

func TestNopScorer(t *testing.T) {
	got, err := NopScorer{}.Score(context.Background(), Request{Content: "anything"})
	if err != nil || got != Clean() {
		t.Errorf("NopScorer.Score() = %+v, %v", got, err)
	}
}
