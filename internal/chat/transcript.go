package chat

import "sync"

// Transcript is the ordered, append-only list of messages shown for the
// active conversation. It lives only in memory and is discarded whenever the
// active conversation changes. It is goroutine-safe.
type Transcript struct {
	mu    sync.RWMutex
	pair  Pair
	items []Message
}

// NewTranscript creates an empty transcript for the conversation p.
func NewTranscript(p Pair) *Transcript {
	return &Transcript{pair: p}
}

// Pair returns the conversation this transcript belongs to.
func (t *Transcript) Pair() Pair {
	return t.pair
}

// Load replaces the history portion of the transcript with msgs. Messages that
// were appended live before the history arrived are kept after it, so a slow
// history response never hides messages received in the meantime.
func (t *Transcript) Load(msgs []Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	items := make([]Message, 0, len(msgs)+len(t.items))
	for _, m := range msgs {
		if m.Pair() == t.pair {
			items = append(items, m)
		}
	}
	t.items = append(items, t.items...)
}

// Append adds a message at the end of the transcript. It returns false and
// leaves the transcript untouched when the message belongs to a different
// conversation.
func (t *Transcript) Append(m Message) bool {
	if m.Pair() != t.pair {
		return false
	}
	t.mu.Lock()
	t.items = append(t.items, m)
	t.mu.Unlock()
	return true
}

// Messages returns a copy of the transcript in chronological order (oldest
// first). It returns an empty, non-nil slice for an empty transcript.
func (t *Transcript) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Message, len(t.items))
	copy(out, t.items)
	return out
}

// Find returns the message with the given id.
func (t *Transcript) Find(id int64) (Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i := len(t.items) - 1; i >= 0; i-- {
		if t.items[i].ID == id {
			return t.items[i], true
		}
	}
	return Message{}, false
}
