package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cybershield/messenger/internal/abuse"
	"github.com/cybershield/messenger/internal/chat"
	"github.com/cybershield/messenger/internal/messaging"
	"github.com/cybershield/messenger/internal/moderation"
	"github.com/cybershield/messenger/internal/protocol"
	"github.com/cybershield/messenger/internal/ratelimit"
	"github.com/cybershield/messenger/internal/report"
	"github.com/cybershield/messenger/internal/store"
	"github.com/cybershield/messenger/internal/ws"
)

var errBoom = errors.New("boom")

type blockKey struct{ user, blocked int64 }

type fakeDirectory struct {
	mu       sync.Mutex
	users    map[int64]store.User
	friends  map[chat.Pair]time.Time
	messages []chat.Message
	blocks   map[blockKey]store.Blocked
	requests []store.FriendRequest
	seq      int64
	failGet  bool
}

func newFakeDirectory(users ...store.User) *fakeDirectory {
	d := &fakeDirectory{
		users:   make(map[int64]store.User),
		friends: make(map[chat.Pair]time.Time),
		blocks:  make(map[blockKey]store.Blocked),
	}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

func (d *fakeDirectory) befriend(a, b int64) {
	d.friends[chat.NewPair(a, b)] = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
}

func (d *fakeDirectory) GetUser(_ context.Context, id int64) (store.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failGet {
		return store.User{}, errBoom
	}
	u, ok := d.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (d *fakeDirectory) ListUsers(context.Context) ([]store.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []store.User
	for id := int64(1); id <= 100; id++ {
		if u, ok := d.users[id]; ok && u.IsActive {
			out = append(out, u)
		}
	}
	return out, nil
}

func (d *fakeDirectory) ListFriends(_ context.Context, userID int64) ([]store.Friend, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []store.Friend
	for id := int64(1); id <= 100; id++ {
		if since, ok := d.friends[chat.NewPair(userID, id)]; ok && id != userID {
			out = append(out, store.Friend{User: d.users[id], Since: since})
		}
	}
	return out, nil
}

func (d *fakeDirectory) AreFriends(_ context.Context, a, b int64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.friends[chat.NewPair(a, b)]
	return ok, nil
}

func (d *fakeDirectory) InsertMessage(_ context.Context, m chat.Message) (chat.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m.ID = int64(len(d.messages) + 1)
	m.CreatedAt = time.Date(2024, 5, 1, 12, 0, len(d.messages), 0, time.UTC)
	d.messages = append(d.messages, m)
	return m, nil
}

func (d *fakeDirectory) Conversation(_ context.Context, a, b int64) ([]chat.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []chat.Message
	for _, m := range d.messages {
		if m.InConversation(a, b) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (d *fakeDirectory) Block(_ context.Context, userID, blockedID int64, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := blockKey{userID, blockedID}
	if _, ok := d.blocks[k]; !ok {
		d.seq++
		d.blocks[k] = store.Blocked{ID: d.seq, User: d.users[blockedID], Reason: reason, CreatedAt: time.Now()}
	}
	return nil
}

func (d *fakeDirectory) GetBlock(_ context.Context, userID, blockedID int64) (store.Blocked, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.blocks[blockKey{userID, blockedID}]
	if !ok {
		return store.Blocked{}, store.ErrNotFound
	}
	return b, nil
}

func (d *fakeDirectory) ListBlocked(_ context.Context, userID int64) ([]store.Blocked, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []store.Blocked
	for id := int64(1); id <= 100; id++ {
		if b, ok := d.blocks[blockKey{userID, id}]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func (d *fakeDirectory) Unblock(_ context.Context, userID, blockedID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := blockKey{userID, blockedID}
	if _, ok := d.blocks[k]; !ok {
		return store.ErrNotFound
	}
	delete(d.blocks, k)
	return nil
}

func (d *fakeDirectory) CreateUser(_ context.Context, u store.User) (store.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var max int64
	for id, existing := range d.users {
		if existing.Username == u.Username || existing.Email == u.Email {
			return store.User{}, store.ErrConflict
		}
		if id > max {
			max = id
		}
	}
	u.ID = max + 1
	u.CreatedAt = time.Now()
	d.users[u.ID] = u
	return u, nil
}

func (d *fakeDirectory) Friendship(_ context.Context, a, b int64) (time.Time, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	since, ok := d.friends[chat.NewPair(a, b)]
	if !ok {
		return time.Time{}, store.ErrNotFound
	}
	return since, nil
}

func (d *fakeDirectory) RemoveFriendship(_ context.Context, a, b int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := chat.NewPair(a, b)
	if _, ok := d.friends[p]; !ok {
		return store.ErrNotFound
	}
	delete(d.friends, p)
	return nil
}

func (d *fakeDirectory) CreateFriendRequest(_ context.Context, senderID, receiverID int64) (store.FriendRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.requests {
		if r.Status == store.RequestPending && chat.NewPair(r.SenderID, r.ReceiverID) == chat.NewPair(senderID, receiverID) {
			return store.FriendRequest{}, store.ErrConflict
		}
	}
	d.seq++
	r := store.FriendRequest{ID: d.seq, SenderID: senderID, ReceiverID: receiverID, Status: store.RequestPending, CreatedAt: time.Now()}
	d.requests = append(d.requests, r)
	return r, nil
}

func (d *fakeDirectory) PendingFriendRequest(_ context.Context, a, b int64) (store.FriendRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.requests {
		if r.Status == store.RequestPending && chat.NewPair(r.SenderID, r.ReceiverID) == chat.NewPair(a, b) {
			return r, nil
		}
	}
	return store.FriendRequest{}, store.ErrNotFound
}

func (d *fakeDirectory) ListFriendRequests(_ context.Context, userID int64, incoming bool) ([]store.FriendRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []store.FriendRequest
	for _, r := range d.requests {
		if r.Status != store.RequestPending {
			continue
		}
		switch {
		case incoming && r.ReceiverID == userID:
			r.Other = d.users[r.SenderID]
		case !incoming && r.SenderID == userID:
			r.Other = d.users[r.ReceiverID]
		default:
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (d *fakeDirectory) RespondFriendRequest(_ context.Context, id, receiverID int64, accept bool) (store.FriendRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, r := range d.requests {
		if r.ID != id || r.ReceiverID != receiverID || r.Status != store.RequestPending {
			continue
		}
		r.Status = store.RequestRejected
		if accept {
			r.Status = store.RequestAccepted
			d.friends[chat.NewPair(r.SenderID, r.ReceiverID)] = time.Now()
		}
		d.requests[i] = r
		return r, nil
	}
	return store.FriendRequest{}, store.ErrNotFound
}

func (d *fakeDirectory) IsBlocked(_ context.Context, userID, blockedID int64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.blocks[blockKey{userID, blockedID}]
	return ok, nil
}

func (d *fakeDirectory) stored() []chat.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]chat.Message(nil), d.messages...)
}

type fakeReports struct {
	mu      sync.Mutex
	reports []report.Report
}

func (f *fakeReports) Create(_ context.Context, r *report.Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r.ID = int64(len(f.reports) + 1)
	r.Status = report.StatusPending
	r.CreatedAt = time.Now()
	if len(r.Messages) > 0 {
		ev := report.BuildEvidence(r.Messages)
		r.Evidence = &ev
	}
	f.reports = append(f.reports, *r)
	return nil
}

func (f *fakeReports) Get(_ context.Context, id int64) (report.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.reports {
		if r.ID == id {
			return r, nil
		}
	}
	return report.Report{}, report.ErrNotFound
}

func (f *fakeReports) List(_ context.Context, filter report.Filter) ([]report.Report, error) {
	if filter.Status != "" && !report.ValidStatus(filter.Status) {
		return nil, report.ErrInvalidStatus
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []report.Report
	for i := len(f.reports) - 1; i >= 0; i-- {
		r := f.reports[i]
		if (filter.UserID > 0 && r.UserID != filter.UserID) ||
			(filter.ReportedUserID > 0 && r.ReportedUserID != filter.ReportedUserID) ||
			(filter.Status != "" && r.Status != filter.Status) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeReports) UpdateStatus(_ context.Context, id int64, status string) (report.Report, error) {
	if !report.ValidStatus(status) {
		return report.Report{}, report.ErrInvalidStatus
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.reports {
		if r.ID == id {
			f.reports[i].Status = status
			return f.reports[i], nil
		}
	}
	return report.Report{}, report.ErrNotFound
}

func (f *fakeReports) CountRecent(_ context.Context, reportedUserID int64, _ time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.reports {
		if r.ReportedUserID == reportedUserID {
			n++
		}
	}
	return n, nil
}

type fakeLimiter struct {
	deny map[string]bool // rule key -> refuse
	err  error
}

func (f *fakeLimiter) AllowUser(_ context.Context, _ int64, rule ratelimit.Rule) (bool, error) {
	if f.err != nil {
		return true, f.err
	}
	return !f.deny[rule.Key], nil
}

// fakeEscalator counts in memory with the production thresholds.
type fakeEscalator struct {
	mu     sync.Mutex
	counts map[blockKey]int
}

func (f *fakeEscalator) Escalate(_ context.Context, senderID, receiverID int64) (abuse.Action, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts == nil {
		f.counts = make(map[blockKey]int)
	}
	k := blockKey{senderID, receiverID}
	f.counts[k]++
	n := f.counts[k]
	action := abuse.Decide(n)
	if action == abuse.ActionBlock {
		f.counts[k] = 0
	}
	return action, n, nil
}

type fakeScorer struct {
	verdicts map[string]moderation.Verdict
}

func (f fakeScorer) Score(_ context.Context, req moderation.Request) (moderation.Verdict, error) {
	if v, ok := f.verdicts[req.Content]; ok {
		return v, nil
	}
	return moderation.Clean(), nil
}

type fakePresence struct {
	mu      sync.Mutex
	entries map[int64]string
	touched []int64
}

func newFakePresence() *fakePresence {
	return &fakePresence{entries: make(map[int64]string)}
}

func (p *fakePresence) Set(_ context.Context, userID int64, connID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[userID] = connID
	return nil
}

func (p *fakePresence) Touch(_ context.Context, userID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.touched = append(p.touched, userID)
	return nil
}

func (p *fakePresence) Remove(_ context.Context, userID int64, connID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.entries[userID] != connID {
		return false, nil
	}
	delete(p.entries, userID)
	return true, nil
}

func (p *fakePresence) Online(_ context.Context, ids []int64) (map[int64]bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int64]bool, len(ids))
	for _, id := range ids {
		_, out[id] = p.entries[id]
	}
	return out, nil
}

// fakeBus delivers published frames synchronously to subscribers and keeps
// a copy per user.
type fakeBus struct {
	mu        sync.Mutex
	published map[int64][][]byte
	subs      map[int64]func([]byte)
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: make(map[int64][][]byte), subs: make(map[int64]func([]byte))}
}

func (b *fakeBus) PublishToUser(userID int64, data []byte) error {
	b.mu.Lock()
	b.published[userID] = append(b.published[userID], data)
	handler := b.subs[userID]
	b.mu.Unlock()
	if handler != nil {
		handler(data)
	}
	return nil
}

func (b *fakeBus) SubscribeUser(userID int64, handler func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[userID]; !ok {
		b.subs[userID] = handler
	}
	return nil
}

func (b *fakeBus) UnsubscribeUser(userID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[userID]; !ok {
		return messaging.ErrNotSubscribed
	}
	delete(b.subs, userID)
	return nil
}

func (b *fakeBus) subscribed(userID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[userID]
	return ok
}

// frames decodes everything published for userID.
func (b *fakeBus) frames(userID int64) (msgs []protocol.ChatMessage, alerts []protocol.Alert) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, data := range b.published[userID] {
		typ, v, err := protocol.ParseServerMessage(data)
		if err != nil {
			continue
		}
		if typ == protocol.TypeAlert {
			alerts = append(alerts, v.(protocol.Alert))
		} else {
			msgs = append(msgs, v.(protocol.ChatMessage))
		}
	}
	return msgs, alerts
}

type fakeLocal struct {
	mu        sync.Mutex
	connected map[int64]bool
	sent      map[int64][][]byte
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{connected: make(map[int64]bool), sent: make(map[int64][][]byte)}
}

func (l *fakeLocal) SendToUser(userID int64, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected[userID] {
		return ws.ErrNotConnected
	}
	l.sent[userID] = append(l.sent[userID], data)
	return nil
}

func (l *fakeLocal) Connected(userID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected[userID]
}

func (l *fakeLocal) setConnected(userID int64, on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected[userID] = on
}

func (l *fakeLocal) sentTo(userID int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent[userID])
}
