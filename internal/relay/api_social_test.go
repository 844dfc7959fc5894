package relay

import (
	"context"
	"net/http"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybershield/messenger/internal/abuse"
	"github.com/cybershield/messenger/internal/moderation"
	"github.com/cybershield/messenger/internal/protocol"
)

func TestAPICreateUserAdminOnly(t *testing.T) {
	f := newAPIFixture(t)
	body := map[string]interface{}{"username": "erin", "email": "erin@example.test", "full_name": "Erin Vale"}

	assert.Equal(t, http.StatusForbidden, call(t, f.ts, http.MethodPost, alice, "/api/users", body, nil))

	var created protocol.UserRecord
	require.Equal(t, http.StatusCreated, call(t, f.ts, http.MethodPost, carol, "/api/users", body, &created))
	assert.Equal(t, "erin", created.Username)
	assert.True(t, created.IsActive)
	assert.False(t, created.IsAdmin)

	assert.Equal(t, http.StatusConflict, call(t, f.ts, http.MethodPost, carol, "/api/users", body, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, f.ts, http.MethodPost, carol, "/api/users", map[string]string{"username": "x"}, nil))

	// The new account can use the API straight away.
	var me protocol.UserRecord
	require.Equal(t, http.StatusOK, get(t, f.ts, created.ID, "/api/users/me", &me))
	assert.Equal(t, "erin", me.Username)
}

func TestAPIBlockAndUnblock(t *testing.T) {
	f := newAPIFixture(t)

	var b blockedRecord
	require.Equal(t, http.StatusCreated, call(t, f.ts, http.MethodPost, alice, "/api/users/block/2?reason=spam", nil, &b))
	assert.Equal(t, bob, b.BlockedUserID)
	assert.Equal(t, "bob", b.BlockedUsername)
	assert.Equal(t, "spam", b.Reason)

	assert.Equal(t, http.StatusBadRequest, call(t, f.ts, http.MethodPost, alice, "/api/users/block/2", nil, nil))
	assert.Equal(t, http.StatusNotFound, call(t, f.ts, http.MethodPost, alice, "/api/users/block/77", nil, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, f.ts, http.MethodPost, alice, "/api/users/block/1", nil, nil))

	var unreasoned blockedRecord
	require.Equal(t, http.StatusCreated, call(t, f.ts, http.MethodPost, alice, "/api/users/block/3", nil, &unreasoned))
	assert.Equal(t, NoReason, unreasoned.Reason)

	var list []blockedRecord
	require.Equal(t, http.StatusOK, get(t, f.ts, alice, "/api/users/blocked", &list))
	require.Len(t, list, 2)
	assert.Equal(t, []int64{bob, carol}, []int64{list[0].BlockedUserID, list[1].BlockedUserID})

	assert.Equal(t, http.StatusNoContent, call(t, f.ts, http.MethodDelete, alice, "/api/users/unblock/2", nil, nil))
	assert.Equal(t, http.StatusNotFound, call(t, f.ts, http.MethodDelete, alice, "/api/users/unblock/2", nil, nil))

	blocked, _ := f.dir.IsBlocked(context.Background(), alice, bob)
	assert.False(t, blocked)
}

// A block placed by escalation is listed and can be lifted by the receiver.
func TestAPIUnblockAfterEscalation(t *testing.T) {
	f := newAPIFixture(t)
	svc := NewService(DefaultConfig(), Deps{
		Directory: f.dir,
		Reports:   f.reports,
		Limiter:   &fakeLimiter{deny: map[string]bool{}},
		Abuse:     &fakeEscalator{},
		Scorer:    fakeScorer{verdicts: map[string]moderation.Verdict{"awful": {IsAbusive: true, Score: 9, Type: "INSULT"}}},
		Presence:  f.presence,
		Bus:       newFakeBus(),
		Local:     newFakeLocal(),
	})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := svc.HandleOutbound(ctx, protocol.OutboundMsg{SenderID: alice, ReceiverID: bob, Content: "awful"})
		require.NoError(t, err)
	}

	var list []blockedRecord
	require.Equal(t, http.StatusOK, get(t, f.ts, bob, "/api/users/blocked", &list))
	require.Len(t, list, 1)
	assert.Equal(t, alice, list[0].BlockedUserID)
	assert.Equal(t, abuse.BlockReason, list[0].Reason)

	require.Equal(t, http.StatusNoContent, call(t, f.ts, http.MethodDelete, bob, "/api/users/unblock/1", nil, nil))
	outcome, err := svc.HandleOutbound(ctx, protocol.OutboundMsg{SenderID: alice, ReceiverID: bob, Content: "hello again"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, outcome)
}

func TestAPIFriendRequestFlow(t *testing.T) {
	f := newAPIFixture(t)

	var sent messageResponse
	require.Equal(t, http.StatusCreated, call(t, f.ts, http.MethodPost, alice, "/api/friends/request", map[string]int64{"receiver_id": carol}, &sent))
	assert.Equal(t, "Friend request sent to Carol Admin", sent.Message)
	require.NotZero(t, sent.RequestID)

	refusals := []struct {
		name string
		from int64
		to   int64
		want int
	}{
		{"unknown user", alice, 77, http.StatusNotFound},
		{"inactive user", alice, dave, http.StatusNotFound},
		{"self", alice, alice, http.StatusBadRequest},
		{"already friends", alice, bob, http.StatusBadRequest},
		{"already sent", alice, carol, http.StatusBadRequest},
		{"already received", carol, alice, http.StatusBadRequest},
	}
	for _, tt := range refusals {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, call(t, f.ts, http.MethodPost, tt.from, "/api/friends/request", map[string]int64{"receiver_id": tt.to}, nil))
		})
	}

	var outgoing []requestRecord
	require.Equal(t, http.StatusOK, get(t, f.ts, alice, "/api/friends/requests/sent", &outgoing))
	require.Len(t, outgoing, 1)
	require.NotNil(t, outgoing[0].Receiver)
	assert.Equal(t, carol, outgoing[0].Receiver.ID)
	assert.Nil(t, outgoing[0].Sender)

	var incoming []requestRecord
	require.Equal(t, http.StatusOK, get(t, f.ts, carol, "/api/friends/requests/received", &incoming))
	require.Len(t, incoming, 1)
	require.NotNil(t, incoming[0].Sender)
	assert.Equal(t, "alice", incoming[0].Sender.Username)

	var status friendStatus
	require.Equal(t, http.StatusOK, get(t, f.ts, carol, "/api/friends/status/1", &status))
	assert.Equal(t, FriendStatusRequestReceived, status.Status)
	assert.Equal(t, sent.RequestID, status.RequestID)

	path := "/api/friends/requests/" + strconv.FormatInt(sent.RequestID, 10) + "/respond"
	assert.Equal(t, http.StatusBadRequest, call(t, f.ts, http.MethodPost, carol, path, map[string]string{"action": "maybe"}, nil))
	// Only the receiver may answer.
	assert.Equal(t, http.StatusNotFound, call(t, f.ts, http.MethodPost, alice, path, map[string]string{"action": "accept"}, nil))

	var answered messageResponse
	require.Equal(t, http.StatusOK, call(t, f.ts, http.MethodPost, carol, path, map[string]string{"action": "accept"}, &answered))
	assert.Equal(t, "Friend request from Alice Liddell accepted", answered.Message)
	assert.Equal(t, "accept", answered.Action)

	var friends []protocol.UserRecord
	require.Equal(t, http.StatusOK, get(t, f.ts, carol, "/api/friends/list", &friends))
	require.Len(t, friends, 1)
	assert.Equal(t, alice, friends[0].ID)

	require.Equal(t, http.StatusOK, get(t, f.ts, alice, "/api/friends/status/3", &status))
	assert.Equal(t, FriendStatusFriends, status.Status)
	assert.NotNil(t, status.Since)
}

func TestAPIRejectFriendRequest(t *testing.T) {
	f := newAPIFixture(t)

	var sent messageResponse
	require.Equal(t, http.StatusCreated, call(t, f.ts, http.MethodPost, bob, "/api/friends/request", map[string]int64{"receiver_id": carol}, &sent))

	var answered messageResponse
	path := "/api/friends/requests/" + strconv.FormatInt(sent.RequestID, 10) + "/respond"
	require.Equal(t, http.StatusOK, call(t, f.ts, http.MethodPost, carol, path, map[string]string{"action": "reject"}, &answered))
	assert.Equal(t, "Friend request from Bob Stone rejected", answered.Message)

	var status friendStatus
	require.Equal(t, http.StatusOK, get(t, f.ts, bob, "/api/friends/status/3", &status))
	assert.Equal(t, FriendStatusNotFriends, status.Status)

	var incoming []requestRecord
	require.Equal(t, http.StatusOK, get(t, f.ts, carol, "/api/friends/requests/received", &incoming))
	assert.Empty(t, incoming)
}

func TestAPIRemoveFriend(t *testing.T) {
	f := newAPIFixture(t)

	var removed messageResponse
	require.Equal(t, http.StatusOK, call(t, f.ts, http.MethodDelete, bob, "/api/friends/remove/1", nil, &removed))
	assert.Equal(t, "Removed Alice Liddell from friends list", removed.Message)
	assert.Equal(t, http.StatusNotFound, call(t, f.ts, http.MethodDelete, bob, "/api/friends/remove/1", nil, nil))

	assert.Equal(t, http.StatusForbidden, get(t, f.ts, bob, "/api/messages/conversation/1", nil))

	var status friendStatus
	require.Equal(t, http.StatusOK, get(t, f.ts, bob, "/api/friends/status/2", &status))
	assert.Equal(t, FriendStatusSelf, status.Status)
}
