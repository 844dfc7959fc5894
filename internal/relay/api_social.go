package relay

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cybershield/messenger/internal/store"
)

// NoReason is reported for blocks placed without a reason.
const NoReason = "No reason provided"

// Friendship states returned by the status endpoint.
const (
	FriendStatusSelf            = "self"
	FriendStatusFriends         = "friends"
	FriendStatusRequestSent     = "request_sent"
	FriendStatusRequestReceived = "request_received"
	FriendStatusNotFriends      = "not_friends"
)

type blockedRecord struct {
	ID              int64     `json:"id"`
	BlockedUserID   int64     `json:"blocked_user_id"`
	BlockedUsername string    `json:"blocked_username"`
	Reason          string    `json:"reason"`
	CreatedAt       time.Time `json:"created_at"`
}

type userSummary struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	FullName string `json:"full_name"`
}

type requestRecord struct {
	ID        int64        `json:"id"`
	Sender    *userSummary `json:"sender,omitempty"`
	Receiver  *userSummary `json:"receiver,omitempty"`
	Status    string       `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

type messageResponse struct {
	Message   string `json:"message"`
	RequestID int64  `json:"request_id,omitempty"`
	Action    string `json:"action,omitempty"`
}

type friendStatus struct {
	Status    string     `json:"status"`
	Since     *time.Time `json:"since,omitempty"`
	RequestID int64      `json:"request_id,omitempty"`
}

func blockRecord(b store.Blocked) blockedRecord {
	reason := b.Reason
	if reason == "" {
		reason = NoReason
	}
	return blockedRecord{
		ID:              b.ID,
		BlockedUserID:   b.User.ID,
		BlockedUsername: b.User.Username,
		Reason:          reason,
		CreatedAt:       b.CreatedAt,
	}
}

func summary(u store.User) *userSummary {
	return &userSummary{ID: u.ID, Username: u.Username, FullName: u.FullName}
}

// ---------------------------------------------------------------------------
// Blocks
// ---------------------------------------------------------------------------

func (a *API) handleBlocked(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	blocks, err := a.dir.ListBlocked(r.Context(), caller.ID)
	if err != nil {
		internalError(w, "list blocked", err)
		return
	}
	records := make([]blockedRecord, 0, len(blocks))
	for _, b := range blocks {
		records = append(records, blockRecord(b))
	}
	writeJSON(w, http.StatusOK, records)
}

// handleBlock blocks the user in the path. The optional reason comes from the
// query string.
func (a *API) handleBlock(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	target, ok := pathID(w, r, "user_id")
	if !ok {
		return
	}
	if target == caller.ID {
		writeError(w, http.StatusBadRequest, "Cannot block yourself")
		return
	}

	ctx := r.Context()
	if _, err := a.dir.GetUser(ctx, target); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "User not found")
		return
	} else if err != nil {
		internalError(w, "block lookup", err)
		return
	}

	switch _, err := a.dir.GetBlock(ctx, caller.ID, target); {
	case err == nil:
		writeError(w, http.StatusBadRequest, "User is already blocked")
		return
	case !errors.Is(err, store.ErrNotFound):
		internalError(w, "block lookup", err)
		return
	}

	if err := a.dir.Block(ctx, caller.ID, target, r.URL.Query().Get("reason")); err != nil {
		internalError(w, "block", err)
		return
	}
	b, err := a.dir.GetBlock(ctx, caller.ID, target)
	if err != nil {
		internalError(w, "block", err)
		return
	}
	writeJSON(w, http.StatusCreated, blockRecord(b))
}

func (a *API) handleUnblock(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	target, ok := pathID(w, r, "user_id")
	if !ok {
		return
	}
	err := a.dir.Unblock(r.Context(), caller.ID, target)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "User is not blocked")
		return
	}
	if err != nil {
		internalError(w, "unblock", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Friend requests
// ---------------------------------------------------------------------------

func (a *API) handleFriendRequest(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	var body struct {
		ReceiverID int64 `json:"receiver_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	ctx := r.Context()
	receiver, err := a.dir.GetUser(ctx, body.ReceiverID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !receiver.IsActive) {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		internalError(w, "friend request lookup", err)
		return
	}
	if receiver.ID == caller.ID {
		writeError(w, http.StatusBadRequest, "Cannot send friend request to yourself")
		return
	}

	friends, err := a.dir.AreFriends(ctx, caller.ID, receiver.ID)
	if err != nil {
		internalError(w, "friend request", err)
		return
	}
	if friends {
		writeError(w, http.StatusBadRequest, "Already friends with this user")
		return
	}

	switch pending, err := a.dir.PendingFriendRequest(ctx, caller.ID, receiver.ID); {
	case err == nil && pending.SenderID == caller.ID:
		writeError(w, http.StatusBadRequest, "Friend request already sent")
		return
	case err == nil:
		writeError(w, http.StatusBadRequest, "This user has already sent you a friend request")
		return
	case !errors.Is(err, store.ErrNotFound):
		internalError(w, "friend request", err)
		return
	}

	req, err := a.dir.CreateFriendRequest(ctx, caller.ID, receiver.ID)
	if errors.Is(err, store.ErrConflict) {
		writeError(w, http.StatusBadRequest, "Friend request already sent")
		return
	}
	if err != nil {
		internalError(w, "friend request", err)
		return
	}
	writeJSON(w, http.StatusCreated, messageResponse{
		Message:   "Friend request sent to " + receiver.Contact().DisplayName(),
		RequestID: req.ID,
	})
}

func (a *API) handleRequestsReceived(w http.ResponseWriter, r *http.Request) {
	a.listRequests(w, r, true)
}

func (a *API) handleRequestsSent(w http.ResponseWriter, r *http.Request) {
	a.listRequests(w, r, false)
}

func (a *API) listRequests(w http.ResponseWriter, r *http.Request, incoming bool) {
	caller := callerFrom(r)
	requests, err := a.dir.ListFriendRequests(r.Context(), caller.ID, incoming)
	if err != nil {
		internalError(w, "list friend requests", err)
		return
	}
	records := make([]requestRecord, 0, len(requests))
	for _, req := range requests {
		rec := requestRecord{ID: req.ID, Status: req.Status, CreatedAt: req.CreatedAt}
		if incoming {
			rec.Sender = summary(req.Other)
		} else {
			rec.Receiver = summary(req.Other)
		}
		records = append(records, rec)
	}
	writeJSON(w, http.StatusOK, records)
}

// handleRespond accepts or rejects a pending request addressed to the caller.
func (a *API) handleRespond(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	id, ok := pathID(w, r, "request_id")
	if !ok {
		return
	}
	var body struct {
		Action string `json:"action"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Action != "accept" && body.Action != "reject" {
		writeError(w, http.StatusBadRequest, "Action must be 'accept' or 'reject'")
		return
	}

	ctx := r.Context()
	req, err := a.dir.RespondFriendRequest(ctx, id, caller.ID, body.Action == "accept")
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Friend request not found")
		return
	}
	if err != nil {
		internalError(w, "respond friend request", err)
		return
	}

	name := fmt.Sprintf("user %d", req.SenderID)
	if sender, err := a.dir.GetUser(ctx, req.SenderID); err == nil {
		name = sender.Contact().DisplayName()
	}
	writeJSON(w, http.StatusOK, messageResponse{
		Message: fmt.Sprintf("Friend request from %s %sed", name, body.Action),
		Action:  body.Action,
	})
}

func (a *API) handleRemoveFriend(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	friendID, ok := pathID(w, r, "user_id")
	if !ok {
		return
	}

	ctx := r.Context()
	err := a.dir.RemoveFriendship(ctx, caller.ID, friendID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Friendship not found")
		return
	}
	if err != nil {
		internalError(w, "remove friend", err)
		return
	}

	name := fmt.Sprintf("user %d", friendID)
	if friend, err := a.dir.GetUser(ctx, friendID); err == nil {
		name = friend.Contact().DisplayName()
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Removed " + name + " from friends list"})
}

func (a *API) handleFriendStatus(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	other, ok := pathID(w, r, "user_id")
	if !ok {
		return
	}
	if other == caller.ID {
		writeJSON(w, http.StatusOK, friendStatus{Status: FriendStatusSelf})
		return
	}

	ctx := r.Context()
	since, err := a.dir.Friendship(ctx, caller.ID, other)
	if err == nil {
		writeJSON(w, http.StatusOK, friendStatus{Status: FriendStatusFriends, Since: &since})
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		internalError(w, "friend status", err)
		return
	}

	pending, err := a.dir.PendingFriendRequest(ctx, caller.ID, other)
	switch {
	case err == nil && pending.SenderID == caller.ID:
		writeJSON(w, http.StatusOK, friendStatus{Status: FriendStatusRequestSent, RequestID: pending.ID})
	case err == nil:
		writeJSON(w, http.StatusOK, friendStatus{Status: FriendStatusRequestReceived, RequestID: pending.ID})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusOK, friendStatus{Status: FriendStatusNotFriends})
	default:
		internalError(w, "friend status", err)
	}
}
