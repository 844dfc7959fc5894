package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/cybershield/messenger/internal/protocol"
	"github.com/cybershield/messenger/internal/report"
	"github.com/cybershield/messenger/internal/store"
)

// UserHeader carries the caller's identity, set by the gateway in front of
// the relay.
const UserHeader = "X-User-ID"

type ctxKey int

const callerKey ctxKey = 0

// Social is the directory behind the user, block and friend endpoints.
type Social interface {
	Directory
	CreateUser(ctx context.Context, u store.User) (store.User, error)
	GetBlock(ctx context.Context, userID, blockedID int64) (store.Blocked, error)
	ListBlocked(ctx context.Context, userID int64) ([]store.Blocked, error)
	Unblock(ctx context.Context, userID, blockedID int64) error
	Friendship(ctx context.Context, a, b int64) (time.Time, error)
	RemoveFriendship(ctx context.Context, a, b int64) error
	CreateFriendRequest(ctx context.Context, senderID, receiverID int64) (store.FriendRequest, error)
	PendingFriendRequest(ctx context.Context, a, b int64) (store.FriendRequest, error)
	ListFriendRequests(ctx context.Context, userID int64, incoming bool) ([]store.FriendRequest, error)
	RespondFriendRequest(ctx context.Context, id, receiverID int64, accept bool) (store.FriendRequest, error)
}

// Review reads abuse reports and moves them through review.
type Review interface {
	Get(ctx context.Context, id int64) (report.Report, error)
	List(ctx context.Context, f report.Filter) ([]report.Report, error)
	UpdateStatus(ctx context.Context, id int64, status string) (report.Report, error)
	CountRecent(ctx context.Context, reportedUserID int64, window time.Duration) (int, error)
}

// API serves the directory, friends, blocks, abuse report review and
// conversation history.
type API struct {
	dir      Social
	reports  Review
	presence Presence
	timeout  time.Duration
}

// NewAPI creates an API. presence may be nil, in which case friends are
// listed without an online flag.
func NewAPI(dir Social, reports Review, presence Presence) *API {
	return &API{dir: dir, reports: reports, presence: presence, timeout: 10 * time.Second}
}

// Register mounts the API routes on r.
func (a *API) Register(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()
	api.Use(a.identify)

	api.HandleFunc("/users/me", a.handleMe).Methods(http.MethodGet)
	api.HandleFunc("/users", a.handleUsers).Methods(http.MethodGet)
	api.HandleFunc("/users", a.handleCreateUser).Methods(http.MethodPost)
	api.HandleFunc("/users/blocked", a.handleBlocked).Methods(http.MethodGet)
	api.HandleFunc("/users/block/{user_id:[0-9]+}", a.handleBlock).Methods(http.MethodPost)
	api.HandleFunc("/users/unblock/{user_id:[0-9]+}", a.handleUnblock).Methods(http.MethodDelete)

	api.HandleFunc("/friends/list", a.handleFriends).Methods(http.MethodGet)
	api.HandleFunc("/friends/request", a.handleFriendRequest).Methods(http.MethodPost)
	api.HandleFunc("/friends/requests/received", a.handleRequestsReceived).Methods(http.MethodGet)
	api.HandleFunc("/friends/requests/sent", a.handleRequestsSent).Methods(http.MethodGet)
	api.HandleFunc("/friends/requests/{request_id:[0-9]+}/respond", a.handleRespond).Methods(http.MethodPost)
	api.HandleFunc("/friends/remove/{user_id:[0-9]+}", a.handleRemoveFriend).Methods(http.MethodDelete)
	api.HandleFunc("/friends/status/{user_id:[0-9]+}", a.handleFriendStatus).Methods(http.MethodGet)

	api.HandleFunc("/messages/conversation/{user_id:[0-9]+}", a.handleConversation).Methods(http.MethodGet)

	api.HandleFunc("/reports", a.handleReports).Methods(http.MethodGet)
	api.HandleFunc("/reports/{report_id:[0-9]+}", a.handleReport).Methods(http.MethodGet)
	api.HandleFunc("/reports/{report_id:[0-9]+}/status", a.handleReportStatus).Methods(http.MethodPut)
}

// identify resolves the caller from UserHeader. Unknown or inactive users are
// refused.
func (a *API) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.Header.Get(UserHeader), 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusUnauthorized, "missing or invalid "+UserHeader)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
		defer cancel()

		caller, err := a.dir.GetUser(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusUnauthorized, "unknown user")
			return
		case err != nil:
			log.Printf("relay: api identify user=%d: %v", id, err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		case !caller.IsActive:
			writeError(w, http.StatusForbidden, "inactive user")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, callerKey, caller)))
	})
}

func callerFrom(r *http.Request) store.User {
	u, _ := r.Context().Value(callerKey).(store.User)
	return u
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, userRecord(callerFrom(r)))
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.dir.ListUsers(r.Context())
	if err != nil {
		log.Printf("relay: api list users: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	records := make([]protocol.UserRecord, 0, len(users))
	for _, u := range users {
		records = append(records, userRecord(u))
	}
	writeJSON(w, http.StatusOK, records)
}

// handleCreateUser provisions an account. Only admins may call it.
func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	var body struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		FullName string `json:"full_name"`
		IsAdmin  bool   `json:"is_admin"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Username == "" || body.Email == "" {
		writeError(w, http.StatusBadRequest, "username and email are required")
		return
	}

	created, err := a.dir.CreateUser(r.Context(), store.User{
		Username: body.Username,
		Email:    body.Email,
		FullName: body.FullName,
		IsAdmin:  body.IsAdmin,
		IsActive: true,
	})
	if errors.Is(err, store.ErrConflict) {
		writeError(w, http.StatusConflict, "Username or email already registered")
		return
	}
	if err != nil {
		internalError(w, "create user", err)
		return
	}
	writeJSON(w, http.StatusCreated, userRecord(created))
}

func (a *API) handleFriends(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	friends, err := a.dir.ListFriends(r.Context(), caller.ID)
	if err != nil {
		log.Printf("relay: api list friends user=%d: %v", caller.ID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var online map[int64]bool
	if a.presence != nil && len(friends) > 0 {
		ids := make([]int64, len(friends))
		for i, f := range friends {
			ids[i] = f.ID
		}
		if online, err = a.presence.Online(r.Context(), ids); err != nil {
			log.Printf("relay: api presence user=%d: %v", caller.ID, err)
			online = nil
		}
	}

	records := make([]protocol.UserRecord, 0, len(friends))
	for _, f := range friends {
		rec := userRecord(f.User)
		since := f.Since
		rec.FriendshipSince = &since
		if online != nil {
			on := online[f.ID]
			rec.Online = &on
		}
		records = append(records, rec)
	}
	writeJSON(w, http.StatusOK, records)
}

// handleConversation returns the messages between the caller and the user in
// the path, oldest first. Only friends and admins may read a conversation.
func (a *API) handleConversation(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	other, ok := pathID(w, r, "user_id")
	if !ok {
		return
	}

	if !caller.IsAdmin {
		ok, err := a.dir.AreFriends(r.Context(), caller.ID, other)
		if err != nil {
			log.Printf("relay: api friendship check user=%d other=%d: %v", caller.ID, other, err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !ok {
			writeError(w, http.StatusForbidden, "Can only view conversations with friends")
			return
		}
	}

	msgs, err := a.dir.Conversation(r.Context(), caller.ID, other)
	if err != nil {
		log.Printf("relay: api conversation user=%d other=%d: %v", caller.ID, other, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	records := make([]protocol.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		records = append(records, protocol.FromMessage(m))
	}
	writeJSON(w, http.StatusOK, records)
}

func userRecord(u store.User) protocol.UserRecord {
	return protocol.UserRecord{
		ID:       u.ID,
		Username: u.Username,
		FullName: u.FullName,
		Email:    u.Email,
		IsAdmin:  u.IsAdmin,
		IsActive: u.IsActive,
	}
}

// pathID parses the positive id in the path variable name.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+strings.ReplaceAll(name, "_", " "))
		return 0, false
	}
	return id, true
}

func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if !callerFrom(r).IsAdmin {
		writeError(w, http.StatusForbidden, "Admin privileges required")
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func internalError(w http.ResponseWriter, op string, err error) {
	log.Printf("relay: api %s: %v", op, err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("relay: api encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, struct {
		Detail string `json:"detail"`
	}{detail})
}
