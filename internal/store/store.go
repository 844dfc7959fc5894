// Package store is the relay's PostgreSQL persistence for users, friendships,
// messages and blocks. The schema is applied from embedded migrations.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/cybershield/messenger/internal/chat"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a row violates a uniqueness constraint.
	ErrConflict = errors.New("store: conflict")
)

// uniqueViolation is the PostgreSQL error code for unique_violation.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// User is a directory entry.
type User struct {
	ID        int64
	Username  string
	Email     string
	FullName  string
	IsAdmin   bool
	IsActive  bool
	CreatedAt time.Time
}

// Contact converts the user into a client-side contact.
func (u User) Contact() chat.Contact {
	return chat.Contact{ID: u.ID, Name: u.FullName, Handle: u.Username}
}

// Friend is a user together with the time the friendship was created.
type Friend struct {
	User
	Since time.Time
}

// Blocked is a block placed by a user, with the blocked user resolved.
type Blocked struct {
	ID        int64
	User      User
	Reason    string
	CreatedAt time.Time
}

// Friend request statuses, matching the CHECK constraint on friend_requests.
const (
	RequestPending  = "pending"
	RequestAccepted = "accepted"
	RequestRejected = "rejected"
)

// FriendRequest is a request from SenderID to ReceiverID. Other is the
// counterpart of the listing user and is only set by ListFriendRequests.
type FriendRequest struct {
	ID         int64
	SenderID   int64
	ReceiverID int64
	Status     string
	CreatedAt  time.Time
	Other      User
}

// Store manages relay data in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to the database at url and verifies the connection.
func Open(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return db, nil
}

// New creates a Store backed by db.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ---------------------------------------------------------------------------
// Users and friendships
// ---------------------------------------------------------------------------

const (
	userColumns       = `id, username, email, full_name, is_admin, is_active, created_at`
	joinedUserColumns = `u.id, u.username, u.email, u.full_name, u.is_admin, u.is_active, u.created_at`
)

type scanner interface {
	Scan(dest ...interface{}) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func scanUser(row scanner, extra ...interface{}) (User, error) {
	var u User
	dest := append([]interface{}{&u.ID, &u.Username, &u.Email, &u.FullName, &u.IsAdmin, &u.IsActive, &u.CreatedAt}, extra...)
	err := row.Scan(dest...)
	return u, err
}

// CreateUser inserts u and returns it with its id and creation time. A taken
// username or email yields ErrConflict.
func (s *Store) CreateUser(ctx context.Context, u User) (User, error) {
	const query = `
		INSERT INTO users (username, email, full_name, is_admin, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + userColumns

	created, err := scanUser(s.db.QueryRowContext(ctx, query, u.Username, u.Email, u.FullName, u.IsAdmin, u.IsActive))
	if isUniqueViolation(err) {
		return User{}, ErrConflict
	}
	if err != nil {
		return User{}, fmt.Errorf("store: create user: %w", err)
	}
	return created, nil
}

// GetUser returns the user with the given id.
func (s *Store) GetUser(ctx context.Context, id int64) (User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	u, err := scanUser(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("store: get user: %w", err)
	}
	return u, nil
}

// ListUsers returns every active user ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE is_active ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	return users, nil
}

// addFriendship records a friendship between a and b. Adding an existing
// friendship is a no-op.
func addFriendship(ctx context.Context, ex execer, a, b int64) error {
	if a == b {
		return fmt.Errorf("store: user %d cannot befriend itself", a)
	}
	p := chat.NewPair(a, b)
	const query = `
		INSERT INTO friendships (user1_id, user2_id) VALUES ($1, $2)
		ON CONFLICT ON CONSTRAINT unique_friendship DO NOTHING`

	if _, err := ex.ExecContext(ctx, query, p.Low, p.High); err != nil {
		return fmt.Errorf("store: add friendship: %w", err)
	}
	return nil
}

// ListFriends returns the friends of userID ordered by id.
func (s *Store) ListFriends(ctx context.Context, userID int64) ([]Friend, error) {
	const query = `
		SELECT ` + joinedUserColumns + `, f.created_at
		FROM friendships f
		JOIN users u ON u.id = CASE WHEN f.user1_id = $1 THEN f.user2_id ELSE f.user1_id END
		WHERE (f.user1_id = $1 OR f.user2_id = $1) AND u.is_active
		ORDER BY u.id`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list friends: %w", err)
	}
	defer rows.Close()

	var friends []Friend
	for rows.Next() {
		var since time.Time
		u, err := scanUser(rows, &since)
		if err != nil {
			return nil, fmt.Errorf("store: scan friend: %w", err)
		}
		friends = append(friends, Friend{User: u, Since: since})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list friends: %w", err)
	}
	return friends, nil
}

// AreFriends reports whether a and b are friends.
func (s *Store) AreFriends(ctx context.Context, a, b int64) (bool, error) {
	p := chat.NewPair(a, b)
	const query = `SELECT EXISTS (SELECT 1 FROM friendships WHERE user1_id = $1 AND user2_id = $2)`

	var ok bool
	if err := s.db.QueryRowContext(ctx, query, p.Low, p.High).Scan(&ok); err != nil {
		return false, fmt.Errorf("store: are friends: %w", err)
	}
	return ok, nil
}

// Friendship returns when a and b became friends, or ErrNotFound.
func (s *Store) Friendship(ctx context.Context, a, b int64) (time.Time, error) {
	p := chat.NewPair(a, b)
	const query = `SELECT created_at FROM friendships WHERE user1_id = $1 AND user2_id = $2`

	var since time.Time
	err := s.db.QueryRowContext(ctx, query, p.Low, p.High).Scan(&since)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("store: friendship: %w", err)
	}
	return since, nil
}

// RemoveFriendship deletes the friendship between a and b, or returns
// ErrNotFound.
func (s *Store) RemoveFriendship(ctx context.Context, a, b int64) error {
	p := chat.NewPair(a, b)
	const query = `DELETE FROM friendships WHERE user1_id = $1 AND user2_id = $2`

	res, err := s.db.ExecContext(ctx, query, p.Low, p.High)
	if err != nil {
		return fmt.Errorf("store: remove friendship: %w", err)
	}
	return requireRow(res, "remove friendship")
}

// ---------------------------------------------------------------------------
// Friend requests
// ---------------------------------------------------------------------------

const requestColumns = `r.id, r.sender_id, r.receiver_id, r.status, r.created_at`

// CreateFriendRequest files a pending request from senderID to receiverID.
// It returns ErrConflict when a request between the two is already pending.
func (s *Store) CreateFriendRequest(ctx context.Context, senderID, receiverID int64) (FriendRequest, error) {
	const query = `
		INSERT INTO friend_requests (sender_id, receiver_id) VALUES ($1, $2)
		RETURNING id, sender_id, receiver_id, status, created_at`

	var r FriendRequest
	err := s.db.QueryRowContext(ctx, query, senderID, receiverID).
		Scan(&r.ID, &r.SenderID, &r.ReceiverID, &r.Status, &r.CreatedAt)
	if isUniqueViolation(err) {
		return FriendRequest{}, ErrConflict
	}
	if err != nil {
		return FriendRequest{}, fmt.Errorf("store: create friend request: %w", err)
	}
	return r, nil
}

// PendingFriendRequest returns the pending request between a and b in either
// direction, or ErrNotFound.
func (s *Store) PendingFriendRequest(ctx context.Context, a, b int64) (FriendRequest, error) {
	const query = `
		SELECT ` + requestColumns + `
		FROM friend_requests r
		WHERE ((r.sender_id = $1 AND r.receiver_id = $2) OR (r.sender_id = $2 AND r.receiver_id = $1))
		  AND r.status = 'pending'`

	var r FriendRequest
	err := s.db.QueryRowContext(ctx, query, a, b).
		Scan(&r.ID, &r.SenderID, &r.ReceiverID, &r.Status, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return FriendRequest{}, ErrNotFound
	}
	if err != nil {
		return FriendRequest{}, fmt.Errorf("store: pending friend request: %w", err)
	}
	return r, nil
}

// ListFriendRequests returns the pending requests received by userID, or the
// ones it sent when incoming is false, oldest first. Other is the sender of a
// received request and the receiver of a sent one.
func (s *Store) ListFriendRequests(ctx context.Context, userID int64, incoming bool) ([]FriendRequest, error) {
	self, other := "sender_id", "receiver_id"
	if incoming {
		self, other = other, self
	}
	query := `
		SELECT ` + joinedUserColumns + `, ` + requestColumns + `
		FROM friend_requests r
		JOIN users u ON u.id = r.` + other + `
		WHERE r.` + self + ` = $1 AND r.status = 'pending'
		ORDER BY r.created_at, r.id`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list friend requests: %w", err)
	}
	defer rows.Close()

	var requests []FriendRequest
	for rows.Next() {
		var r FriendRequest
		u, err := scanUser(rows, &r.ID, &r.SenderID, &r.ReceiverID, &r.Status, &r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("store: scan friend request: %w", err)
		}
		r.Other = u
		requests = append(requests, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list friend requests: %w", err)
	}
	return requests, nil
}

// RespondFriendRequest accepts or rejects the pending request id addressed to
// receiverID. Accepting creates the friendship in the same transaction. It
// returns ErrNotFound when no such pending request exists.
func (s *Store) RespondFriendRequest(ctx context.Context, id, receiverID int64, accept bool) (FriendRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FriendRequest{}, fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	status := RequestRejected
	if accept {
		status = RequestAccepted
	}
	const query = `
		UPDATE friend_requests SET status = $1, updated_at = NOW()
		WHERE id = $2 AND receiver_id = $3 AND status = 'pending'
		RETURNING id, sender_id, receiver_id, status, created_at`

	var r FriendRequest
	err = tx.QueryRowContext(ctx, query, status, id, receiverID).
		Scan(&r.ID, &r.SenderID, &r.ReceiverID, &r.Status, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return FriendRequest{}, ErrNotFound
	}
	if err != nil {
		return FriendRequest{}, fmt.Errorf("store: respond friend request: %w", err)
	}

	if accept {
		if err := addFriendship(ctx, tx, r.SenderID, r.ReceiverID); err != nil {
			return FriendRequest{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return FriendRequest{}, fmt.Errorf("store: commit: %w", err)
	}
	return r, nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// InsertMessage persists m and returns it with the id and timestamp assigned
// by the database.
func (s *Store) InsertMessage(ctx context.Context, m chat.Message) (chat.Message, error) {
	const query = `
		INSERT INTO messages (sender_id, receiver_id, content, is_abusive, abuse_score, abuse_type)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	var abuseType sql.NullString
	if m.AbuseType != "" {
		abuseType = sql.NullString{String: m.AbuseType, Valid: true}
	}
	err := s.db.QueryRowContext(ctx, query,
		m.SenderID, m.ReceiverID, m.Content, m.Flagged, m.Score, abuseType,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return chat.Message{}, fmt.Errorf("store: insert message: %w", err)
	}
	m.Provisional = false
	return m, nil
}

// Conversation returns every message exchanged between a and b in either
// direction, oldest first.
func (s *Store) Conversation(ctx context.Context, a, b int64) ([]chat.Message, error) {
	const query = `
		SELECT id, sender_id, receiver_id, content, created_at, is_abusive, abuse_score, abuse_type
		FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, a, b)
	if err != nil {
		return nil, fmt.Errorf("store: conversation: %w", err)
	}
	defer rows.Close()

	var msgs []chat.Message
	for rows.Next() {
		var (
			m         chat.Message
			abuseType sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.CreatedAt, &m.Flagged, &m.Score, &abuseType); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.AbuseType = abuseType.String
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: conversation: %w", err)
	}
	return msgs, nil
}

// ---------------------------------------------------------------------------
// Blocks
// ---------------------------------------------------------------------------

// Block records that userID blocked blockedID. Blocking twice keeps the first
// row.
func (s *Store) Block(ctx context.Context, userID, blockedID int64, reason string) error {
	const query = `
		INSERT INTO blocked_users (user_id, blocked_user_id, reason) VALUES ($1, $2, $3)
		ON CONFLICT ON CONSTRAINT unique_block DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, userID, blockedID, reason); err != nil {
		return fmt.Errorf("store: block: %w", err)
	}
	return nil
}

// GetBlock returns the block userID placed on blockedID, or ErrNotFound.
func (s *Store) GetBlock(ctx context.Context, userID, blockedID int64) (Blocked, error) {
	const query = `
		SELECT ` + joinedUserColumns + `, b.id, b.reason, b.created_at
		FROM blocked_users b
		JOIN users u ON u.id = b.blocked_user_id
		WHERE b.user_id = $1 AND b.blocked_user_id = $2`

	b, err := scanBlocked(s.db.QueryRowContext(ctx, query, userID, blockedID))
	if errors.Is(err, sql.ErrNoRows) {
		return Blocked{}, ErrNotFound
	}
	if err != nil {
		return Blocked{}, fmt.Errorf("store: get block: %w", err)
	}
	return b, nil
}

// ListBlocked returns the users blocked by userID, oldest block first.
func (s *Store) ListBlocked(ctx context.Context, userID int64) ([]Blocked, error) {
	const query = `
		SELECT ` + joinedUserColumns + `, b.id, b.reason, b.created_at
		FROM blocked_users b
		JOIN users u ON u.id = b.blocked_user_id
		WHERE b.user_id = $1
		ORDER BY b.created_at, b.id`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list blocked: %w", err)
	}
	defer rows.Close()

	var blocks []Blocked
	for rows.Next() {
		b, err := scanBlocked(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan block: %w", err)
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list blocked: %w", err)
	}
	return blocks, nil
}

// Unblock lifts the block userID placed on blockedID, or returns ErrNotFound.
func (s *Store) Unblock(ctx context.Context, userID, blockedID int64) error {
	const query = `DELETE FROM blocked_users WHERE user_id = $1 AND blocked_user_id = $2`

	res, err := s.db.ExecContext(ctx, query, userID, blockedID)
	if err != nil {
		return fmt.Errorf("store: unblock: %w", err)
	}
	return requireRow(res, "unblock")
}

func scanBlocked(row scanner) (Blocked, error) {
	var (
		b      Blocked
		reason sql.NullString
	)
	u, err := scanUser(row, &b.ID, &reason, &b.CreatedAt)
	if err != nil {
		return Blocked{}, err
	}
	b.User = u
	b.Reason = reason.String
	return b, nil
}

// IsBlocked reports whether userID has blocked blockedID.
func (s *Store) IsBlocked(ctx context.Context, userID, blockedID int64) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM blocked_users WHERE user_id = $1 AND blocked_user_id = $2)`

	var ok bool
	if err := s.db.QueryRowContext(ctx, query, userID, blockedID).Scan(&ok); err != nil {
		return false, fmt.Errorf("store: is blocked: %w", err)
	}
	return ok, nil
}

// requireRow returns ErrNotFound when res affected no rows.
func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: %s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
