// Package report provides PostgreSQL-backed storage for abuse reports. A
// report is filed on behalf of the receiver of every flagged message and
// carries the flagged messages as JSONB evidence for moderator review.
package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cybershield/messenger/internal/chat"
)

// Report statuses, matching the CHECK constraint on the abuse_reports table.
const (
	StatusPending  = "pending"
	StatusReviewed = "reviewed"
	StatusClosed   = "closed"
)

var (
	// ErrNotFound is returned when a report does not exist.
	ErrNotFound = errors.New("report: not found")

	// ErrInvalidStatus is returned for a status outside pending, reviewed
	// and closed.
	ErrInvalidStatus = errors.New("report: invalid status")
)

// ValidStatus reports whether status is a known report status.
func ValidStatus(status string) bool {
	switch status {
	case StatusPending, StatusReviewed, StatusClosed:
		return true
	}
	return false
}

// Evidence levels derived from the abuse score.
const (
	LevelHigh   = "HIGH"
	LevelMedium = "MEDIUM"
	LevelLow    = "LOW"
)

// Store manages abuse reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Report is a single abuse report. Messages is the input to Create; Status,
// CreatedAt and Evidence are set when a report is read back.
type Report struct {
	ID             int64
	UserID         int64 // the user the flagged message was sent to
	ReportedUserID int64 // the sender of the flagged message
	MessageID      int64 // 0 when the message was not persisted
	Description    string
	Messages       []chat.Message

	Status    string
	CreatedAt time.Time
	Evidence  *Evidence
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	UserID         int64
	ReportedUserID int64
	Status         string
	Limit          int // defaults to DefaultListLimit
}

// DefaultListLimit bounds List when Filter.Limit is unset.
const DefaultListLimit = 100

// Evidence is the JSONB document stored with a report.
type Evidence struct {
	Severity string          `json:"severity"`
	Messages []EvidenceEntry `json:"messages"`
}

// EvidenceEntry is one flagged message in the evidence document.
type EvidenceEntry struct {
	ID            int64     `json:"id"`
	SenderID      int64     `json:"sender_id"`
	ReceiverID    int64     `json:"receiver_id"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"created_at"`
	AbuseScore    float64   `json:"abuse_score"`
	AbuseType     string    `json:"abuse_type,omitempty"`
	EvidenceLevel string    `json:"evidence_level"`
}

// Level maps an abuse score to an evidence level.
func Level(score float64) string {
	switch {
	case score > 8:
		return LevelHigh
	case score > 6:
		return LevelMedium
	default:
		return LevelLow
	}
}

// BuildEvidence assembles the evidence document for msgs. The report is HIGH
// severity when any message scores above 8.
func BuildEvidence(msgs []chat.Message) Evidence {
	ev := Evidence{Severity: LevelMedium, Messages: make([]EvidenceEntry, 0, len(msgs))}
	for _, m := range msgs {
		level := Level(m.Score)
		if level == LevelHigh {
			ev.Severity = LevelHigh
		}
		ev.Messages = append(ev.Messages, EvidenceEntry{
			ID:            m.ID,
			SenderID:      m.SenderID,
			ReceiverID:    m.ReceiverID,
			Content:       m.Content,
			CreatedAt:     m.CreatedAt,
			AbuseScore:    m.Score,
			AbuseType:     m.AbuseType,
			EvidenceLevel: level,
		})
	}
	return ev
}

// NewStore creates a new report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a pending report and sets its ID. The flagged messages are
// marshalled into the evidence column.
func (s *Store) Create(ctx context.Context, report *Report) error {
	if report.UserID <= 0 || report.ReportedUserID <= 0 {
		return fmt.Errorf("report: invalid users %d -> %d", report.ReportedUserID, report.UserID)
	}

	var evidence sql.NullString
	if len(report.Messages) > 0 {
		data, err := json.Marshal(BuildEvidence(report.Messages))
		if err != nil {
			return fmt.Errorf("report: marshal evidence: %w", err)
		}
		evidence = sql.NullString{String: string(data), Valid: true}
	}

	var messageID sql.NullInt64
	if report.MessageID > 0 {
		messageID = sql.NullInt64{Int64: report.MessageID, Valid: true}
	}

	const query = `
		INSERT INTO abuse_reports (user_id, reported_user_id, message_id, status, description, evidence)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	err := s.db.QueryRowContext(ctx, query,
		report.UserID,
		report.ReportedUserID,
		messageID,
		StatusPending,
		report.Description,
		evidence,
	).Scan(&report.ID)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of reports filed against a user within the
// given time window.
func (s *Store) CountRecent(ctx context.Context, reportedUserID int64, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM abuse_reports
		WHERE reported_user_id = $1
		  AND created_at >= NOW() - make_interval(secs => $2)`

	var count int
	err := s.db.QueryRowContext(ctx, query, reportedUserID, window.Seconds()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}

const reportColumns = `id, user_id, reported_user_id, message_id, status, description, evidence, created_at`

func scanReport(row interface{ Scan(...interface{}) error }) (Report, error) {
	var (
		r           Report
		messageID   sql.NullInt64
		description sql.NullString
		evidence    []byte
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.ReportedUserID, &messageID, &r.Status, &description, &evidence, &r.CreatedAt); err != nil {
		return Report{}, err
	}
	r.MessageID = messageID.Int64
	r.Description = description.String
	if len(evidence) > 0 {
		var ev Evidence
		if err := json.Unmarshal(evidence, &ev); err != nil {
			return Report{}, fmt.Errorf("report: decode evidence %d: %w", r.ID, err)
		}
		r.Evidence = &ev
	}
	return r, nil
}

// Get returns the report with the given id.
func (s *Store) Get(ctx context.Context, id int64) (Report, error) {
	query := `SELECT ` + reportColumns + ` FROM abuse_reports WHERE id = $1`

	r, err := scanReport(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, ErrNotFound
	}
	if err != nil {
		return Report{}, fmt.Errorf("report: get: %w", err)
	}
	return r, nil
}

// List returns the reports matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Report, error) {
	if f.Status != "" && !ValidStatus(f.Status) {
		return nil, ErrInvalidStatus
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT ` + reportColumns + ` FROM abuse_reports WHERE TRUE`
	var args []interface{}
	where := func(clause string, v interface{}) {
		args = append(args, v)
		query += fmt.Sprintf(" AND %s = $%d", clause, len(args))
	}
	if f.UserID > 0 {
		where("user_id", f.UserID)
	}
	if f.ReportedUserID > 0 {
		where("reported_user_id", f.ReportedUserID)
	}
	if f.Status != "" {
		where("status", f.Status)
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("report: list: %w", err)
	}
	defer rows.Close()

	var reports []Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("report: scan: %w", err)
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("report: list: %w", err)
	}
	return reports, nil
}

// UpdateStatus moves report id to status and returns the updated report.
func (s *Store) UpdateStatus(ctx context.Context, id int64, status string) (Report, error) {
	if !ValidStatus(status) {
		return Report{}, ErrInvalidStatus
	}
	query := `UPDATE abuse_reports SET status = $1 WHERE id = $2 RETURNING ` + reportColumns

	r, err := scanReport(s.db.QueryRowContext(ctx, query, status, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, ErrNotFound
	}
	if err != nil {
		return Report{}, fmt.Errorf("report: update status: %w", err)
	}
	return r, nil
}
