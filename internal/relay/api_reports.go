package relay

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cybershield/messenger/internal/report"
)

// RecentReportWindow is the window of the recent report count shown with a
// single report.
const RecentReportWindow = 24 * time.Hour

type reportRecord struct {
	ID             int64            `json:"id"`
	UserID         int64            `json:"user_id"`
	ReportedUserID int64            `json:"reported_user_id"`
	MessageID      *int64           `json:"message_id,omitempty"`
	Status         string           `json:"status"`
	Description    string           `json:"description,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	Evidence       *report.Evidence `json:"evidence,omitempty"`
	RecentReports  *int             `json:"recent_reports_against_user,omitempty"`
}

func toReportRecord(r report.Report) reportRecord {
	rec := reportRecord{
		ID:             r.ID,
		UserID:         r.UserID,
		ReportedUserID: r.ReportedUserID,
		Status:         r.Status,
		Description:    r.Description,
		CreatedAt:      r.CreatedAt,
		Evidence:       r.Evidence,
	}
	if r.MessageID > 0 {
		id := r.MessageID
		rec.MessageID = &id
	}
	return rec
}

// handleReports lists reports, newest first. Admins see every report and may
// filter by status and reported_user_id; other users see the reports filed on
// their behalf.
func (a *API) handleReports(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	q := r.URL.Query()

	f := report.Filter{Status: q.Get("status")}
	if caller.IsAdmin {
		if v := q.Get("reported_user_id"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil || id <= 0 {
				writeError(w, http.StatusBadRequest, "invalid reported_user_id")
				return
			}
			f.ReportedUserID = id
		}
	} else {
		f.UserID = caller.ID
	}

	reports, err := a.reports.List(r.Context(), f)
	if errors.Is(err, report.ErrInvalidStatus) {
		writeError(w, http.StatusBadRequest, "Invalid status. Must be one of: pending, reviewed, closed")
		return
	}
	if err != nil {
		internalError(w, "list reports", err)
		return
	}
	records := make([]reportRecord, 0, len(reports))
	for _, rep := range reports {
		records = append(records, toReportRecord(rep))
	}
	writeJSON(w, http.StatusOK, records)
}

// handleReport returns one report with its evidence and the number of reports
// filed against the same user within RecentReportWindow.
func (a *API) handleReport(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	id, ok := pathID(w, r, "report_id")
	if !ok {
		return
	}

	ctx := r.Context()
	rep, err := a.reports.Get(ctx, id)
	if errors.Is(err, report.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Report not found")
		return
	}
	if err != nil {
		internalError(w, "get report", err)
		return
	}
	if !caller.IsAdmin && rep.UserID != caller.ID {
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}

	recent, err := a.reports.CountRecent(ctx, rep.ReportedUserID, RecentReportWindow)
	if err != nil {
		internalError(w, "count recent reports", err)
		return
	}
	rec := toReportRecord(rep)
	rec.RecentReports = &recent
	writeJSON(w, http.StatusOK, rec)
}

// handleReportStatus moves a report through review. Only admins may call it.
func (a *API) handleReportStatus(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	id, ok := pathID(w, r, "report_id")
	if !ok {
		return
	}
	var body struct {
		Status string `json:"status"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	rep, err := a.reports.UpdateStatus(r.Context(), id, body.Status)
	switch {
	case errors.Is(err, report.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, "Invalid status. Must be one of: pending, reviewed, closed")
	case errors.Is(err, report.ErrNotFound):
		writeError(w, http.StatusNotFound, "Report not found")
	case err != nil:
		internalError(w, "update report status", err)
	default:
		writeJSON(w, http.StatusOK, toReportRecord(rep))
	}
}
