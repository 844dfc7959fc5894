package relay

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybershield/messenger/internal/chat"
	"github.com/cybershield/messenger/internal/report"
)

// fileReports files two reports on behalf of bob against alice and one on
// behalf of alice against bob.
func fileReports(t *testing.T, f *apiFixture) {
	t.Helper()
	ctx := context.Background()
	flagged := chat.Message{ID: 9, SenderID: alice, ReceiverID: bob, Content: "awful", Flagged: true, Score: 9.5, AbuseType: "INSULT"}
	require.NoError(t, f.reports.Create(ctx, &report.Report{UserID: bob, ReportedUserID: alice, MessageID: 9, Description: "insult", Messages: []chat.Message{flagged}}))
	require.NoError(t, f.reports.Create(ctx, &report.Report{UserID: bob, ReportedUserID: alice, Description: "again"}))
	require.NoError(t, f.reports.Create(ctx, &report.Report{UserID: alice, ReportedUserID: bob, Description: "retaliation"}))
}

func TestAPIReportsListScopedToCaller(t *testing.T) {
	f := newAPIFixture(t)
	fileReports(t, f)

	var mine []reportRecord
	require.Equal(t, http.StatusOK, get(t, f.ts, bob, "/api/reports", &mine))
	require.Len(t, mine, 2)
	for _, r := range mine {
		assert.Equal(t, bob, r.UserID)
	}
	// Non-admins cannot widen the scope.
	require.Equal(t, http.StatusOK, get(t, f.ts, bob, "/api/reports?reported_user_id=2", &mine))
	assert.Len(t, mine, 2)

	var all []reportRecord
	require.Equal(t, http.StatusOK, get(t, f.ts, carol, "/api/reports", &all))
	require.Len(t, all, 3)
	assert.Equal(t, int64(3), all[0].ID, "newest first")

	var against []reportRecord
	require.Equal(t, http.StatusOK, get(t, f.ts, carol, "/api/reports?reported_user_id=2", &against))
	require.Len(t, against, 1)
	assert.Equal(t, "retaliation", against[0].Description)

	assert.Equal(t, http.StatusBadRequest, get(t, f.ts, carol, "/api/reports?status=resolved", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, f.ts, carol, "/api/reports?reported_user_id=x", nil))
}

func TestAPIReportDetail(t *testing.T) {
	f := newAPIFixture(t)
	fileReports(t, f)

	var detail reportRecord
	require.Equal(t, http.StatusOK, get(t, f.ts, bob, "/api/reports/1", &detail))
	require.NotNil(t, detail.MessageID)
	assert.Equal(t, int64(9), *detail.MessageID)
	assert.Equal(t, report.StatusPending, detail.Status)
	require.NotNil(t, detail.Evidence)
	assert.Equal(t, report.LevelHigh, detail.Evidence.Severity)
	require.Len(t, detail.Evidence.Messages, 1)
	assert.Equal(t, "awful", detail.Evidence.Messages[0].Content)
	require.NotNil(t, detail.RecentReports)
	assert.Equal(t, 2, *detail.RecentReports)

	var bare reportRecord
	require.Equal(t, http.StatusOK, get(t, f.ts, carol, "/api/reports/2", &bare))
	assert.Nil(t, bare.MessageID)
	assert.Nil(t, bare.Evidence)

	assert.Equal(t, http.StatusForbidden, get(t, f.ts, alice, "/api/reports/1", nil))
	assert.Equal(t, http.StatusNotFound, get(t, f.ts, carol, "/api/reports/42", nil))
}

func TestAPIReportStatusAdminOnly(t *testing.T) {
	f := newAPIFixture(t)
	fileReports(t, f)

	assert.Equal(t, http.StatusForbidden,
		call(t, f.ts, http.MethodPut, bob, "/api/reports/1/status", map[string]string{"status": report.StatusClosed}, nil))

	var updated reportRecord
	require.Equal(t, http.StatusOK,
		call(t, f.ts, http.MethodPut, carol, "/api/reports/1/status", map[string]string{"status": report.StatusReviewed}, &updated))
	assert.Equal(t, report.StatusReviewed, updated.Status)

	assert.Equal(t, http.StatusBadRequest,
		call(t, f.ts, http.MethodPut, carol, "/api/reports/1/status", map[string]string{"status": "resolved"}, nil))
	assert.Equal(t, http.StatusNotFound,
		call(t, f.ts, http.MethodPut, carol, "/api/reports/42/status", map[string]string{"status": report.StatusClosed}, nil))

	var reviewed []reportRecord
	require.Equal(t, http.StatusOK, get(t, f.ts, carol, "/api/reports?status=reviewed", &reviewed))
	require.Len(t, reviewed, 1)
	assert.Equal(t, int64(1), reviewed[0].ID)
}
