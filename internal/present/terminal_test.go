package present

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybershield/messenger/internal/chat"
	"github.com/cybershield/messenger/internal/notify"
	"github.com/cybershield/messenger/internal/protocol"
	"github.com/cybershield/messenger/internal/session"
	"github.com/cybershield/messenger/internal/wsclient"
)

var _ session.Surface = (*Terminal)(nil)

func newTestTerminal() (*Terminal, *bytes.Buffer) {
	var buf bytes.Buffer
	term := NewTerminal(&buf, 1)
	term.SetContacts([]chat.Contact{{ID: 2, Name: "Carol", Handle: "carol"}})
	return term, &buf
}

func TestObscure(t *testing.T) {
	assert.Equal(t, "••• •••", Obscure("you bad"))
	assert.Equal(t, "", Obscure(""))
	assert.Equal(t, "••\n•", Obscure("hé\nx"))
}

func TestLoadedRendersHistory(t *testing.T) {
	term, buf := newTestTerminal()
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	term.Loaded(chat.Contact{ID: 2, Name: "Carol"}, []chat.Message{
		{ID: 1, SenderID: 1, ReceiverID: 2, Content: "hello", CreatedAt: created},
		{ID: 2, SenderID: 2, ReceiverID: 1, Content: "hi back", CreatedAt: created},
	})

	out := buf.String()
	assert.Contains(t, out, "Conversation with Carol")
	assert.Contains(t, out, "You")
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "Carol")
	assert.Contains(t, out, "hi back")
}

func TestLoadedEmpty(t *testing.T) {
	term, buf := newTestTerminal()
	term.Loaded(chat.Contact{ID: 2, Name: "Carol"}, nil)
	assert.Contains(t, buf.String(), "No messages yet.")
}

func TestFlaggedMessageIsObscuredUntilRevealed(t *testing.T) {
	term, buf := newTestTerminal()

	term.Appended(chat.Message{ID: 41, SenderID: 2, ReceiverID: 1, Content: "nasty words", Flagged: true, Score: 8, AbuseType: "INSULT"})

	out := buf.String()
	assert.NotContains(t, out, "nasty words")
	assert.Contains(t, out, "••••• •••••")
	assert.Contains(t, out, "content warning")
	assert.Contains(t, out, "/reveal 41")

	buf.Reset()
	require.True(t, term.Reveal(41))
	out = buf.String()
	assert.Contains(t, out, "nasty words")
	assert.Contains(t, out, "content warning")
	assert.NotContains(t, out, "/reveal")
}

func TestRevealUnknownMessage(t *testing.T) {
	term, buf := newTestTerminal()
	assert.False(t, term.Reveal(99))
	assert.Empty(t, buf.String())
}

func TestRevealOnlyInActiveConversation(t *testing.T) {
	term, buf := newTestTerminal()
	flagged := chat.Message{ID: 7, SenderID: 2, ReceiverID: 1, Content: "rude", Flagged: true}

	term.Loaded(chat.Contact{ID: 2, Name: "Carol"}, []chat.Message{flagged})
	require.True(t, term.Reveal(7))

	term.Loaded(chat.Contact{ID: 3, Name: "Dave"}, nil)
	buf.Reset()
	assert.False(t, term.Reveal(7))
	assert.Empty(t, buf.String())
}

func TestLoadedResetsRevealState(t *testing.T) {
	term, buf := newTestTerminal()
	flagged := chat.Message{ID: 5, SenderID: 2, ReceiverID: 1, Content: "secret", Flagged: true}

	term.Appended(flagged)
	term.Reveal(5)
	buf.Reset()

	term.Loaded(chat.Contact{ID: 2, Name: "Carol"}, []chat.Message{flagged})
	assert.NotContains(t, buf.String(), "secret")
}

func TestStatusIndicator(t *testing.T) {
	tests := []struct {
		status wsclient.Status
		want   string
	}{
		{wsclient.StatusConnected, "connected"},
		{wsclient.StatusConnecting, "connecting"},
		{wsclient.StatusDisconnected, "/retry"},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			term, buf := newTestTerminal()
			term.Status(tt.status)
			assert.Contains(t, buf.String(), tt.want)
		})
	}
}

func TestUnreadBadge(t *testing.T) {
	term, buf := newTestTerminal()

	term.Unread(2, 0, 0)
	assert.Empty(t, buf.String(), "cleared counts print nothing")

	term.Unread(2, 3, 4)
	out := buf.String()
	assert.Contains(t, out, " 3 ")
	assert.Contains(t, out, "Carol")
	assert.Contains(t, out, "total unread: 4")

	buf.Reset()
	term.Unread(77, 1, 5)
	assert.Contains(t, buf.String(), "user 77")
}

func TestAlertSeverity(t *testing.T) {
	term, buf := newTestTerminal()

	term.Alert(protocol.Alert{Type: protocol.TypeAlert, Severity: protocol.SeverityCritical, Message: "User has been blocked"})
	assert.Contains(t, buf.String(), "ALERT: User has been blocked")

	buf.Reset()
	term.Alert(protocol.Alert{Type: protocol.TypeAlert, Severity: protocol.SeverityWarning, Message: "Be kind"})
	assert.Contains(t, buf.String(), "Warning: Be kind")
}

func TestToast(t *testing.T) {
	term, buf := newTestTerminal()
	term.Toast(notify.NewMessage(2, "Carol", "hi"))
	assert.True(t, strings.Contains(buf.String(), "New message from Carol: hi"))
}

func TestContactsList(t *testing.T) {
	term, buf := newTestTerminal()

	term.Contacts([]chat.Contact{
		{ID: 2, Name: "Carol", Handle: "carol"},
		{ID: 3, Handle: "dave"},
	}, map[int64]int{2: 2}, map[int64]bool{3: true})

	out := buf.String()
	assert.Contains(t, out, "Carol")
	assert.Contains(t, out, "@carol")
	assert.Contains(t, out, " 2 ")
	assert.Contains(t, out, "dave")
	assert.NotContains(t, out, "@dave")
	assert.Contains(t, out, "online")

	buf.Reset()
	term.Contacts(nil, nil, nil)
	assert.Contains(t, buf.String(), "No contacts.")
}
