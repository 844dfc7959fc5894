// Package present renders the conversation, connection status, unread badges,
// alerts and toasts to a terminal.
//
// Messages flagged by moderation are shown obscured with a content warning
// until the user reveals them explicitly with Reveal.
package present

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode"

	"github.com/cybershield/messenger/internal/chat"
	"github.com/cybershield/messenger/internal/notify"
	"github.com/cybershield/messenger/internal/protocol"
	"github.com/cybershield/messenger/internal/wsclient"
)

// ObscureRune replaces every non-space rune of a hidden message.
const ObscureRune = '•'

// Terminal is a line-oriented surface writing to an io.Writer.
type Terminal struct {
	mu        sync.Mutex
	out       io.Writer
	st        styles
	localUser int64
	names     map[int64]string
	shown     *chat.Transcript
	revealed  map[int64]bool
}

// NewTerminal creates a surface for localUser writing to out.
func NewTerminal(out io.Writer, localUser int64) *Terminal {
	return &Terminal{
		out:       out,
		st:        newStyles(),
		localUser: localUser,
		names:     make(map[int64]string),
		revealed:  make(map[int64]bool),
	}
}

// SetContacts records the display names used for message senders.
func (t *Terminal) SetContacts(contacts []chat.Contact) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range contacts {
		t.names[c.ID] = c.DisplayName()
	}
}

// Loaded prints the conversation header and its history.
func (t *Terminal) Loaded(contact chat.Contact, msgs []chat.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.shown = chat.NewTranscript(chat.NewPair(t.localUser, contact.ID))
	t.shown.Load(msgs)
	t.revealed = make(map[int64]bool)

	lines := []string{t.st.header.Render("Conversation with " + contact.DisplayName())}
	if len(msgs) == 0 {
		lines = append(lines, t.st.empty.Render("No messages yet."))
	}
	for _, m := range msgs {
		lines = append(lines, t.renderMessage(m))
	}
	t.println(strings.Join(lines, "\n"))
}

// Appended prints a message added to the active conversation.
func (t *Terminal) Appended(m chat.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.shown == nil || !t.shown.Append(m) {
		t.shown = chat.NewTranscript(m.Pair())
		t.shown.Append(m)
	}
	t.println(t.renderMessage(m))
}

// Status prints the connection indicator.
func (t *Terminal) Status(s wsclient.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.println(t.renderStatus(s))
}

// Unread prints the badge for contactID when it has unread messages.
func (t *Terminal) Unread(contactID int64, count, global int) {
	if count == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	badge := t.st.badge.Render(fmt.Sprintf(" %d ", count))
	t.println(fmt.Sprintf("%s %s  %s", badge, t.nameOf(contactID), t.st.hint.Render(fmt.Sprintf("total unread: %d", global))))
}

// Alert prints a moderation alert. Critical alerts are rendered distinctly.
func (t *Terminal) Alert(a protocol.Alert) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if a.Critical() {
		t.println(t.st.critical.Render("ALERT: " + a.Message))
		return
	}
	t.println(t.st.warning.Render("Warning: " + a.Message))
}

// Toast prints an in-app notification.
func (t *Terminal) Toast(n notify.Notification) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.println(t.st.toast.Render(fmt.Sprintf("» %s: %s", n.Title, n.Body)))
}

// Contacts prints the contact list with unread badges. Online markers are
// shown only for ids present in online.
func (t *Terminal) Contacts(contacts []chat.Contact, unread map[int64]int, online map[int64]bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(contacts) == 0 {
		t.println(t.st.empty.Render("No contacts."))
		return
	}
	for _, c := range contacts {
		line := fmt.Sprintf("%4d  %s", c.ID, c.DisplayName())
		if c.Handle != "" && c.Handle != c.DisplayName() {
			line += " " + t.st.hint.Render("@"+c.Handle)
		}
		if up, ok := online[c.ID]; ok {
			if up {
				line += " " + t.st.connected.Render("online")
			} else {
				line += " " + t.st.hint.Render("offline")
			}
		}
		if n := unread[c.ID]; n > 0 {
			line += " " + t.st.badge.Render(fmt.Sprintf(" %d ", n))
		}
		t.println(line)
	}
}

// Reveal shows a flagged message in clear text. It reports false when the
// message is not part of the active conversation.
func (t *Terminal) Reveal(messageID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.shown == nil {
		return false
	}
	m, ok := t.shown.Find(messageID)
	if !ok {
		return false
	}
	t.revealed[messageID] = true
	t.println(t.renderMessage(m))
	return true
}

func (t *Terminal) renderMessage(m chat.Message) string {
	ts := t.st.timestamp.Render(m.CreatedAt.Local().Format("15:04"))

	var who string
	if m.SenderID == t.localUser {
		who = t.st.self.Render("You")
	} else {
		who = t.st.peer.Render(t.nameOf(m.SenderID))
	}

	if m.Flagged && !t.revealed[m.ID] {
		label := t.st.warningLabel.Render(" content warning ")
		if m.AbuseType != "" {
			label = t.st.warningLabel.Render(" content warning: " + strings.ToLower(m.AbuseType) + " ")
		}
		hint := t.st.hint.Render(fmt.Sprintf("(/reveal %d to show)", m.ID))
		return fmt.Sprintf("%s %s: %s %s %s", ts, who, t.st.obscured.Render(Obscure(m.Content)), label, hint)
	}

	line := fmt.Sprintf("%s %s: %s", ts, who, t.st.body.Render(m.Content))
	if m.Flagged {
		line += " " + t.st.warningLabel.Render(" content warning ")
	}
	return line
}

func (t *Terminal) renderStatus(s wsclient.Status) string {
	switch s {
	case wsclient.StatusConnected:
		return t.st.connected.Render("● connected")
	case wsclient.StatusConnecting:
		return t.st.connecting.Render("◌ connecting")
	default:
		return t.st.disconnected.Render("○ disconnected") + " " + t.st.hint.Render("(/retry to reconnect)")
	}
}

func (t *Terminal) nameOf(id int64) string {
	if name, ok := t.names[id]; ok && name != "" {
		return name
	}
	return fmt.Sprintf("user %d", id)
}

func (t *Terminal) println(s string) {
	fmt.Fprintln(t.out, s)
}

// Obscure hides text while keeping its shape: every non-space rune becomes
// ObscureRune.
func Obscure(text string) string {
	var b strings.Builder
	for _, r := range text {
		if unicode.IsSpace(r) {
			b.WriteRune(r)
			continue
		}
		b.WriteRune(ObscureRune)
	}
	return b.String()
}
