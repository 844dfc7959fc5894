package cli

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/cybershield/messenger/internal/chat"
	"github.com/cybershield/messenger/internal/metrics"
	"github.com/cybershield/messenger/internal/notify"
	"github.com/cybershield/messenger/internal/present"
	"github.com/cybershield/messenger/internal/session"
	"github.com/cybershield/messenger/internal/unread"
	"github.com/cybershield/messenger/internal/wsclient"
)

const replHelp = `Commands:
  /open <id|handle>  switch to a conversation
  /reveal <msg-id>   show a message hidden behind a content warning
  /retry             reconnect after the connection gave up
  /unread            list contacts with unread messages
  /contacts          list contacts
  /help              show this help
  /quit              leave
Any other line is sent to the open conversation.`

func newChatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chat [contact]",
		Short: "Open the interactive messenger",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			r, err := a.newRepl(cmd)
			if err != nil {
				return err
			}
			defer r.close()

			if len(args) == 1 {
				r.open(ctx, args[0])
			}
			return r.run(ctx)
		},
	}
}

// repl is one interactive chat session bound to a terminal.
type repl struct {
	out      io.Writer
	lines    *bufio.Scanner
	term     *present.Terminal
	ledger   *unread.Ledger
	session  *session.Session
	composer *session.Composer
	contacts []chat.Contact
	online   map[int64]bool
	metrics  *http.Server
}

func (a *app) newRepl(cmd *cobra.Command) (*repl, error) {
	out := &syncWriter{w: cmd.OutOrStdout()}
	lines := bufio.NewScanner(cmd.InOrStdin())

	records, err := a.loadContacts(cmd)
	if err != nil {
		return nil, err
	}
	contacts, online := splitRecords(records)

	term := present.NewTerminal(out, a.cfg.UserID)
	term.SetContacts(contacts)

	var requester notify.Requester = notify.Fixed(a.cfg.Notifications)
	if a.cfg.Notifications == string(notify.PermissionDefault) {
		requester = promptRequester{out: out, lines: lines}
	}
	gate := notify.NewGate(notify.PermissionDefault, requester, notify.NewTerminalSink(out))

	wsConfig := wsclient.Config{
		URL:              a.cfg.WSURL,
		BaseDelay:        a.cfg.BaseDelay,
		MaxDelay:         a.cfg.MaxDelay,
		MaxAttempts:      a.cfg.MaxAttempts,
		HandshakeTimeout: a.cfg.HandshakeTimeout,
	}
	ledger := unread.NewLedger()
	s := session.New(session.Config{
		LocalUser:   a.cfg.UserID,
		SettleDelay: a.cfg.SettleDelay,
	}, session.Deps{
		Connect: func() session.Connection {
			return wsclient.New(wsConfig, wsclient.NetDialer{}, wsclient.SystemClock{})
		},
		History: a.history,
		Ledger:  ledger,
		Gate:    gate,
		Surface: term,
	})
	s.SetContacts(contacts)

	r := &repl{
		out:      out,
		lines:    lines,
		term:     term,
		ledger:   ledger,
		session:  s,
		composer: session.NewComposer(s),
		contacts: contacts,
		online:   online,
	}
	if a.cfg.MetricsAddr != "" {
		r.serveMetrics(a.cfg.MetricsAddr)
	}

	s.Start()
	return r, nil
}

func (r *repl) run(ctx context.Context) error {
	writeLine(r.out, "Type /help for commands.")

	input := make(chan string)
	go func() {
		defer close(input)
		for r.lines.Scan() {
			select {
			case input <- r.lines.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-input:
			if !ok {
				return r.lines.Err()
			}
			if quit := r.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

// handle processes one input line and reports whether the user asked to quit.
func (r *repl) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		r.send(line)
		return false
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/quit", "/exit":
		return true
	case "/help":
		writeLine(r.out, "%s", replHelp)
	case "/open":
		r.open(ctx, arg)
	case "/reveal":
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || !r.term.Reveal(id) {
			writeLine(r.out, "! no message %q in this conversation", arg)
		}
	case "/retry":
		if err := r.session.Reconnect(); err != nil {
			writeLine(r.out, "! %v", err)
		}
	case "/unread":
		r.listUnread()
	case "/contacts":
		r.term.Contacts(r.contacts, r.ledger.Snapshot(), r.online)
	default:
		writeLine(r.out, "! unknown command %s, try /help", name)
	}
	return false
}

func (r *repl) open(ctx context.Context, ref string) {
	contact, ok := r.lookup(ref)
	if !ok {
		writeLine(r.out, "! unknown contact %q", ref)
		return
	}
	r.session.Select(ctx, contact)
}

func (r *repl) send(text string) {
	var target *chat.Contact
	if active, ok := r.session.Active(); ok {
		target = &active
	}
	if _, err := r.composer.Compose(text, target); err != nil {
		switch {
		case errors.Is(err, session.ErrNoContact):
			writeLine(r.out, "! open a conversation first: /open <id>")
		case errors.Is(err, session.ErrNotConnected):
			writeLine(r.out, "! not connected, message not sent")
		default:
			writeLine(r.out, "! %v", err)
		}
	}
}

func (r *repl) listUnread() {
	counts := r.ledger.Snapshot()
	var pending []chat.Contact
	for _, c := range r.contacts {
		if counts[c.ID] > 0 {
			pending = append(pending, c)
		}
	}
	if len(pending) == 0 {
		writeLine(r.out, "No unread messages.")
		return
	}
	r.term.Contacts(pending, counts, nil)
	writeLine(r.out, "total unread: %d", r.ledger.GlobalCount())
}

// lookup resolves a contact by numeric id or by handle.
func (r *repl) lookup(ref string) (chat.Contact, bool) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "@")
	if ref == "" {
		return chat.Contact{}, false
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return r.session.Contact(id)
	}
	for _, c := range r.contacts {
		if strings.EqualFold(c.Handle, ref) {
			return c, true
		}
	}
	return chat.Contact{}, false
}

func (r *repl) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	r.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := r.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[cli] Metrics listener error: %v", err)
		}
	}()
}

func (r *repl) close() {
	r.session.Close()
	if r.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.metrics.Shutdown(ctx)
	}
}

// promptRequester asks on the terminal whether to enable notifications.
type promptRequester struct {
	out   io.Writer
	lines *bufio.Scanner
}

func (p promptRequester) RequestPermission() notify.Permission {
	writeLine(p.out, "Enable notifications for new messages? [y/N]")
	if !p.lines.Scan() {
		return notify.PermissionDefault
	}
	switch strings.ToLower(strings.TrimSpace(p.lines.Text())) {
	case "y", "yes":
		return notify.PermissionGranted
	default:
		return notify.PermissionDenied
	}
}

// syncWriter serializes writes from the REPL and the connection handlers.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

