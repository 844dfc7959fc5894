// Package history retrieves conversation history and the contact directory
// from the relay's REST API.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cybershield/messenger/internal/chat"
	"github.com/cybershield/messenger/internal/protocol"
)

// UserHeader carries the local identity on every request.
const UserHeader = "X-User-ID"

const maxResponseBytes = 4 << 20

// ErrForbidden is returned when the relay refuses access, e.g. a conversation
// with a user who is not a friend.
var ErrForbidden = errors.New("history: forbidden")

// Client is a REST client for one local user.
type Client struct {
	BaseURL        string
	UserID         int64
	HTTPClient     *http.Client
	RequestTimeout time.Duration
}

// Me returns the local user's own directory record.
func (c Client) Me(ctx context.Context) (protocol.UserRecord, error) {
	var rec protocol.UserRecord
	if err := c.get(ctx, "/api/users/me", &rec); err != nil {
		return protocol.UserRecord{}, err
	}
	return rec, nil
}

// Conversation returns the messages exchanged with contactID, oldest first.
func (c Client) Conversation(ctx context.Context, contactID int64) ([]chat.Message, error) {
	var records []protocol.ChatMessage
	path := "/api/messages/conversation/" + strconv.FormatInt(contactID, 10)
	if err := c.get(ctx, path, &records); err != nil {
		return nil, err
	}

	msgs := make([]chat.Message, 0, len(records))
	for _, r := range records {
		msgs = append(msgs, r.Message())
	}
	return msgs, nil
}

// Contacts returns the people the local user can message. Elevated accounts
// get the full user directory; everyone else gets their friends list.
func (c Client) Contacts(ctx context.Context, elevated bool) ([]protocol.UserRecord, error) {
	path := "/api/friends/list"
	if elevated {
		path = "/api/users"
	}

	var records []protocol.UserRecord
	if err := c.get(ctx, path, &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = []protocol.UserRecord{}
	}
	return records, nil
}

func (c Client) get(ctx context.Context, path string, out interface{}) error {
	endpoint, err := buildURL(c.BaseURL, path)
	if err != nil {
		return err
	}

	reqCtx, cancel := c.requestContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("history: create request: %w", err)
	}
	req.Header.Set(UserHeader, strconv.FormatInt(c.UserID, 10))
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("history: GET %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: GET %s", ErrForbidden, path)
	case resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices:
		return fmt.Errorf("history: GET %s: unexpected status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("history: decode %s: %w", path, err)
	}
	return nil
}

func (c Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.RequestTimeout)
}

func (c Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func buildURL(base, path string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("history: invalid base url %q", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}
