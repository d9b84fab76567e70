package relayclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Notification is one notification in the initial-state response.
type Notification struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Href      string    `json:"href,omitempty"`
	ThreadID  string    `json:"threadId,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// UserState is the initial real-time state fetched on load, before any
// live event arrives.
type UserState struct {
	Notifications      []Notification `json:"notifications"`
	UnreadMessageCount int            `json:"unreadMessageCount"`
}

// FetchState retrieves the session's initial state over REST. Call it
// after every (re)connect: registry state does not survive a server
// restart, so missed events are recovered here.
func (c *Client) FetchState(ctx context.Context) (*UserState, error) {
	var state UserState
	if err := c.doJSON(ctx, http.MethodGet, "/api/user-state", &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// MarkAllRead flips every unread notification and returns how many
// records changed.
func (c *Client) MarkAllRead(ctx context.Context) (int64, error) {
	var resp struct {
		ModifiedCount int64 `json:"modifiedCount"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/notifications/read-all", &resp); err != nil {
		return 0, err
	}
	return resp.ModifiedCount, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.opts.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
