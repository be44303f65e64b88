package client

import (
	"context"
	"net/http"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaysync/internal/bso"
)

// Notification announces a write to one of the user's collections. An
// empty Collection means all of them were removed.
type Notification struct {
	Collection string        `json:"collection"`
	Modified   bso.Timestamp `json:"modified"`
}

// Notifications opens the change stream. The channel closes when ctx ends
// or the connection drops.
func (c *HTTPClient) Notifications(ctx context.Context) (<-chan Notification, error) {
	wsURL := c.baseURL + c.userPath() + "/notifications"
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}

	probe, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return nil, err
	}
	c.setAuth(probe)

	// The stream outlives any per-request timeout.
	hc := *c.httpClient
	hc.Timeout = 0
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: &hc,
		HTTPHeader: http.Header{"Authorization": probe.Header.Values("Authorization")},
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			_ = resp.Body.Close()
			return nil, statusError(resp, nil, 0)
		}
		return nil, err
	}

	out := make(chan Notification, 16)
	go func() {
		defer close(out)
		defer conn.CloseNow()
		for {
			var n Notification
			if err := wsjson.Read(ctx, conn, &n); err != nil {
				if ctx.Err() == nil {
					c.logger.Debug(ctx, "notification stream closed", "error", err)
				}
				return
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
