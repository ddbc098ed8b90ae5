package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/asiaops/asia/pkg/types"
)

// streamMessage mirrors the envelope pushed by the server's run stream.
type streamMessage struct {
	Event string      `json:"event"`
	Data  []types.Run `json:"data"`
}

// StreamFilter narrows the streamed run list. Empty fields match all runs.
type StreamFilter struct {
	Subsystem string
	Status    string
}

func (f StreamFilter) query() string {
	q := url.Values{}
	if f.Subsystem != "" {
		q.Set("subsystem", f.Subsystem)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	return q.Encode()
}

// Stream connects to the run stream and calls fn with every run list the
// server pushes. Stream blocks until ctx is cancelled (returning nil) or the
// connection fails.
func (c *Client) Stream(ctx context.Context, f StreamFilter, fn func([]types.Run)) error {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/runs"
	u.RawQuery = f.query()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("client: dial stream: %w", err)
	}
	defer conn.Close()

	// ReadJSON does not observe ctx; closing the connection unblocks it.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var msg streamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("client: read stream: %w", err)
		}
		if msg.Event != "runs" {
			continue
		}
		fn(msg.Data)
	}
}
