// Package http09 implements HTTP/0.9 over QUIC streams, the application
// protocol the interop harness uses for every non-HTTP/3 test case. A
// request is a single "GET <path>\r\n" line on a fresh bidirectional
// stream; the response is the raw body, terminated by the stream FIN.
package http09

import (
	"context"
	"fmt"
	"io"

	"github.com/quic-go/quic-go"
)

// NextProto is the ALPN identifier for HTTP/0.9 over QUIC.
const NextProto = "hq-interop"

// Client issues HTTP/0.9 requests over an established QUIC connection.
type Client struct {
	conn quic.Connection
}

// NewClient wraps an established connection. The connection must have been
// dialed with NextProto in its ALPN list.
func NewClient(conn quic.Connection) *Client {
	return &Client{conn: conn}
}

// Get fetches the resource at path and returns the full response body.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	str, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open request stream: %w", err)
	}
	if _, err := fmt.Fprintf(str, "GET %s\r\n", path); err != nil {
		return nil, fmt.Errorf("failed to write request: %w", err)
	}
	if err := str.Close(); err != nil {
		return nil, fmt.Errorf("failed to close request stream: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := str.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
	}
	body, err := io.ReadAll(str)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}
