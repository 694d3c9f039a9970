// Package client speaks the depot line protocol.
package client

import (
	"bytes"
	"context"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// DefaultTimeout bounds one request, dial included.
const DefaultTimeout = 30 * time.Second

// Client sends one command per connection to a depot server.
type Client struct {
	Addr    string
	Timeout time.Duration
	dialer  net.Dialer
}

// New returns a client for the server at addr ("host:port").
func New(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{Addr: addr, Timeout: timeout}
}

// Do sends line and returns everything the server writes before closing.
func (c *Client) Do(ctx context.Context, line string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	if _, err := io.WriteString(conn, line); err != nil {
		return nil, err
	}
	return io.ReadAll(conn)
}

// Generate requests a client certificate for dn and returns the PEM encoded
// private key and certificate.
func (c *Client) Generate(ctx context.Context, dn string) ([]byte, []byte, error) {
	response, err := c.Do(ctx, "generate "+dn)
	if err != nil {
		return nil, nil, err
	}
	return SplitGenerateResponse(response)
}

// SplitGenerateResponse separates a generate answer into its key and
// certificate blocks. An "error:" line becomes the returned error.
func SplitGenerateResponse(response []byte) ([]byte, []byte, error) {
	if msg, ok := bytes.CutPrefix(response, []byte("error: ")); ok {
		return nil, nil, errors.New(strings.TrimSpace(string(msg)))
	}
	var keyPEM, certPEM []byte
	rest := response
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch {
		case strings.HasSuffix(block.Type, "PRIVATE KEY") && keyPEM == nil:
			keyPEM = pem.EncodeToMemory(block)
		case block.Type == "CERTIFICATE" && certPEM == nil:
			certPEM = pem.EncodeToMemory(block)
		}
	}
	if keyPEM == nil || certPEM == nil {
		return nil, nil, fmt.Errorf("unexpected response: %q", truncate(response, 80))
	}
	return keyPEM, certPEM, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Help returns the server's help text for command, or the command list when
// command is empty.
func (c *Client) Help(ctx context.Context, command string) (string, error) {
	response, err := c.Do(ctx, strings.TrimSpace("help "+command))
	if err != nil {
		return "", err
	}
	return string(response), nil
}

// Shutdown asks the worker that accepts the connection to exit.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.Do(ctx, "shutdown")
	return err
}
