// Package guestagent implements a client for the guest-agent protocol
// used to freeze/thaw guest filesystems before/after a backup. It shares
// the monitor's line-delimited JSON framing but performs no capability
// handshake (spec §6).
package guestagent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"
)

type request struct {
	Execute   string      `json:"execute"`
	Arguments interface{} `json:"arguments,omitempty"`
}

type response struct {
	Return json.RawMessage `json:"return"`
	Error  *struct {
		Class string `json:"class"`
		Desc  string `json:"desc"`
	} `json:"error,omitempty"`
}

// Client talks to a guest-agent socket.
type Client struct {
	conn    net.Conn
	enc     *json.Encoder
	scanner *bufio.Scanner
}

// Dial connects to the guest-agent socket. Unlike the monitor, there is
// no greeting to read.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("guestagent: dial %s: %w", socketPath, err)
	}
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Client{conn: conn, enc: json.NewEncoder(conn), scanner: sc}, nil
}

// Close closes the underlying socket.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) execute(ctx context.Context, cmd string, args interface{}) (json.RawMessage, error) {
	deadline, ok := ctx.Deadline()
	if ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := c.enc.Encode(request{Execute: cmd, Arguments: args}); err != nil {
		return nil, fmt.Errorf("guestagent: send %s: %w", cmd, err)
	}

	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return nil, fmt.Errorf("guestagent: read reply to %s: %w", cmd, err)
		}
		return nil, fmt.Errorf("guestagent: connection closed reading reply to %s", cmd)
	}

	var resp response
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("guestagent: decode reply to %s: %w", cmd, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("guestagent: %s: %s: %s", cmd, resp.Error.Class, resp.Error.Desc)
	}
	return resp.Return, nil
}

// Ping issues guest-ping bounded by the given timeout.
func (c *Client) Ping(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := c.execute(ctx, "guest-ping", nil)
	return err
}

// guestInfo mirrors the subset of guest-info's reply used to determine
// command support.
type guestInfo struct {
	SupportedCommands []struct {
		Name    string `json:"name"`
		Enabled bool   `json:"enabled"`
	} `json:"supported_commands"`
}

// Supports reports whether the guest agent advertises the given command.
func (c *Client) Supports(ctx context.Context, cmd string) (bool, error) {
	raw, err := c.execute(ctx, "guest-info", nil)
	if err != nil {
		return false, err
	}
	var info guestInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return false, fmt.Errorf("guestagent: decode guest-info: %w", err)
	}
	for _, sc := range info.SupportedCommands {
		if sc.Name == cmd {
			return sc.Enabled, nil
		}
	}
	return false, nil
}

// Status returns the current filesystem freeze state as reported by
// guest-fsfreeze-status ("frozen" or "thawed").
func (c *Client) Status(ctx context.Context) (string, error) {
	raw, err := c.execute(ctx, "guest-fsfreeze-status", nil)
	if err != nil {
		return "", err
	}
	var status string
	if err := json.Unmarshal(raw, &status); err != nil {
		return "", fmt.Errorf("guestagent: decode fsfreeze-status: %w", err)
	}
	return status, nil
}

// Freeze quiesces guest filesystems. Freezing an already-frozen guest is
// a no-op success, not an error (grounded on libqmpbackup's fs.quiesce).
func (c *Client) Freeze(ctx context.Context) (int, error) {
	status, err := c.Status(ctx)
	if err == nil && status == "frozen" {
		slog.Warn("guest filesystem already frozen")
		return 0, nil
	}

	raw, err := c.execute(ctx, "guest-fsfreeze-freeze", nil)
	if err != nil {
		return 0, err
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("guestagent: decode fsfreeze-freeze: %w", err)
	}
	slog.Info("guest filesystem(s) frozen", "count", n)
	return n, nil
}

// Thaw reverses Freeze. Thawing an already-thawed guest is a no-op
// success, matching libqmpbackup's fs.thaw.
func (c *Client) Thaw(ctx context.Context) (int, error) {
	status, err := c.Status(ctx)
	if err == nil && status == "thawed" {
		slog.Info("guest filesystem already thawed, skipping")
		return 0, nil
	}

	raw, err := c.execute(ctx, "guest-fsfreeze-thaw", nil)
	if err != nil {
		return 0, err
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("guestagent: decode fsfreeze-thaw: %w", err)
	}
	slog.Info("guest filesystem(s) thawed", "count", n)
	return n, nil
}
