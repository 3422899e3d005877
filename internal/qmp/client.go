// Package qmp implements a minimal client for the hypervisor's monitor
// protocol: a line-delimited JSON request/response/event channel carried
// over a local unix stream socket.
package qmp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Greeting is the banner the monitor sends immediately after connect,
// before capabilities are negotiated.
type Greeting struct {
	QMP struct {
		Version struct {
			QEMU struct {
				Major int `json:"major"`
				Minor int `json:"minor"`
				Micro int `json:"micro"`
			} `json:"qemu"`
		} `json:"version"`
		Capabilities []string `json:"capabilities"`
	} `json:"QMP"`
}

// Error is the error object embedded in a monitor response.
type Error struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("qmp: %s: %s", e.Class, e.Desc)
}

// Event is an asynchronous notification pushed by the monitor, e.g.
// BLOCK_JOB_COMPLETED or JOB_STATUS_CHANGE.
type Event struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp struct {
		Seconds      int64 `json:"seconds"`
		Microseconds int64 `json:"microseconds"`
	} `json:"timestamp"`
}

type request struct {
	Execute   string      `json:"execute"`
	Arguments interface{} `json:"arguments,omitempty"`
	ID        string      `json:"id,omitempty"`
}

type response struct {
	ID     string          `json:"id,omitempty"`
	Return json.RawMessage `json:"return"`
	Error  *Error          `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
}

// Client is a connection to a single monitor socket. It demultiplexes
// command responses from asynchronous events on the same stream.
type Client struct {
	conn    net.Conn
	enc     *json.Encoder
	scanner *bufio.Scanner

	mu       sync.Mutex
	pending  map[string]chan response
	nextID   uint64
	events   chan Event
	closed   atomic.Bool
	readerWG sync.WaitGroup
}

// Greeting returned by Dial, kept for callers that want the negotiated
// QEMU version.
func Dial(ctx context.Context, socketPath string) (*Client, *Greeting, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, nil, fmt.Errorf("qmp: dial %s: %w", socketPath, err)
	}

	c := &Client{
		conn:    conn,
		enc:     json.NewEncoder(conn),
		scanner: bufio.NewScanner(conn),
		pending: make(map[string]chan response),
		events:  make(chan Event, 64),
	}
	c.scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var greeting Greeting
	if !c.scanner.Scan() {
		conn.Close()
		return nil, nil, fmt.Errorf("qmp: no greeting from %s: %w", socketPath, c.scanner.Err())
	}
	if err := json.Unmarshal(c.scanner.Bytes(), &greeting); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("qmp: decode greeting: %w", err)
	}

	c.readerWG.Add(1)
	go c.readLoop()

	if err := c.negotiate(ctx); err != nil {
		c.Close()
		return nil, nil, err
	}

	return c, &greeting, nil
}

func (c *Client) negotiate(ctx context.Context) error {
	_, err := c.Execute(ctx, "qmp_capabilities", nil)
	return err
}

func (c *Client) readLoop() {
	defer c.readerWG.Done()
	defer close(c.events)

	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}

		if resp.Event != "" {
			var ev Event
			if err := json.Unmarshal(line, &ev); err == nil {
				select {
				case c.events <- ev:
				default:
					// buffer full: drop this event rather than block the
					// reader; progress is derived from polled status,
					// never from event ordering (spec: events informational).
				}
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()

		if ok {
			ch <- resp
			close(ch)
		}
	}
}

// Execute sends a single command and waits for its matching response.
func (c *Client) Execute(ctx context.Context, cmd string, args interface{}) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("qmp: connection closed")
	}

	id := fmt.Sprintf("qmpbackup-%d", atomic.AddUint64(&c.nextID, 1))
	ch := make(chan response, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	req := request{Execute: cmd, Arguments: args, ID: id}
	if err := c.enc.Encode(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("qmp: send %s: %w", cmd, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Return, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Events returns the channel of asynchronous monitor events. It is closed
// when the read loop exits (connection closed or I/O error).
func (c *Client) Events() <-chan Event {
	return c.events
}

// Close closes the underlying socket. Safe to call multiple times.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	err := c.conn.Close()
	c.readerWG.Wait()

	c.mu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	return err
}

// DialWithRetry retries Dial up to attempts times, spaced by delay, before
// giving up fatally (spec: connection_retry attempts at 1s spacing).
func DialWithRetry(ctx context.Context, socketPath string, attempts int, delay time.Duration) (*Client, *Greeting, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		c, g, err := Dial(ctx, socketPath)
		if err == nil {
			return c, g, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, nil, fmt.Errorf("qmp: giving up after %d attempts: %w", attempts, lastErr)
}
