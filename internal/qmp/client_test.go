package qmp

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startFakeMonitor spins up a unix-socket server that sends a greeting
// and echoes back {"return": {}} for every command.
func startFakeMonitor(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	sockPath := dir + "/monitor.sock"

	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		enc := json.NewEncoder(conn)
		enc.Encode(map[string]interface{}{
			"QMP": map[string]interface{}{
				"version":      map[string]interface{}{"qemu": map[string]interface{}{"major": 8, "minor": 1}},
				"capabilities": []string{},
			},
		})

		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var req map[string]interface{}
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			enc.Encode(map[string]interface{}{
				"id":     req["id"],
				"return": map[string]interface{}{},
			})
		}
	}()

	return sockPath
}

func TestDialAndExecute(t *testing.T) {
	sock := startFakeMonitor(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, greeting, err := Dial(ctx, sock)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, 8, greeting.QMP.Version.QEMU.Major)

	raw, err := c.Execute(ctx, "query-status", nil)
	require.NoError(t, err)
	assert.NotNil(t, raw)
}

func TestExecuteFailsAfterClose(t *testing.T) {
	sock := startFakeMonitor(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, _, err := Dial(ctx, sock)
	require.NoError(t, err)
	defer c.Close()

	// Closing immediately should make further Execute calls fail fast.
	c.Close()

	_, err = c.Execute(ctx, "query-status", nil)
	assert.Error(t, err)
}

func TestDialWithRetryFailsFast(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, _, err := DialWithRetry(ctx, "/nonexistent/socket/path", 2, 10*time.Millisecond)
	assert.Error(t, err)
}
