package guestagent

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

type fakeAgent struct {
	status string
}

func startFakeAgent(t *testing.T, state *fakeAgent) string {
	t.Helper()
	dir := t.TempDir()
	sockPath := dir + "/qga.sock"

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
		sc := bufio.NewScanner(conn)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			var req map[string]interface{}
			json.Unmarshal(sc.Bytes(), &req)

			switch req["execute"] {
			case "guest-fsfreeze-status":
				enc.Encode(map[string]interface{}{"return": state.status})
			case "guest-fsfreeze-freeze":
				state.status = "frozen"
				enc.Encode(map[string]interface{}{"return": 2})
			case "guest-fsfreeze-thaw":
				state.status = "thawed"
				enc.Encode(map[string]interface{}{"return": 2})
			case "guest-ping":
				enc.Encode(map[string]interface{}{"return": map[string]interface{}{}})
			case "guest-info":
				enc.Encode(map[string]interface{}{
					"return": map[string]interface{}{
						"supported_commands": []map[string]interface{}{
							{"name": "guest-fsfreeze-freeze", "enabled": true},
						},
					},
				})
			}
		}
	}()

	return sockPath
}

func TestFreezeThawRoundTrip(t *testing.T) {
	state := &fakeAgent{status: "thawed"}
	sock := startFakeAgent(t, state)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Dial(ctx, sock)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Ping(ctx, time.Second))

	n, err := c.Freeze(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Freezing again is a no-op, not an error.
	n, err = c.Freeze(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = c.Thaw(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ok, err := c.Supports(ctx, "guest-fsfreeze-freeze")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Supports(ctx, "guest-exec")
	require.NoError(t, err)
	assert.False(t, ok)
}
