package bitmap

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/mulgadc/qmpbackup/internal/qmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNameFor(t *testing.T) {
	assert.Equal(t, "qmpbackup-ide0-hd0-uuid123", NameFor("ide0-hd0", "uuid123", false))
	assert.Equal(t, "qmpbackup-copy-ide0-hd0-uuid123", NameFor("ide0-hd0", "uuid123", true))
}

func TestRecording(t *testing.T) {
	yes := true
	no := false
	assert.True(t, Recording(qmp.DirtyBitmap{Recording: &yes}))
	assert.False(t, Recording(qmp.DirtyBitmap{Recording: &no}))
	assert.True(t, Recording(qmp.DirtyBitmap{Status: "active"}))
	assert.True(t, Recording(qmp.DirtyBitmap{Status: "frozen"}))
	assert.False(t, Recording(qmp.DirtyBitmap{Status: "disabled"}))
}

func TestHasChainBitmap(t *testing.T) {
	assert.True(t, HasChainBitmap([]string{"qmpbackup-ide0-hd0-abc"}, "abc"))
	assert.False(t, HasChainBitmap([]string{"qmpbackup-ide0-hd0-abc"}, "xyz"))
	assert.False(t, HasChainBitmap(nil, "abc"))
}

// fakeMonitor accepts command lines and records each, replying
// with {"return":{}} unless the command is pre-seeded to error.
type fakeMonitor struct {
	t        *testing.T
	ln       net.Listener
	commands chan map[string]any
	errorFor map[string]string
}

func startFakeMonitor(t *testing.T) (*fakeMonitor, *qmp.Client) {
	t.Helper()
	dir := t.TempDir()
	sock := dir + "/mon.sock"
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)

	fm := &fakeMonitor{t: t, ln: ln, commands: make(chan map[string]any, 32), errorFor: map[string]string{}}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		enc := json.NewEncoder(conn)
		enc.Encode(map[string]any{"QMP": map[string]any{"version": map[string]any{}, "capabilities": []string{}}})

		dec := json.NewDecoder(conn)
		for {
			var req map[string]any
			if err := dec.Decode(&req); err != nil {
				return
			}
			fm.commands <- req

			id, _ := req["id"].(string)
			cmd, _ := req["execute"].(string)
			if desc, bad := fm.errorFor[cmd]; bad {
				enc.Encode(map[string]any{"id": id, "error": map[string]any{"class": "GenericError", "desc": desc}})
				continue
			}
			enc.Encode(map[string]any{"id": id, "return": map[string]any{}})
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, _, err := qmp.Dial(ctx, sock)
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		ln.Close()
	})

	return fm, client
}

func TestRegistry_EnsureToleratesAlreadyExists(t *testing.T) {
	fm, client := startFakeMonitor(t)
	fm.errorFor["block-dirty-bitmap-add"] = "Bitmap already exists"
	r := &Registry{Client: client}

	err := r.Ensure(context.Background(), "ide0-hd0", "qmpbackup-ide0-hd0-u", true)
	assert.NoError(t, err)
}

func TestRegistry_RemoveTolerantesNotFound(t *testing.T) {
	fm, client := startFakeMonitor(t)
	fm.errorFor["block-dirty-bitmap-remove"] = "Dirty bitmap 'x' not found"
	r := &Registry{Client: client}

	err := r.Remove(context.Background(), "ide0-hd0", "x")
	assert.NoError(t, err)
}

func TestRegistry_RemoveAllFiltersByPrefixAndUUID(t *testing.T) {
	fm, client := startFakeMonitor(t)
	r := &Registry{Client: client}

	devices := []NodeBitmaps{
		{Node: "ide0-hd0", Bitmaps: []string{"qmpbackup-ide0-hd0-uuid1", "other-bitmap"}},
		{Node: "ide0-hd1", Bitmaps: []string{"qmpbackup-ide0-hd1-uuid2"}},
	}

	err := r.RemoveAll(context.Background(), devices, "qmpbackup", "uuid1")
	require.NoError(t, err)

	// The fake monitor records each request before replying, so every
	// command RemoveAll issued is already queued.
	var removed []string
	for len(fm.commands) > 0 {
		req := <-fm.commands
		if req["execute"] == "block-dirty-bitmap-remove" {
			args, _ := req["arguments"].(map[string]any)
			name, _ := args["name"].(string)
			removed = append(removed, name)
		}
	}
	assert.Equal(t, []string{"qmpbackup-ide0-hd0-uuid1"}, removed)
}

func TestRegistry_ClearAndMerge(t *testing.T) {
	_, client := startFakeMonitor(t)
	r := &Registry{Client: client}

	require.NoError(t, r.Clear(context.Background(), "ide0-hd0", "qmpbackup-ide0-hd0-u"))
	require.NoError(t, r.Merge(context.Background(), "ide0-hd0-snap", "qmpbackup-ide0-hd0-u", []MergeSource{
		{Node: "ide0-hd0", Name: "qmpbackup-ide0-hd0-u"},
	}))
}
