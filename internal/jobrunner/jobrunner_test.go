package jobrunner

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/mulgadc/qmpbackup/internal/qmp"
	"github.com/mulgadc/qmpbackup/internal/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedMonitor answers query-block-jobs with a pre-scripted sequence
// of responses, one per poll round, repeating the last entry thereafter.
type scriptedMonitor struct {
	rounds  [][]blockJob
	idx     int
	execute chan string
}

func startScriptedMonitor(t *testing.T, rounds [][]blockJob) *qmp.Client {
	t.Helper()
	sock := t.TempDir() + "/mon.sock"
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	sm := &scriptedMonitor{rounds: rounds, execute: make(chan string, 64)}

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
			id, _ := req["id"].(string)
			cmd, _ := req["execute"].(string)
			sm.execute <- cmd

			switch cmd {
			case "query-block-jobs":
				round := sm.rounds[sm.idx]
				if sm.idx < len(sm.rounds)-1 {
					sm.idx++
				}
				enc.Encode(map[string]any{"id": id, "return": round})
			default:
				enc.Encode(map[string]any{"id": id, "return": map[string]any{}})
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, _, err := qmp.Dial(ctx, sock)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestWatch_SucceedsWhenAllConcluded(t *testing.T) {
	client := startScriptedMonitor(t, [][]blockJob{
		{
			{Type: "backup", Device: "qmpbackup-ide0-hd0", ID: "qmpbackup.ide0-hd0.disk", Status: "running", Offset: 50, Len: 100},
		},
		{
			{Type: "backup", Device: "qmpbackup-ide0-hd0", ID: "qmpbackup.ide0-hd0.disk", Status: "concluded", Offset: 100, Len: 100},
		},
	})
	r := &Runner{Client: client, RefreshRate: 10 * time.Millisecond}

	err := r.Watch(context.Background(), 1, nil)
	assert.NoError(t, err)
}

func TestWatch_FatalOnAbortingStatus(t *testing.T) {
	client := startScriptedMonitor(t, [][]blockJob{
		{{Type: "backup", Device: "qmpbackup-ide0-hd0", ID: "x", Status: "aborting"}},
	})
	r := &Runner{Client: client, RefreshRate: 10 * time.Millisecond}

	err := r.Watch(context.Background(), 1, nil)
	require.Error(t, err)
	var fe *FatalJobError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "aborting", fe.Status)
}

func TestWatch_FatalOnConcludedMidIO(t *testing.T) {
	client := startScriptedMonitor(t, [][]blockJob{
		{{Type: "backup", Device: "qmpbackup-ide0-hd0", ID: "x", Status: "concluded", Offset: 40, Len: 100}},
	})
	r := &Runner{Client: client, RefreshRate: 10 * time.Millisecond}

	err := r.Watch(context.Background(), 1, nil)
	require.Error(t, err)
	var fe *FatalJobError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Error(), "cancelled mid-IO")
}

func TestWatch_CancellationStopsLoop(t *testing.T) {
	client := startScriptedMonitor(t, [][]blockJob{
		{{Type: "backup", Device: "qmpbackup-ide0-hd0", ID: "x", Status: "running", Offset: 1, Len: 100}},
	})
	r := &Runner{Client: client, RefreshRate: 10 * time.Millisecond}

	err := r.Watch(context.Background(), 1, func() bool { return true })
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestWatch_IgnoresJobsNotOurs(t *testing.T) {
	client := startScriptedMonitor(t, [][]blockJob{
		{
			{Type: "backup", Device: "qmpbackup-ide0-hd0", ID: "x", Status: "concluded", Offset: 100, Len: 100},
			{Type: "backup", Device: "other-job", ID: "y", Status: "aborting"},
			{Type: "stream", Device: "qmpbackup-ide0-hd1", ID: "z", Status: "aborting"},
		},
	})
	r := &Runner{Client: client, RefreshRate: 10 * time.Millisecond}

	err := r.Watch(context.Background(), 1, nil)
	assert.NoError(t, err)
}

func TestPercentOf(t *testing.T) {
	assert.Equal(t, 0, percentOf(0, 100))
	assert.Equal(t, 50, percentOf(50, 100))
	assert.Equal(t, 100, percentOf(100, 100))
	assert.Equal(t, 0, percentOf(10, 0))
}

func TestSubmit_SendsTransactionWithActions(t *testing.T) {
	client := startScriptedMonitor(t, [][]blockJob{{}})
	r := &Runner{Client: client}

	err := r.Submit(context.Background(), []txn.Action{
		{Type: "block-dirty-bitmap-add", Data: map[string]any{"node": "n", "name": "b"}},
	})
	assert.NoError(t, err)
}

func TestCancelAll_ConvergesWhenNoJobsRemain(t *testing.T) {
	client := startScriptedMonitor(t, [][]blockJob{{}})
	err := CancelAll(context.Background(), client)
	assert.NoError(t, err)
}
