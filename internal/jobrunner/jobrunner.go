// Package jobrunner submits the backup transaction and drives block job
// polling to completion, with cancellation and progress reporting (spec
// §4.5, component C6).
package jobrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mulgadc/qmpbackup/internal/qmp"
	"github.com/mulgadc/qmpbackup/internal/txn"
	"github.com/mulgadc/qmpbackup/internal/utils"
)

const jobDevicePrefix = "qmpbackup"

// FatalJobError reports an unrecoverable block-job state (spec §4.5,
// §7 Job error class).
type FatalJobError struct {
	Device string
	Status string
	Offset int64
	Len    int64
}

func (e *FatalJobError) Error() string {
	if e.Status == "concluded" {
		return fmt.Sprintf("jobrunner: job for %s concluded at offset %d of %d (cancelled mid-IO)", e.Device, e.Offset, e.Len)
	}
	return fmt.Sprintf("jobrunner: job for %s entered fatal status %q", e.Device, e.Status)
}

// ErrCancelled is returned when the poll loop observes a caller-triggered
// cancellation (spec §5).
var ErrCancelled = fmt.Errorf("jobrunner: run cancelled")

// Progress receives per-job percent updates. A nil Progress is valid and
// simply skips reporting.
type Progress interface {
	Update(device string, percent int)
	Done(device string)
}

// Runner submits and watches one run's block jobs.
type Runner struct {
	Client      *qmp.Client
	RefreshRate time.Duration
	Progress    Progress
}

// Submit issues the single atomic transaction carrying every sub-action
// for this run.
func (r *Runner) Submit(ctx context.Context, actions []txn.Action) error {
	_, err := r.Client.Execute(ctx, "transaction", map[string]any{"actions": actions})
	if err != nil {
		return fmt.Errorf("jobrunner: submit transaction: %w", err)
	}
	return nil
}

type blockJob struct {
	Type   string `json:"type"`
	Device string `json:"device"`
	ID     string `json:"id"`
	Status string `json:"status"`
	Offset int64  `json:"offset"`
	Len    int64  `json:"len"`
}

func (r *Runner) queryJobs(ctx context.Context) ([]blockJob, error) {
	raw, err := r.Client.Execute(ctx, "query-block-jobs", nil)
	if err != nil {
		return nil, fmt.Errorf("jobrunner: query-block-jobs: %w", err)
	}
	var jobs []blockJob
	if err := json.Unmarshal(raw, &jobs); err != nil {
		return nil, fmt.Errorf("jobrunner: decode block jobs: %w", err)
	}
	var ours []blockJob
	for _, j := range jobs {
		if j.Type == "backup" && strings.HasPrefix(j.Device, jobDevicePrefix) {
			ours = append(ours, j)
		}
	}
	return ours, nil
}

// Watch polls until every device's job has concluded successfully,
// returns a FatalJobError on aborting/undefined/cancelled-mid-IO, or
// ErrCancelled when cancel reports true (spec §4.5, §5).
func (r *Runner) Watch(ctx context.Context, deviceCount int, cancel func() bool) error {
	refresh := r.RefreshRate
	if refresh <= 0 {
		refresh = time.Second
	}

	completed := make(map[string]bool)

	for {
		if cancel != nil && cancel() {
			return ErrCancelled
		}

		jobs, err := r.queryJobs(ctx)
		if err != nil {
			return err
		}

		for _, j := range jobs {
			switch j.Status {
			case "aborting", "undefined":
				return &FatalJobError{Device: j.Device, Status: j.Status}
			case "concluded":
				if completed[j.Device] {
					continue
				}
				if j.Offset != j.Len {
					return &FatalJobError{Device: j.Device, Status: j.Status, Offset: j.Offset, Len: j.Len}
				}
				if _, err := r.Client.Execute(ctx, "block-job-dismiss", map[string]any{"id": j.ID}); err != nil {
					return fmt.Errorf("jobrunner: dismiss job %s: %w", j.ID, err)
				}
				completed[j.Device] = true
				if r.Progress != nil {
					r.Progress.Done(j.Device)
				}
			default:
				if r.Progress != nil {
					r.Progress.Update(j.Device, percentOf(j.Offset, j.Len))
				}
			}
		}

		if len(completed) >= deviceCount {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(refresh):
		}
	}
}

func percentOf(offset, length int64) int {
	if offset <= 0 || length <= 0 {
		return 0
	}
	o := utils.SafeInt64ToUint64(offset)
	l := utils.SafeInt64ToUint64(length)
	if l == 0 {
		return 0
	}
	return int(o * 100 / l)
}

// CancelAll implements the standalone cancel_all() protocol: for up to
// 60 iterations, list block jobs and either dismiss (if concluded) or
// force-cancel each qualifying job, sleeping 1s between rounds (spec
// §4.5). orchestrator.Run calls it when watching fails (including a run
// cancelled by a signal), and orchestrator.CancelAll exposes it as an
// independently callable recovery operation.
func CancelAll(ctx context.Context, client *qmp.Client) error {
	r := &Runner{Client: client}

	for i := 0; i < 60; i++ {
		jobs, err := r.queryJobs(ctx)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}

		for _, j := range jobs {
			if j.Status == "concluded" {
				if _, err := client.Execute(ctx, "block-job-dismiss", map[string]any{"id": j.ID}); err != nil {
					slog.Warn("cancel_all: dismiss failed", "id", j.ID, "error", err)
				}
				continue
			}
			if _, err := client.Execute(ctx, "block-job-cancel", map[string]any{"device": j.ID, "force": true}); err != nil {
				slog.Warn("cancel_all: cancel failed", "id", j.ID, "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("jobrunner: cancel_all did not converge after 60 iterations")
}
