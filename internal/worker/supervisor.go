package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	"github.com/melonsched/melon/pkg/cgroup"
	"github.com/melonsched/melon/pkg/coremask"
	"github.com/melonsched/melon/pkg/model"
)

// runningJob is the worker-side handle for a job a supervisor goroutine
// owns: its core allocation, its cancel hook, and the channel its
// terminal result arrives on. All three are always accessed together, so
// they live in one struct rather than three sibling maps.
type runningJob struct {
	mask   uint64
	cancel context.CancelFunc
	done   chan model.JobResult
}

// ErrResourceExhausted signals that the worker cannot satisfy a job's
// core request right now.
var ErrResourceExhausted = errors.New("worker: cannot allocate requested cores")

// ErrJobNotFound signals that CancelJob/ExtendJob named a job this worker
// is not supervising.
var ErrJobNotFound = errors.New("worker: job not found")

// ErrMailboxFull signals that a deadline-extension mailbox could not
// accept a new extension.
var ErrMailboxFull = errors.New("worker: extension mailbox full")

// assignJob allocates cores and launches the per-job supervisor
// goroutine for a freshly dispatched job. It returns ErrResourceExhausted
// synchronously if cores cannot be allocated, before the supervisor
// goroutine is ever spawned, so AssignJob can fail fast.
func (w *Worker) assignJob(jobID uint64, scriptPath string, scriptArgs []string, reqRes model.RequestedResources) error {
	mask, ok := w.coreMask.Allocate(reqRes.CPUCount)
	if !ok {
		return ErrResourceExhausted
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &runningJob{
		mask:   mask,
		cancel: cancel,
		done:   make(chan model.JobResult, 1),
	}
	mailbox := make(chan time.Duration, mailboxCapacity)

	w.jobsMu.Lock()
	w.running[jobID] = job
	w.mailboxes[jobID] = mailbox
	w.jobsMu.Unlock()

	go w.supervise(ctx, jobID, scriptPath, scriptArgs, reqRes, mask, mailbox, job)
	return nil
}

// supervise owns a job from launch to terminal result.
func (w *Worker) supervise(
	ctx context.Context,
	jobID uint64,
	scriptPath string,
	scriptArgs []string,
	reqRes model.RequestedResources,
	mask uint64,
	mailbox <-chan time.Duration,
	job *runningJob,
) {
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(scriptPath, scriptArgs...) //nolint:gosec // G204: scriptPath is the user's own submitted job
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// A panicking supervisor must not take the whole mworker process down
	// with it: recover, free the job's cores, and report Failed.
	defer func() {
		if r := recover(); r != nil {
			slog.Error("supervisor panicked, reporting job failed", "job_id", jobID, "panic", r)
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			w.coreMask.Free(mask)
			job.done <- model.JobResult{JobID: jobID, Status: model.StatusFailed}
		}
	}()

	if err := cmd.Start(); err != nil {
		slog.Error("cannot start job", "job_id", jobID, "err", err)
		w.coreMask.Free(mask)
		job.done <- model.JobResult{JobID: jobID, Status: model.StatusFailed}
		return
	}

	cg, cgErr := w.attachCgroup(jobID, cmd.Process.Pid, mask, reqRes)
	if cgErr != nil {
		slog.Error("cannot attach cgroup, killing job", "job_id", jobID, "err", cgErr)
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		w.coreMask.Free(mask)
		job.done <- model.JobResult{JobID: jobID, Status: model.StatusFailed}
		return
	}
	if cg != nil {
		defer cg.RemoveQuiet()
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	deadline := time.Now().Add(time.Duration(reqRes.Time) * time.Minute)

	for {
		select {
		case <-ctx.Done():
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			<-waitCh
			// The canceler (CancelJob RPC handler) already freed the core
			// mask and removed this job's bookkeeping; nothing left to do.
			return

		case waitErr := <-waitCh:
			w.coreMask.Free(mask)
			status := model.StatusCompleted
			var exitErr *exec.ExitError
			switch {
			case waitErr == nil:
			case errors.As(waitErr, &exitErr):
				status = model.StatusFailed
			default:
				slog.Error("error waiting for job", "job_id", jobID, "err", waitErr)
				status = model.StatusFailed
			}
			job.done <- model.JobResult{JobID: jobID, Status: status}
			return

		case <-time.After(time.Until(deadline)):
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			<-waitCh
			w.coreMask.Free(mask)
			job.done <- model.JobResult{JobID: jobID, Status: model.StatusTimeout}
			return

		case delta := <-mailbox:
			deadline = deadline.Add(delta)
		}
	}
}

// attachCgroup creates a cgroup named melon_<pid> scoped to the
// allocated cores and requested memory, and joins the child process to
// it.
func (w *Worker) attachCgroup(jobID uint64, pid int, mask uint64, reqRes model.RequestedResources) (*cgroup.CGroup, error) {
	name := "melon_" + strconv.Itoa(pid)
	cg, err := cgroup.NewBuilder(w.cgroupBasePath, w.cgroupFS).
		WithName(name).
		WithCPUs(coremask.MaskToString(mask)).
		WithMemory(reqRes.Memory).
		Build()
	if err != nil {
		return nil, fmt.Errorf("worker: build cgroup for job %d: %w", jobID, err)
	}
	if err := cg.Create(); err != nil {
		return nil, fmt.Errorf("worker: create cgroup for job %d: %w", jobID, err)
	}
	if err := cg.AddProcess(pid); err != nil {
		return nil, fmt.Errorf("worker: add process for job %d: %w", jobID, err)
	}
	return cg, nil
}

// cancelJob force-terminates a supervised job's child process, frees its
// cores, and removes its bookkeeping.
func (w *Worker) cancelJob(jobID uint64) error {
	w.jobsMu.Lock()
	job, ok := w.running[jobID]
	if !ok {
		w.jobsMu.Unlock()
		return ErrJobNotFound
	}
	delete(w.running, jobID)
	delete(w.mailboxes, jobID)
	w.jobsMu.Unlock()

	w.coreMask.Free(job.mask)
	job.cancel()
	return nil
}

// extendJob forwards a deadline extension to a supervised job's mailbox.
func (w *Worker) extendJob(jobID uint64, minutes uint32) error {
	w.jobsMu.Lock()
	mailbox, ok := w.mailboxes[jobID]
	w.jobsMu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	select {
	case mailbox <- time.Duration(minutes) * time.Minute:
		return nil
	default:
		return ErrMailboxFull
	}
}
