// Package cliutil holds the small pieces of presentation logic shared by
// the mbatch/mqueue/mshow/mcancel/mextend binaries: translating a gRPC
// status error into the short human message printed on failure, dialing
// the scheduler the same way on every CLI, and rendering a job's
// status/elapsed-time columns the way mqueue and mshow both need to.
package cliutil

import (
	"fmt"
	"os"
	"os/user"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/melonsched/melon/pkg/melonpb"
)

// CurrentUsername reports the submitter's OS username, the free-form
// string stored as Job.User. $USER is checked first since it reflects
// sudo/su impersonation more often than the process's real uid.
func CurrentUsername() (string, error) {
	if u := os.Getenv("USER"); u != "" {
		return u, nil
	}
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("cannot determine current user: %w", err)
	}
	return u.Username, nil
}

// DialScheduler opens a plaintext gRPC connection to a melond instance
// at endpoint. The cluster model is unauthenticated beyond username
// strings, so no transport credentials are carried.
func DialScheduler(endpoint string) (melonpb.SchedulerClient, func() error, error) {
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("cannot dial scheduler %q: %w", endpoint, err)
	}
	return melonpb.NewSchedulerClient(conn), conn.Close, nil
}

// StatusMessage renders err the way mcancel/mextend report RPC failures:
// NotFound -> "job not found", PermissionDenied -> "not your job",
// anything else -> the raw message.
func StatusMessage(err error) string {
	st, ok := status.FromError(err)
	if !ok {
		return err.Error()
	}
	switch st.Code() {
	case codes.NotFound:
		return "job not found"
	case codes.PermissionDenied:
		return "not your job"
	default:
		return st.Message()
	}
}

// ShortStatus renders a wire JobStatus as mqueue's single/double-letter
// ST column.
func ShortStatus(s melonpb.JobStatus) string {
	switch s {
	case melonpb.JobStatusPending:
		return "PD"
	case melonpb.JobStatusRunning:
		return "R"
	case melonpb.JobStatusCompleted:
		return "C"
	case melonpb.JobStatusFailed:
		return "F"
	case melonpb.JobStatusTimeout:
		return "TO"
	default:
		return "?"
	}
}

// ElapsedTime formats the wall-clock time a job has been running as
// D-HH:MM:SS, the form mqueue's TIME column uses once a job has started.
// A job with no start time (still pending) renders as the empty string.
func ElapsedTime(job *melonpb.Job, now time.Time) string {
	if job.StartTime == nil {
		return ""
	}
	start := time.Unix(int64(*job.StartTime), 0) //nolint:gosec // epoch seconds fit int64
	end := now
	if job.StopTime != nil {
		end = time.Unix(int64(*job.StopTime), 0) //nolint:gosec // epoch seconds fit int64
	}
	elapsed := end.Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}
	total := int64(elapsed.Seconds())
	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	return fmt.Sprintf("%d-%02d:%02d:%02d", days, hours, minutes, seconds)
}
