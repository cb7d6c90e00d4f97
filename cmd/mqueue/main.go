// Mqueue lists all jobs known to a melond scheduler: pending, running,
// and persisted.
//
// Sample usage:
//
//	mqueue -a 127.0.0.1:8080
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"

	"github.com/melonsched/melon/internal/cliutil"
	"github.com/melonsched/melon/pkg/melonpb"
)

const description = "Mqueue lists the jobs known to a Melon scheduler."

type app struct {
	Address string `short:"a" help:"Melond scheduler endpoint." default:"127.0.0.1:8080" env:"MELON_ADDRESS"`
}

func main() {
	opts := []kong.Option{kong.Description(description)}
	kctx := kong.Parse(&app{}, opts...)
	kctx.FatalIfErrorf(kctx.Run())
}

// Run is called by [kong] after flags have been validated and parsed.
func (a *app) Run() error {
	client, closeConn, err := cliutil.DialScheduler(a.Address)
	if err != nil {
		return fmt.Errorf("mqueue: %w", err)
	}
	defer closeConn() //nolint:errcheck // best-effort close after the single RPC below

	resp, err := client.ListJobs(context.Background(), &melonpb.ListJobsRequest{})
	if err != nil {
		return fmt.Errorf("mqueue: list jobs: %s", cliutil.StatusMessage(err))
	}
	return printQueue(os.Stdout, resp.Jobs, time.Now())
}

// printQueue writes the fixed-width JOBID/NAME/USER/ST/TIME/NODES table.
func printQueue(w io.Writer, jobs []*melonpb.Job, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintln(tw, "JOBID\tNAME\tUSER\tST\tTIME\tNODES"); err != nil {
		return fmt.Errorf("mqueue: cannot write header: %w", err)
	}
	for _, job := range jobs {
		name := filepath.Base(job.ScriptPath)
		node := job.AssignedNode
		_, err := fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			job.ID, name, job.User, cliutil.ShortStatus(job.Status), cliutil.ElapsedTime(job, now), node)
		if err != nil {
			return fmt.Errorf("mqueue: cannot write row for job %d: %w", job.ID, err)
		}
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("mqueue: cannot flush table: %w", err)
	}
	return nil
}
