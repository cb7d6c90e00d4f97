// Mshow displays detailed information about a single Melon job, as a
// table by default or as JSON with --parseable.
//
// Sample usage:
//
//	mshow -a 127.0.0.1:8080 42
//	mshow -a 127.0.0.1:8080 42 --parseable
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"

	"github.com/melonsched/melon/internal/cliutil"
	"github.com/melonsched/melon/pkg/melonpb"
)

const description = "Mshow displays detailed information about a single Melon job."

type app struct {
	Address   string `short:"a" help:"Melond scheduler endpoint." default:"127.0.0.1:8080" env:"MELON_ADDRESS"`
	JobID     uint64 `arg:"" name:"job-id" help:"Job ID to show."`
	Parseable bool   `help:"Print machine-readable JSON instead of a table."`
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
		return fmt.Errorf("mshow: %w", err)
	}
	defer closeConn() //nolint:errcheck // best-effort close after the single RPC below

	job, err := client.GetJobInfo(context.Background(), &melonpb.GetJobInfoRequest{JobID: a.JobID})
	if err != nil {
		return fmt.Errorf("mshow: %s", cliutil.StatusMessage(err))
	}
	if a.Parseable {
		return printJSON(os.Stdout, job)
	}
	return printTable(os.Stdout, job, time.Now())
}

func printJSON(w io.Writer, job *melonpb.Job) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(job); err != nil {
		return fmt.Errorf("mshow: cannot encode job %d: %w", job.ID, err)
	}
	return nil
}

// printTable writes the same column set mqueue uses for a single job,
// widened with the job's resource request and script.
func printTable(w io.Writer, job *melonpb.Job, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if _, err := fmt.Fprintln(tw, "JOBID\tUSER\tST\tTIME\tNODE\tCPUS\tMEMORY\tSCRIPT\tARGS"); err != nil {
		return fmt.Errorf("mshow: cannot write header: %w", err)
	}
	_, err := fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%s\t%v\n",
		job.ID, job.User, cliutil.ShortStatus(job.Status), cliutil.ElapsedTime(job, now),
		job.AssignedNode, job.ReqRes.CPUCount, job.ReqRes.Memory, job.ScriptPath, job.ScriptArgs)
	if err != nil {
		return fmt.Errorf("mshow: cannot write row for job %d: %w", job.ID, err)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("mshow: cannot flush table: %w", err)
	}
	return nil
}
