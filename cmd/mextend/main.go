// Mextend adds wall-clock time to a Melon job's deadline, pending or
// running.
//
// The -t flag uses "D-HH-MM" (dash-separated), distinct from #MBATCH's
// "D-HH:MM" directive grammar.
//
// Sample usage:
//
//	mextend -a 127.0.0.1:8080 -j 42 -t 0-02-00
package main

import (
	"context"
	"fmt"

	"github.com/alecthomas/kong"

	"github.com/melonsched/melon/internal/batchparse"
	"github.com/melonsched/melon/internal/cliutil"
	"github.com/melonsched/melon/pkg/melonpb"
)

const description = "Mextend adds wall-clock time to a Melon job's deadline."

type app struct {
	Address string `short:"a" help:"Melond scheduler endpoint." default:"127.0.0.1:8080" env:"MELON_ADDRESS"`
	JobID   uint64 `short:"j" required:"" help:"Job ID to extend."`
	Time    string `short:"t" required:"" help:"Extension in D-HH-MM form, e.g. 0-02-00."`
}

func main() {
	opts := []kong.Option{kong.Description(description)}
	kctx := kong.Parse(&app{}, opts...)
	kctx.FatalIfErrorf(kctx.Run())
}

// Run is called by [kong] after flags have been validated and parsed.
func (a *app) Run() error {
	minutes, err := batchparse.ParseExtension(a.Time)
	if err != nil {
		return fmt.Errorf("mextend: %w", err)
	}

	username, err := cliutil.CurrentUsername()
	if err != nil {
		return fmt.Errorf("mextend: %w", err)
	}

	client, closeConn, err := cliutil.DialScheduler(a.Address)
	if err != nil {
		return fmt.Errorf("mextend: %w", err)
	}
	defer closeConn() //nolint:errcheck // best-effort close after the single RPC below

	_, err = client.ExtendJob(context.Background(), &melonpb.ExtendJobRequest{
		JobID:         a.JobID,
		User:          username,
		ExtensionMins: minutes,
	})
	if err != nil {
		return fmt.Errorf("mextend: %s", cliutil.StatusMessage(err))
	}
	return nil
}
