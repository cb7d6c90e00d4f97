// Mcancel cancels a Melon job, pending or running.
//
// Sample usage:
//
//	mcancel -a 127.0.0.1:8080 -j 42
package main

import (
	"context"
	"fmt"

	"github.com/alecthomas/kong"

	"github.com/melonsched/melon/internal/cliutil"
	"github.com/melonsched/melon/pkg/melonpb"
)

const description = "Mcancel cancels a Melon job."

type app struct {
	Address string `short:"a" help:"Melond scheduler endpoint." default:"127.0.0.1:8080" env:"MELON_ADDRESS"`
	JobID   uint64 `short:"j" required:"" help:"Job ID to cancel."`
}

func main() {
	opts := []kong.Option{kong.Description(description)}
	kctx := kong.Parse(&app{}, opts...)
	kctx.FatalIfErrorf(kctx.Run())
}

// Run is called by [kong] after flags have been validated and parsed.
func (a *app) Run() error {
	username, err := cliutil.CurrentUsername()
	if err != nil {
		return fmt.Errorf("mcancel: %w", err)
	}

	client, closeConn, err := cliutil.DialScheduler(a.Address)
	if err != nil {
		return fmt.Errorf("mcancel: %w", err)
	}
	defer closeConn() //nolint:errcheck // best-effort close after the single RPC below

	_, err = client.CancelJob(context.Background(), &melonpb.CancelJobRequest{JobID: a.JobID, User: username})
	if err != nil {
		return fmt.Errorf("mcancel: %s", cliutil.StatusMessage(err))
	}
	return nil
}
