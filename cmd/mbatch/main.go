// Mbatch submits a shell script as a Melon job.
//
// The script's resource request is read from #MBATCH comment directives
// inside the script itself:
//
//	#MBATCH -c 4            number of CPUs
//	#MBATCH -m 2G           memory (G or M suffix)
//	#MBATCH -t 0-01:30      wall-clock time, D-HH:MM
//
// All three directives are required; they may appear in any order, on
// any number of #MBATCH lines.
//
// Sample usage:
//
//	mbatch -a 127.0.0.1:8080 ./train.sh --epochs 10
package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/alecthomas/kong"

	"github.com/melonsched/melon/internal/batchparse"
	"github.com/melonsched/melon/internal/cliutil"
	"github.com/melonsched/melon/pkg/melonpb"
)

const description = "Mbatch submits a script as a Melon batch job."

type app struct {
	Address string   `short:"a" help:"Melond scheduler endpoint." default:"127.0.0.1:8080" env:"MELON_ADDRESS"`
	Script  string   `arg:"" required:"" help:"Path to the script to submit." type:"existingfile"`
	Args    []string `arg:"" optional:"" help:"Arguments passed to the script."`
}

func main() {
	opts := []kong.Option{kong.Description(description)}
	kctx := kong.Parse(&app{}, opts...)
	kctx.FatalIfErrorf(kctx.Run())
}

// Run is called by [kong] after flags have been validated and parsed.
func (a *app) Run() error {
	reqRes, err := batchparse.ParseFile(a.Script)
	if err != nil {
		return fmt.Errorf("mbatch: %w", err)
	}

	scriptPath, err := filepath.Abs(a.Script)
	if err != nil {
		return fmt.Errorf("mbatch: cannot resolve %q: %w", a.Script, err)
	}

	username, err := cliutil.CurrentUsername()
	if err != nil {
		return fmt.Errorf("mbatch: %w", err)
	}

	client, closeConn, err := cliutil.DialScheduler(a.Address)
	if err != nil {
		return fmt.Errorf("mbatch: %w", err)
	}
	defer closeConn() //nolint:errcheck // best-effort close after the single RPC below

	resp, err := client.SubmitJob(context.Background(), &melonpb.JobSubmission{
		User:       username,
		ScriptPath: scriptPath,
		ScriptArgs: a.Args,
		ReqRes:     melonpb.RequestedResourcesToProto(reqRes),
	})
	if err != nil {
		return fmt.Errorf("mbatch: submit job: %s", cliutil.StatusMessage(err))
	}
	fmt.Printf("Started job with id: %d\n", resp.ID)
	return nil
}
