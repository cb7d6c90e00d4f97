// Mworker is the Melon worker agent: it registers with a melond scheduler,
// executes assigned jobs as cgroup-isolated child processes, and reports
// their outcomes back.
//
// The agent can be configured with the following options:
//
//   - `--port`: the port to listen on for AssignJob/CancelJob/ExtendJob
//     RPCs from melond.
//   - `--scheduler`: the melond endpoint to register with.
//   - `-v`/`--verbose`: enable debug logging.
//
// Port and scheduler endpoint additionally default to whatever
// pkg/config finds under CONFIG_PATH, with these flags taking precedence
// when set explicitly.
//
// Sample usage:
//
//	mworker --port 9090 --scheduler 127.0.0.1:8080
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/alecthomas/kong"

	"github.com/melonsched/melon/internal/worker"
	"github.com/melonsched/melon/pkg/config"
)

const description = "Mworker is a Melon worker agent that executes assigned jobs."

type app struct {
	Port      uint16 `help:"Port to listen on for scheduler dispatch."`
	Scheduler string `help:"Melond scheduler endpoint to register with."`
	Verbose   bool   `short:"v" help:"Enable debug logging."`
}

func main() {
	a := &app{Port: 9090}
	if settings, err := config.LoadWorkerSettings(); err != nil {
		slog.Warn("cannot load configuration, using flag defaults", "err", err)
	} else {
		if settings.Port != 0 {
			a.Port = settings.Port
		}
		if settings.SchedulerEndpoint != "" {
			a.Scheduler = settings.SchedulerEndpoint
		}
	}

	opts := []kong.Option{kong.Description(description)}
	kctx := kong.Parse(a, opts...)
	kctx.FatalIfErrorf(kctx.Run())
}

// Run is called by [kong] after flags have been validated and parsed.
func (a *app) Run() error {
	if a.Verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}
	if a.Scheduler == "" {
		return fmt.Errorf("mworker: --scheduler is required")
	}

	w := worker.New(a.Scheduler, int(a.Port))
	go handleSignals(w, os.Interrupt)
	if err := w.Start(context.Background()); err != nil {
		return fmt.Errorf("mworker: %w", err)
	}
	return nil
}

// handleSignals waits for sig, then stops the worker's background loops
// and RPC server, orphaning any still-running supervised jobs the way a
// crashed worker would.
func handleSignals(w *worker.Worker, sig ...os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sig...)
	<-ch
	slog.Info("stopping mworker")
	w.Stop()
}
