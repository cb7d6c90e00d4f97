// Melond is the Melon scheduler daemon: it owns the job queue and node
// registry, matches pending jobs against available worker nodes, and
// persists finished jobs to a durable sqlite store.
//
// The daemon can be configured with the following options:
//
//   - `--host`/`--port`: the address to listen on for mbatch/mqueue/...
//     clients and registering mworker agents.
//   - `--api-host`/`--api-port`: the address to serve the read-only HTTP
//     monitoring API on (GET /api/jobs, GET /api/health). Leaving
//     api-port at 0 disables it.
//   - `--db-path`: the sqlite database file finished jobs are written to.
//   - `-v`/`--verbose`: enable debug logging.
//
// Host and port additionally default to whatever pkg/config finds under
// CONFIG_PATH (base.yaml + <APP_ENVIRONMENT>.yaml, APP__-overridden), with
// these flags taking precedence when set explicitly.
//
// Sample usage:
//
//	melond --port 8080 --db-path /var/lib/melon/melon.db
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rs/cors"
	"google.golang.org/grpc"

	"github.com/melonsched/melon/internal/scheduler"
	"github.com/melonsched/melon/pkg/config"
	"github.com/melonsched/melon/pkg/melonpb"
)

const description = "Melond is the Melon cluster scheduler daemon."

type app struct {
	Host    string `help:"Host to listen on."`
	Port    uint16 `help:"Port to listen on."`
	APIHost string `help:"Host to serve the read-only HTTP monitoring API on." name:"api-host"`
	APIPort uint16 `help:"Port to serve the read-only HTTP monitoring API on. 0 disables it." name:"api-port"`
	DBPath  string `help:"Path to the sqlite durable job store." default:"melon.db" env:"MELON_DB_PATH"`
	Verbose bool   `short:"v" help:"Enable debug logging."`
}

func main() {
	a := &app{Host: "0.0.0.0", Port: 8080, APIHost: "0.0.0.0"}
	if settings, err := config.LoadSettings(); err != nil {
		slog.Warn("cannot load configuration, using flag defaults", "err", err)
	} else {
		if settings.Application.Host != "" {
			a.Host = settings.Application.Host
		}
		if settings.Application.Port != 0 {
			a.Port = settings.Application.Port
		}
		if settings.API.Host != "" {
			a.APIHost = settings.API.Host
		}
		if settings.API.Port != 0 {
			a.APIPort = settings.API.Port
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

	store, err := scheduler.OpenStore(a.DBPath)
	if err != nil {
		return fmt.Errorf("melond: cannot open durable store: %w", err)
	}

	sched, err := scheduler.New(store)
	if err != nil {
		return fmt.Errorf("melond: cannot create scheduler: %w", err)
	}

	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", a.Host, a.Port))
	if err != nil {
		return fmt.Errorf("melond: cannot listen on %s:%d: %w", a.Host, a.Port, err)
	}

	grpcServer := grpc.NewServer()
	melonpb.RegisterSchedulerServer(grpcServer, scheduler.NewService(sched))

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)

	var apiServer *http.Server
	if a.APIPort != 0 {
		handler := cors.New(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet},
		}).Handler(sched.APIHandler())
		apiServer = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", a.APIHost, a.APIPort),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("melond monitoring api listening", "addr", apiServer.Addr)
			if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("monitoring api server stopped", "err", err)
			}
		}()
	}

	go handleSignals(cancel, grpcServer, apiServer, sched, store, os.Interrupt)

	slog.Info("melond listening", "addr", lis.Addr().String(), "db_path", a.DBPath)
	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("melond: grpc server stopped: %w", err)
	}
	return nil
}

// handleSignals waits for sig, then shuts down the background loops, the
// monitoring API, the gRPC server, and the durable store in order, giving
// in-flight RPCs a grace period before the hard stop.
func handleSignals(cancel context.CancelFunc, grpcServer *grpc.Server, apiServer *http.Server, sched *scheduler.Scheduler, store *scheduler.Store, sig ...os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sig...)
	<-ch
	slog.Info("stopping melond")
	cancel()
	sched.Stop()
	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("cannot shut down monitoring api server", "err", err)
		}
	}
	go grpcServer.GracefulStop()
	time.Sleep(2 * time.Second)
	grpcServer.Stop()
	if err := store.Close(); err != nil {
		slog.Error("cannot close durable store", "err", err)
	}
}
