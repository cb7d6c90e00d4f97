// Package worker implements the mworker agent: it registers with a
// melond scheduler, executes assigned jobs as cgroup-isolated child
// processes under a per-job supervisor, and reports their outcomes back.
// A core type owns state plus the background loops; a thin gRPC Service
// wraps it (service.go).
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/melonsched/melon/pkg/cgroup"
	"github.com/melonsched/melon/pkg/coremask"
	"github.com/melonsched/melon/pkg/melonpb"
	"github.com/melonsched/melon/pkg/model"
)

const (
	heartbeatInterval = 10 * time.Second
	pollInterval      = 5 * time.Second
	mailboxCapacity   = 10
)

var ErrNotRegistered = errors.New("worker: not yet registered with scheduler")

// Option configures a Worker at construction time.
type Option func(*Worker)

// WithCgroupBasePath overrides the default /sys/fs/cgroup/melon root,
// primarily for tests.
func WithCgroupBasePath(path string) Option {
	return func(w *Worker) { w.cgroupBasePath = path }
}

// WithFileSystem overrides the cgroup driver's FileSystem, primarily for
// tests that substitute cgroup.MemFS.
func WithFileSystem(fs cgroup.FileSystem) Option {
	return func(w *Worker) { w.cgroupFS = fs }
}

// WithTotalCores overrides the core-mask size instead of runtime.NumCPU,
// primarily for tests.
func WithTotalCores(n uint32) Option {
	return func(w *Worker) { w.totalCores = n }
}

// WithSchedulerDialOptions overrides the dial options used to reach
// melond, primarily for tests using an in-process listener.
func WithSchedulerDialOptions(opts ...grpc.DialOption) Option {
	return func(w *Worker) { w.dialOpts = opts }
}

// Worker is the mworker agent core.
type Worker struct {
	port              int
	schedulerEndpoint string
	cgroupBasePath    string
	cgroupFS          cgroup.FileSystem
	totalCores        uint32
	dialOpts          []grpc.DialOption

	mu       sync.Mutex
	nodeID   string
	coreMask *coremask.CoreMask

	schedulerConn   *grpc.ClientConn
	schedulerClient melonpb.SchedulerClient

	jobsMu    sync.Mutex
	running   map[uint64]*runningJob
	mailboxes map[uint64]chan time.Duration

	grpcServer *grpc.Server
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// New creates a Worker that will listen on port and register with the
// scheduler at schedulerEndpoint.
func New(schedulerEndpoint string, port int, opts ...Option) *Worker {
	w := &Worker{
		port:              port,
		schedulerEndpoint: schedulerEndpoint,
		cgroupBasePath:    cgroup.DefaultBasePath,
		cgroupFS:          cgroup.RealFileSystem{},
		totalCores:        uint32(runtime.NumCPU()), //nolint:gosec // NumCPU is always small and positive
		running:           make(map[uint64]*runningJob),
		mailboxes:         make(map[uint64]chan time.Duration),
		stopCh:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.coreMask = coremask.New(w.totalCores)
	return w
}

// Start dials the scheduler, registers this node, and launches the RPC
// server plus the heartbeat and completion-poll background loops. It
// blocks until the RPC server stops (via Stop or a listener error).
func (w *Worker) Start(ctx context.Context) error {
	dialOpts := w.dialOpts
	if dialOpts == nil {
		dialOpts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(w.schedulerEndpoint, dialOpts...)
	if err != nil {
		return fmt.Errorf("worker: cannot dial scheduler %q: %w", w.schedulerEndpoint, err)
	}
	w.schedulerConn = conn
	w.schedulerClient = melonpb.NewSchedulerClient(conn)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", w.port))
	if err != nil {
		return fmt.Errorf("worker: cannot listen on port %d: %w", w.port, err)
	}

	if err := w.registerNode(ctx, lis.Addr().String()); err != nil {
		return err
	}

	w.grpcServer = grpc.NewServer()
	melonpb.RegisterWorkerServer(w.grpcServer, &service{worker: w})

	w.wg.Add(2)
	go func() { defer w.wg.Done(); w.heartbeatLoop(ctx) }()
	go func() { defer w.wg.Done(); w.pollLoop(ctx) }()

	slog.Info("worker listening", "addr", lis.Addr().String(), "node_id", w.nodeID)
	if err := w.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("worker: grpc server stopped: %w", err)
	}
	return nil
}

// Stop signals every background loop to exit, stops the RPC server, and
// waits for in-flight loops to return. Running jobs are not force-killed;
// they are orphaned the way a crashed worker would orphan them.
func (w *Worker) Stop() {
	close(w.stopCh)
	if w.grpcServer != nil {
		w.grpcServer.GracefulStop()
	}
	w.wg.Wait()
	if w.schedulerConn != nil {
		_ = w.schedulerConn.Close()
	}
}

// registerNode calls RegisterNode on the scheduler, advertising this
// node's resources, and stores the assigned node id.
func (w *Worker) registerNode(ctx context.Context, addr string) error {
	resources := melonpb.NodeResources{CPUCount: w.totalCores, Memory: totalMemory()}
	resp, err := w.schedulerClient.RegisterNode(ctx, &melonpb.NodeInfo{Address: addr, Resources: resources})
	if err != nil {
		return fmt.Errorf("worker: cannot register with scheduler: %w", err)
	}
	w.mu.Lock()
	w.nodeID = resp.NodeID
	w.mu.Unlock()
	return nil
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			nodeID := w.nodeID
			w.mu.Unlock()
			hbCtx, cancel := context.WithTimeout(ctx, heartbeatInterval)
			_, err := w.schedulerClient.SendHeartbeat(hbCtx, &melonpb.HeartbeatRequest{NodeID: nodeID})
			cancel()
			if err != nil {
				slog.Error("heartbeat failed", "err", err)
			}
		}
	}
}

// pollLoop walks the running-jobs map every pollInterval and forwards any
// terminal JobResult to the scheduler.
func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context) {
	type finished struct {
		jobID  uint64
		result model.JobResult
	}
	var done []finished

	w.jobsMu.Lock()
	for jobID, job := range w.running {
		select {
		case result := <-job.done:
			done = append(done, finished{jobID, result})
		default:
		}
	}
	for _, f := range done {
		delete(w.running, f.jobID)
		delete(w.mailboxes, f.jobID)
	}
	w.jobsMu.Unlock()

	for _, f := range done {
		resultCtx, cancel := context.WithTimeout(ctx, pollInterval)
		_, err := w.schedulerClient.SubmitJobResult(resultCtx, melonpb.JobResultToProto(f.result))
		cancel()
		if err != nil {
			slog.Error("cannot submit job result", "job_id", f.jobID, "err", err)
		}
	}
}

// totalMemory reports the worker host's total memory in bytes. Without a
// system-info library in the dependency set, this is read from
// /proc/meminfo on Linux; on failure it falls back to 0 so registration
// still succeeds (the scheduler will simply never match a job needing
// more than 0 bytes against this node, a safe degradation).
func totalMemory() uint64 {
	data, err := os.ReadFile(filepath.Join("/proc", "meminfo"))
	if err != nil {
		slog.Error("cannot read /proc/meminfo", "err", err)
		return 0
	}
	var kb uint64
	_, err = fmt.Sscanf(string(data), "MemTotal:       %d kB", &kb)
	if err != nil {
		return 0
	}
	return kb << 10
}
