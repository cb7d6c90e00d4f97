// Package scheduler implements the melond daemon: the authoritative
// state machine owning the job queue, the node registry, and their
// periodic reconciliation (dispatch and health loops), backed by a
// durable sqlite store. A core type holds state and background loops
// (this file); a thin gRPC Service translates domain errors to status
// codes (service.go).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/melonsched/melon/pkg/melonpb"
	"github.com/melonsched/melon/pkg/model"
)

const (
	dispatchTick         = 250 * time.Millisecond
	healthTick           = 30 * time.Second
	offlineThreshold     = 60 * time.Second
	dbWriteQueueCapacity = 64
	storeWriteAttempts   = 3
	nodeIDLength         = 21
)

// Domain errors surfaced by RPC handlers. gRPC status mapping lives in
// service.go, keeping domain logic transport-agnostic.
var (
	ErrMissingResources  = errors.New("scheduler: req_res is required")
	ErrNotTerminalResult = errors.New("scheduler: job result status is not terminal")
	ErrUnknownNode       = errors.New("scheduler: unknown node id")
	ErrJobNotFound       = errors.New("scheduler: job not found")
	ErrPermissionDenied  = errors.New("scheduler: user does not own this job")
	ErrStoreUnavailable  = errors.New("scheduler: durable store error")
)

// Scheduler is the melond daemon core.
type Scheduler struct {
	jobCtr atomic.Uint64
	store  *Store

	nodesMu sync.Mutex
	nodes   map[string]*model.Node

	pendingMu sync.Mutex
	pending   []*model.Job

	runningMu sync.Mutex
	running   map[uint64]*model.Job

	dbTx chan *model.Job

	dialOpts []grpc.DialOption

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Scheduler backed by store, seeding the monotonic job
// counter from the store's highest persisted id.
func New(store *Store, opts ...Option) (*Scheduler, error) {
	maxID, err := store.MaxID(context.Background())
	if err != nil {
		return nil, fmt.Errorf("scheduler: cannot read max job id: %w", err)
	}
	s := &Scheduler{
		store:   store,
		nodes:   make(map[string]*model.Node),
		running: make(map[uint64]*model.Job),
		dbTx:    make(chan *model.Job, dbWriteQueueCapacity),
		stopCh:  make(chan struct{}),
	}
	s.jobCtr.Store(maxID + 1)
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithDialOptions overrides the dial options used to reach workers,
// primarily for tests using an in-process listener.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(s *Scheduler) { s.dialOpts = opts }
}

// Start launches the dispatch loop, the health loop, and the durable
// store writer. It returns immediately; call Stop to shut them down.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(3)
	go func() { defer s.wg.Done(); s.dispatchLoop(ctx) }()
	go func() { defer s.wg.Done(); s.healthLoop(ctx) }()
	go func() { defer s.wg.Done(); s.storeWriterLoop(ctx) }()
}

// Stop signals every background loop to exit and waits for them to
// return.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) dialOptionsOrDefault() []grpc.DialOption {
	if s.dialOpts != nil {
		return s.dialOpts
	}
	return []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
}

func (s *Scheduler) dialWorker(endpoint string) (melonpb.WorkerClient, func() error, error) {
	conn, err := grpc.NewClient(endpoint, s.dialOptionsOrDefault()...)
	if err != nil {
		return nil, nil, fmt.Errorf("scheduler: cannot dial worker %q: %w", endpoint, err)
	}
	return melonpb.NewWorkerClient(conn), conn.Close, nil
}

// dispatchLoop matches pending jobs against available nodes every
// dispatchTick.
func (s *Scheduler) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(dispatchTick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchOnce(ctx)
		}
	}
}

func (s *Scheduler) dispatchOnce(ctx context.Context) {
	s.pendingMu.Lock()

	type match struct {
		index int
		job   *model.Job
		node  *model.Node
	}
	var matched []match

	for i, job := range s.pending {
		node, ok := s.findAvailableNode(job.ReqRes)
		if !ok {
			continue
		}
		if s.dispatchToNode(ctx, job, node) {
			matched = append(matched, match{index: i, job: job, node: node})
		}
	}

	// Remove committed indices in reverse so earlier indices stay valid.
	for i := len(matched) - 1; i >= 0; i-- {
		idx := matched[i].index
		s.pending = append(s.pending[:idx], s.pending[idx+1:]...)
	}
	s.pendingMu.Unlock() // must not hold pendingMu while acquiring runningMu

	now := time.Now().Unix()
	s.runningMu.Lock()
	for _, m := range matched {
		start := now
		m.job.StartTime = &start
		m.job.Status = model.StatusRunning
		m.job.AssignedNode = m.node.ID
		s.running[m.job.ID] = m.job
	}
	s.runningMu.Unlock()
}

// findAvailableNode iterates nodes in (unordered) map order and returns
// the first Available node with enough free capacity. No fairness between
// nodes is promised; Go's randomized map iteration makes that explicit.
func (s *Scheduler) findAvailableNode(req model.RequestedResources) (*model.Node, bool) {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	for _, node := range s.nodes {
		if node.Status != model.NodeAvailable {
			continue
		}
		if node.HasCapacity(req) {
			return node, true
		}
	}
	return nil, false
}

// dispatchToNode dials node and calls AssignJob; on success it commits
// the node's resource accounting under the nodes lock. Dial or RPC
// failure leaves the job in place for the next tick.
func (s *Scheduler) dispatchToNode(ctx context.Context, job *model.Job, node *model.Node) bool {
	client, closeConn, err := s.dialWorker(node.Endpoint)
	if err != nil {
		slog.Error("cannot dial worker", "node_id", node.ID, "err", err)
		return false
	}
	defer closeConn() //nolint:errcheck // best-effort close, dispatch already succeeded or failed by here

	assignCtx, cancel := context.WithTimeout(ctx, dispatchTick*4)
	defer cancel()
	_, err = client.AssignJob(assignCtx, &melonpb.AssignJobRequest{
		JobID:      job.ID,
		ScriptPath: job.ScriptPath,
		ScriptArgs: job.ScriptArgs,
		ReqRes:     melonpb.RequestedResourcesToProto(job.ReqRes),
	})
	if err != nil {
		slog.Error("assign job failed, will retry next tick", "job_id", job.ID, "node_id", node.ID, "err", err)
		return false
	}

	s.nodesMu.Lock()
	node.ReduceAvail(job.ReqRes)
	s.nodesMu.Unlock()
	return true
}

// healthLoop marks nodes Offline once their heartbeat goes stale.
func (s *Scheduler) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthTick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.healthOnce()
		}
	}
}

func (s *Scheduler) healthOnce() {
	now := time.Now()
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	for _, node := range s.nodes {
		if now.Sub(time.Unix(0, node.LastHeartbeat)) > offlineThreshold {
			node.Status = model.NodeOffline
		}
	}
}

// storeWriterLoop owns the persistent connection's write path, draining
// finished jobs off dbTx until shutdown.
func (s *Scheduler) storeWriterLoop(ctx context.Context) {
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case job := <-s.dbTx:
			s.persistWithRetry(ctx, job)
		}
	}
}

// persistWithRetry retries transient store failures with a doubling
// backoff before giving up. A job dropped here is lost from the durable
// record, since it has already left the running map.
func (s *Scheduler) persistWithRetry(ctx context.Context, job *model.Job) {
	backoff := 50 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := s.store.InsertFinishedJob(ctx, job)
		if err == nil {
			return
		}
		if attempt == storeWriteAttempts {
			slog.Error("cannot persist finished job, giving up", "job_id", job.ID, "attempts", attempt, "err", err)
			return
		}
		slog.Warn("cannot persist finished job, retrying", "job_id", job.ID, "attempt", attempt, "err", err)
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// nextNodeID generates a 21-char URL-safe random node id.
func nextNodeID() (string, error) {
	id, err := gonanoid.New(nodeIDLength)
	if err != nil {
		return "", fmt.Errorf("scheduler: cannot generate node id: %w", err)
	}
	return id, nil
}
