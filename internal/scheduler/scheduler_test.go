package scheduler

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/melonsched/melon/pkg/melonpb"
	"github.com/melonsched/melon/pkg/model"
)

func newTestScheduler(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	store, err := OpenStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	s, err := New(store, opts...)
	require.NoError(t, err)
	return s
}

// fakeWorker is a minimal melonpb.WorkerServer recording every AssignJob,
// CancelJob, and ExtendJob call it receives, driving a real grpc.Server
// over a real net.Listen instead of stubbing the transport.
type fakeWorker struct {
	mu          sync.Mutex
	assigned    []*melonpb.AssignJobRequest
	canceled    []*melonpb.CancelJobRequest
	extended    []*melonpb.ExtendJobRequest
	assignError error
}

func (f *fakeWorker) AssignJob(_ context.Context, in *melonpb.AssignJobRequest) (*melonpb.AssignJobResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.assignError != nil {
		return nil, f.assignError
	}
	f.assigned = append(f.assigned, in)
	return &melonpb.AssignJobResponse{}, nil
}

func (f *fakeWorker) CancelJob(_ context.Context, in *melonpb.CancelJobRequest) (*melonpb.CancelJobResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, in)
	return &melonpb.CancelJobResponse{}, nil
}

func (f *fakeWorker) ExtendJob(_ context.Context, in *melonpb.ExtendJobRequest) (*melonpb.ExtendJobResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extended = append(f.extended, in)
	return &melonpb.ExtendJobResponse{}, nil
}

// startFakeWorker spins up a real gRPC server serving worker on a loopback
// port and returns its address plus a teardown func.
func startFakeWorker(t *testing.T, worker melonpb.WorkerServer) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpc.NewServer()
	melonpb.RegisterWorkerServer(srv, worker)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func dialOptsForTest() Option {
	return WithDialOptions(grpc.WithTransportCredentials(insecure.NewCredentials()))
}

func TestSubmitJobRejectsEmptyResources(t *testing.T) {
	s := newTestScheduler(t)
	_, err := s.SubmitJob("ogris", "/bin/true", nil, model.RequestedResources{})
	require.ErrorIs(t, err, ErrMissingResources)
}

func TestSubmitJobAssignsMonotonicIDs(t *testing.T) {
	s := newTestScheduler(t)
	req := model.RequestedResources{CPUCount: 1, Time: 1}
	id1, err := s.SubmitJob("ogris", "/bin/true", nil, req)
	require.NoError(t, err)
	id2, err := s.SubmitJob("ogris", "/bin/true", nil, req)
	require.NoError(t, err)
	assert.Equal(t, id1+1, id2)
}

func TestSubmitJobSeedsCounterFromStore(t *testing.T) {
	store, err := OpenStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.InsertFinishedJob(context.Background(), &model.Job{ID: 41, User: "a", Status: model.StatusCompleted}))

	s, err := New(store)
	require.NoError(t, err)
	id, err := s.SubmitJob("ogris", "/bin/true", nil, model.RequestedResources{CPUCount: 1, Time: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 42, id)
}

func TestSendHeartbeatUnknownNode(t *testing.T) {
	s := newTestScheduler(t)
	require.ErrorIs(t, s.SendHeartbeat("does-not-exist"), ErrUnknownNode)
}

func TestRegisterNodeThenHeartbeat(t *testing.T) {
	s := newTestScheduler(t)
	id, err := s.RegisterNode("127.0.0.1:9000", model.NodeResources{CPUCount: 4, Memory: 1 << 30})
	require.NoError(t, err)
	require.NoError(t, s.SendHeartbeat(id))
}

func TestDispatchOnceMatchesPendingJobToAvailableNode(t *testing.T) {
	worker := &fakeWorker{}
	addr := startFakeWorker(t, worker)

	s := newTestScheduler(t, dialOptsForTest())
	nodeID, err := s.RegisterNode(addr, model.NodeResources{CPUCount: 4, Memory: 1 << 30})
	require.NoError(t, err)

	jobID, err := s.SubmitJob("ogris", "/bin/true", nil, model.RequestedResources{CPUCount: 2, Time: 5})
	require.NoError(t, err)

	s.dispatchOnce(context.Background())

	require.Eventually(t, func() bool {
		worker.mu.Lock()
		defer worker.mu.Unlock()
		return len(worker.assigned) == 1
	}, time.Second, 10*time.Millisecond)

	s.pendingMu.Lock()
	pendingLen := len(s.pending)
	s.pendingMu.Unlock()
	assert.Zero(t, pendingLen)

	s.runningMu.Lock()
	running, ok := s.running[jobID]
	s.runningMu.Unlock()
	require.True(t, ok)
	assert.Equal(t, nodeID, running.AssignedNode)

	s.nodesMu.Lock()
	node := s.nodes[nodeID]
	s.nodesMu.Unlock()
	assert.EqualValues(t, 2, node.UsedResources.CPUCount)
}

func TestDispatchOnceLeavesJobPendingWhenNoCapacity(t *testing.T) {
	s := newTestScheduler(t, dialOptsForTest())
	_, err := s.RegisterNode("127.0.0.1:9000", model.NodeResources{CPUCount: 1, Memory: 1 << 20})
	require.NoError(t, err)
	_, err = s.SubmitJob("ogris", "/bin/true", nil, model.RequestedResources{CPUCount: 4, Time: 5})
	require.NoError(t, err)

	s.dispatchOnce(context.Background())

	s.pendingMu.Lock()
	pendingLen := len(s.pending)
	s.pendingMu.Unlock()
	assert.Equal(t, 1, pendingLen)
}

func TestSubmitJobResultFreesNodeAndPersists(t *testing.T) {
	worker := &fakeWorker{}
	addr := startFakeWorker(t, worker)

	s := newTestScheduler(t, dialOptsForTest())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx) // the store-writer loop must drain dbTx for the persistence assertion below
	t.Cleanup(s.Stop)

	nodeID, err := s.RegisterNode(addr, model.NodeResources{CPUCount: 4, Memory: 1 << 30})
	require.NoError(t, err)
	jobID, err := s.SubmitJob("ogris", "/bin/true", nil, model.RequestedResources{CPUCount: 2, Time: 5})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		worker.mu.Lock()
		defer worker.mu.Unlock()
		return len(worker.assigned) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.SubmitJobResult(model.JobResult{JobID: jobID, Status: model.StatusCompleted}))

	s.runningMu.Lock()
	_, stillRunning := s.running[jobID]
	s.runningMu.Unlock()
	assert.False(t, stillRunning)

	s.nodesMu.Lock()
	node := s.nodes[nodeID]
	s.nodesMu.Unlock()
	assert.Zero(t, node.UsedResources.CPUCount)

	require.Eventually(t, func() bool {
		job, found, err := s.store.GetJob(context.Background(), jobID)
		return err == nil && found && job.Status == model.StatusCompleted
	}, time.Second, 10*time.Millisecond)
}

func TestSubmitJobResultRejectsNonTerminalStatus(t *testing.T) {
	s := newTestScheduler(t)
	err := s.SubmitJobResult(model.JobResult{JobID: 1, Status: model.StatusRunning})
	require.ErrorIs(t, err, ErrNotTerminalResult)
}

func TestSubmitJobResultUnknownJobIsIdempotentlyRejected(t *testing.T) {
	s := newTestScheduler(t)
	err := s.SubmitJobResult(model.JobResult{JobID: 999, Status: model.StatusCompleted})
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestCancelPendingJobRemovesIt(t *testing.T) {
	s := newTestScheduler(t)
	jobID, err := s.SubmitJob("ogris", "/bin/true", nil, model.RequestedResources{CPUCount: 1, Time: 1})
	require.NoError(t, err)
	require.NoError(t, s.CancelJob(context.Background(), jobID, "ogris"))

	s.pendingMu.Lock()
	pendingLen := len(s.pending)
	s.pendingMu.Unlock()
	assert.Zero(t, pendingLen)
}

func TestCancelPendingJobWrongUserIsDenied(t *testing.T) {
	s := newTestScheduler(t)
	jobID, err := s.SubmitJob("ogris", "/bin/true", nil, model.RequestedResources{CPUCount: 1, Time: 1})
	require.NoError(t, err)
	err = s.CancelJob(context.Background(), jobID, "someone-else")
	require.ErrorIs(t, err, ErrPermissionDenied)

	s.pendingMu.Lock()
	pendingLen := len(s.pending)
	s.pendingMu.Unlock()
	assert.Equal(t, 1, pendingLen, "job must stay queued after a denied cancel")
}

func TestCancelRunningJobForwardsToWorkerAndFreesNode(t *testing.T) {
	worker := &fakeWorker{}
	addr := startFakeWorker(t, worker)

	s := newTestScheduler(t, dialOptsForTest())
	nodeID, err := s.RegisterNode(addr, model.NodeResources{CPUCount: 4, Memory: 1 << 30})
	require.NoError(t, err)
	jobID, err := s.SubmitJob("ogris", "/bin/true", nil, model.RequestedResources{CPUCount: 2, Time: 5})
	require.NoError(t, err)
	s.dispatchOnce(context.Background())
	require.Eventually(t, func() bool {
		worker.mu.Lock()
		defer worker.mu.Unlock()
		return len(worker.assigned) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, s.CancelJob(context.Background(), jobID, "ogris"))

	worker.mu.Lock()
	canceledLen := len(worker.canceled)
	worker.mu.Unlock()
	assert.Equal(t, 1, canceledLen)

	s.nodesMu.Lock()
	node := s.nodes[nodeID]
	s.nodesMu.Unlock()
	assert.Zero(t, node.UsedResources.CPUCount)
}

func TestCancelRunningJobKeepsJobWhenWorkerUnreachable(t *testing.T) {
	worker := &fakeWorker{}
	addr := startFakeWorker(t, worker)

	s := newTestScheduler(t, dialOptsForTest())
	nodeID, err := s.RegisterNode(addr, model.NodeResources{CPUCount: 4, Memory: 1 << 30})
	require.NoError(t, err)
	jobID, err := s.SubmitJob("ogris", "/bin/true", nil, model.RequestedResources{CPUCount: 2, Time: 5})
	require.NoError(t, err)
	s.dispatchOnce(context.Background())
	require.Eventually(t, func() bool {
		worker.mu.Lock()
		defer worker.mu.Unlock()
		return len(worker.assigned) == 1
	}, time.Second, 10*time.Millisecond)

	s.nodesMu.Lock()
	s.nodes[nodeID].Endpoint = "127.0.0.1:1" // nothing listens here
	s.nodesMu.Unlock()

	require.Error(t, s.CancelJob(context.Background(), jobID, "ogris"))

	s.runningMu.Lock()
	_, stillRunning := s.running[jobID]
	s.runningMu.Unlock()
	assert.True(t, stillRunning, "job must stay running after a failed cancel forward")

	s.nodesMu.Lock()
	used := s.nodes[nodeID].UsedResources.CPUCount
	s.nodesMu.Unlock()
	assert.EqualValues(t, 2, used, "node accounting must be untouched after a failed cancel forward")
}

func TestCancelJobNotFound(t *testing.T) {
	s := newTestScheduler(t)
	require.ErrorIs(t, s.CancelJob(context.Background(), 999, "ogris"), ErrJobNotFound)
}

func TestExtendPendingJob(t *testing.T) {
	s := newTestScheduler(t)
	jobID, err := s.SubmitJob("ogris", "/bin/true", nil, model.RequestedResources{CPUCount: 1, Time: 10})
	require.NoError(t, err)
	require.NoError(t, s.ExtendJob(context.Background(), jobID, "ogris", 5))

	s.pendingMu.Lock()
	job := s.pending[0]
	s.pendingMu.Unlock()
	assert.EqualValues(t, 15, job.ReqRes.Time)
}

func TestExtendRunningJobForwardsToWorker(t *testing.T) {
	worker := &fakeWorker{}
	addr := startFakeWorker(t, worker)

	s := newTestScheduler(t, dialOptsForTest())
	_, err := s.RegisterNode(addr, model.NodeResources{CPUCount: 4, Memory: 1 << 30})
	require.NoError(t, err)
	jobID, err := s.SubmitJob("ogris", "/bin/true", nil, model.RequestedResources{CPUCount: 2, Time: 5})
	require.NoError(t, err)
	s.dispatchOnce(context.Background())
	require.Eventually(t, func() bool {
		worker.mu.Lock()
		defer worker.mu.Unlock()
		return len(worker.assigned) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, s.ExtendJob(context.Background(), jobID, "ogris", 20))

	worker.mu.Lock()
	extendedLen := len(worker.extended)
	worker.mu.Unlock()
	assert.Equal(t, 1, extendedLen)

	s.runningMu.Lock()
	job := s.running[jobID]
	s.runningMu.Unlock()
	assert.EqualValues(t, 25, job.ReqRes.Time)
}

func TestExtendJobWrongUserIsDenied(t *testing.T) {
	s := newTestScheduler(t)
	jobID, err := s.SubmitJob("ogris", "/bin/true", nil, model.RequestedResources{CPUCount: 1, Time: 10})
	require.NoError(t, err)
	err = s.ExtendJob(context.Background(), jobID, "someone-else", 5)
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestListJobsConcatenatesAllThreeSources(t *testing.T) {
	s := newTestScheduler(t)
	_, err := s.SubmitJob("ogris", "/bin/true", nil, model.RequestedResources{CPUCount: 1, Time: 1})
	require.NoError(t, err)
	require.NoError(t, s.store.InsertFinishedJob(context.Background(), &model.Job{ID: 100, User: "a", Status: model.StatusCompleted}))

	jobs, err := s.ListJobs(context.Background())
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestGetJobInfoSearchesRunningPendingThenStore(t *testing.T) {
	s := newTestScheduler(t)
	pendingID, err := s.SubmitJob("ogris", "/bin/true", nil, model.RequestedResources{CPUCount: 1, Time: 1})
	require.NoError(t, err)

	job, err := s.GetJobInfo(context.Background(), pendingID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, job.Status)

	require.NoError(t, s.store.InsertFinishedJob(context.Background(), &model.Job{ID: 200, User: "a", Status: model.StatusFailed}))
	job, err = s.GetJobInfo(context.Background(), 200)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, job.Status)

	_, err = s.GetJobInfo(context.Background(), 999)
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestHealthOnceMarksStaleNodeOffline(t *testing.T) {
	s := newTestScheduler(t)
	id, err := s.RegisterNode("127.0.0.1:9000", model.NodeResources{CPUCount: 4, Memory: 1 << 30})
	require.NoError(t, err)

	s.nodesMu.Lock()
	s.nodes[id].LastHeartbeat = time.Now().Add(-2 * offlineThreshold).UnixNano()
	s.nodesMu.Unlock()

	s.healthOnce()

	s.nodesMu.Lock()
	status := s.nodes[id].Status
	s.nodesMu.Unlock()
	assert.Equal(t, model.NodeOffline, status)
}

func TestHealthOnceLeavesFreshNodeAvailable(t *testing.T) {
	s := newTestScheduler(t)
	id, err := s.RegisterNode("127.0.0.1:9000", model.NodeResources{CPUCount: 4, Memory: 1 << 30})
	require.NoError(t, err)

	s.healthOnce()

	s.nodesMu.Lock()
	status := s.nodes[id].Status
	s.nodesMu.Unlock()
	assert.Equal(t, model.NodeAvailable, status)
}

func TestStartAndStopRunsBackgroundLoopsCleanly(t *testing.T) {
	s := newTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	s.Stop()
}
