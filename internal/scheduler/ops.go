package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/melonsched/melon/pkg/melonpb"
	"github.com/melonsched/melon/pkg/model"
)

// SubmitJob enqueues a new job at the tail of the pending queue and
// returns its assigned, strictly monotonic id.
func (s *Scheduler) SubmitJob(user, scriptPath string, scriptArgs []string, reqRes model.RequestedResources) (uint64, error) {
	if reqRes.CPUCount == 0 && reqRes.Memory == 0 && reqRes.Time == 0 {
		return 0, ErrMissingResources
	}
	id := s.jobCtr.Add(1) - 1
	job := model.NewJob(id, user, scriptPath, scriptArgs, reqRes, time.Now().Unix())

	s.pendingMu.Lock()
	s.pending = append(s.pending, job)
	s.pendingMu.Unlock()
	return id, nil
}

// RegisterNode adds a newly registered worker to the node registry as
// Available and returns its generated id.
func (s *Scheduler) RegisterNode(address string, resources model.NodeResources) (string, error) {
	id, err := nextNodeID()
	if err != nil {
		return "", err
	}
	node := model.NewNode(id, address, resources, time.Now().UnixNano())

	s.nodesMu.Lock()
	s.nodes[id] = node
	s.nodesMu.Unlock()
	return id, nil
}

// SendHeartbeat refreshes a node's liveness and restores it to
// Available. An unknown node id means the node lost its registration and
// is rejected.
func (s *Scheduler) SendHeartbeat(nodeID string) error {
	s.nodesMu.Lock()
	defer s.nodesMu.Unlock()
	node, ok := s.nodes[nodeID]
	if !ok {
		return ErrUnknownNode
	}
	node.UpdateHeartbeat(time.Now().UnixNano())
	return nil
}

// SubmitJobResult records a worker's terminal outcome for a job: frees
// the assigned node's resources, marks the job terminal, removes it from
// the running map, and enqueues it for durable persistence. A second call
// for the same id finds nothing running and returns ErrJobNotFound.
func (s *Scheduler) SubmitJobResult(result model.JobResult) error {
	if !result.Status.Terminal() {
		return fmt.Errorf("%w: job %d result %s", ErrNotTerminalResult, result.JobID, result.Status)
	}
	s.runningMu.Lock()
	job, ok := s.running[result.JobID]
	if !ok {
		s.runningMu.Unlock()
		return ErrJobNotFound
	}
	delete(s.running, result.JobID)
	s.runningMu.Unlock()

	s.nodesMu.Lock()
	if node, ok := s.nodes[job.AssignedNode]; ok {
		node.FreeAvail(job.ReqRes)
	}
	s.nodesMu.Unlock()

	stop := time.Now().Unix()
	job.StopTime = &stop
	job.Status = result.Status

	select {
	case s.dbTx <- job:
	default:
		// Queue full: fail rather than block the RPC path.
		return fmt.Errorf("%w: durable-store queue full for job %d", ErrStoreUnavailable, job.ID)
	}
	return nil
}

// ListJobs concatenates pending, running, and persisted jobs without
// de-duplication: a job only ever enters the store after leaving running,
// so no id can appear twice.
func (s *Scheduler) ListJobs(ctx context.Context) ([]*model.Job, error) {
	s.pendingMu.Lock()
	jobs := append([]*model.Job(nil), s.pending...)
	s.pendingMu.Unlock()

	s.runningMu.Lock()
	for _, job := range s.running {
		jobs = append(jobs, job)
	}
	s.runningMu.Unlock()

	persisted, err := s.store.GetAllJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return append(jobs, persisted...), nil
}

// CancelJob removes a pending job outright, or forwards a CancelJob RPC
// to the owning worker for a running one and frees its node resources.
func (s *Scheduler) CancelJob(ctx context.Context, jobID uint64, user string) error {
	s.pendingMu.Lock()
	for i, job := range s.pending {
		if job.ID != jobID {
			continue
		}
		if job.User != user {
			s.pendingMu.Unlock()
			return ErrPermissionDenied
		}
		s.pending = append(s.pending[:i], s.pending[i+1:]...)
		s.pendingMu.Unlock()
		return nil
	}
	s.pendingMu.Unlock()

	s.runningMu.Lock()
	job, ok := s.running[jobID]
	if !ok {
		s.runningMu.Unlock()
		return ErrJobNotFound
	}
	if job.User != user {
		s.runningMu.Unlock()
		return ErrPermissionDenied
	}
	delete(s.running, jobID)
	s.runningMu.Unlock()

	s.nodesMu.Lock()
	node, nodeOK := s.nodes[job.AssignedNode]
	endpoint := ""
	if nodeOK {
		endpoint = node.Endpoint
	}
	s.nodesMu.Unlock()

	if nodeOK {
		if err := s.forwardCancel(ctx, endpoint, jobID, user); err != nil {
			// The worker still owns the job; put it back so the node's
			// accounting stays consistent and the caller can retry.
			s.runningMu.Lock()
			s.running[jobID] = job
			s.runningMu.Unlock()
			return err
		}
		s.nodesMu.Lock()
		node.FreeAvail(job.ReqRes)
		s.nodesMu.Unlock()
	}
	return nil
}

func (s *Scheduler) forwardCancel(ctx context.Context, endpoint string, jobID uint64, user string) error {
	client, closeConn, err := s.dialWorker(endpoint)
	if err != nil {
		return err
	}
	defer closeConn() //nolint:errcheck // best-effort

	rpcCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = client.CancelJob(rpcCtx, &melonpb.CancelJobRequest{JobID: jobID, User: user})
	if err != nil {
		return fmt.Errorf("scheduler: forward cancel to worker: %w", err)
	}
	return nil
}

// ExtendJob adds minutes to a job's requested wall-clock time, forwarding
// an ExtendJob RPC to the owning worker first if the job is running.
func (s *Scheduler) ExtendJob(ctx context.Context, jobID uint64, user string, minutes uint32) error {
	s.pendingMu.Lock()
	for _, job := range s.pending {
		if job.ID != jobID {
			continue
		}
		if job.User != user {
			s.pendingMu.Unlock()
			return ErrPermissionDenied
		}
		job.ExtendTime(minutes)
		s.pendingMu.Unlock()
		return nil
	}
	s.pendingMu.Unlock()

	s.runningMu.Lock()
	job, ok := s.running[jobID]
	if !ok {
		s.runningMu.Unlock()
		return ErrJobNotFound
	}
	if job.User != user {
		s.runningMu.Unlock()
		return ErrPermissionDenied
	}
	endpoint := ""
	s.nodesMu.Lock()
	if node, nodeOK := s.nodes[job.AssignedNode]; nodeOK {
		endpoint = node.Endpoint
	}
	s.nodesMu.Unlock()
	s.runningMu.Unlock()

	if endpoint != "" {
		if err := s.forwardExtend(ctx, endpoint, jobID, user, minutes); err != nil {
			return err
		}
	}
	job.ExtendTime(minutes)
	return nil
}

func (s *Scheduler) forwardExtend(ctx context.Context, endpoint string, jobID uint64, user string, minutes uint32) error {
	client, closeConn, err := s.dialWorker(endpoint)
	if err != nil {
		return err
	}
	defer closeConn() //nolint:errcheck // best-effort

	rpcCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = client.ExtendJob(rpcCtx, &melonpb.ExtendJobRequest{JobID: jobID, User: user, ExtensionMins: minutes})
	if err != nil {
		return fmt.Errorf("scheduler: forward extend to worker: %w", err)
	}
	return nil
}

// GetJobInfo searches running, then pending, then the durable store.
func (s *Scheduler) GetJobInfo(ctx context.Context, jobID uint64) (*model.Job, error) {
	s.runningMu.Lock()
	if job, ok := s.running[jobID]; ok {
		s.runningMu.Unlock()
		return job, nil
	}
	s.runningMu.Unlock()

	s.pendingMu.Lock()
	for _, job := range s.pending {
		if job.ID == jobID {
			s.pendingMu.Unlock()
			return job, nil
		}
	}
	s.pendingMu.Unlock()

	job, found, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if !found {
		return nil, ErrJobNotFound
	}
	return job, nil
}
