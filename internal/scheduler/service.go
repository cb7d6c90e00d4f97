package scheduler

import (
	"context"

	"google.golang.org/grpc/codes"

	"github.com/melonsched/melon/pkg/melonpb"
)

// Service adapts Scheduler to melonpb.SchedulerServer, translating domain
// errors to gRPC status codes at the boundary. Scheduler itself never
// imports grpc/status, only this file does.
type Service struct {
	scheduler *Scheduler
}

// NewService wraps scheduler as a melonpb.SchedulerServer.
func NewService(scheduler *Scheduler) *Service {
	return &Service{scheduler: scheduler}
}

var statusMapping = map[error]codes.Code{
	ErrMissingResources:  codes.InvalidArgument,
	ErrNotTerminalResult: codes.InvalidArgument,
	ErrUnknownNode:       codes.Unauthenticated,
	ErrJobNotFound:       codes.NotFound,
	ErrPermissionDenied:  codes.PermissionDenied,
	ErrStoreUnavailable:  codes.Internal,
}

func (svc *Service) SubmitJob(_ context.Context, in *melonpb.JobSubmission) (*melonpb.SubmitJobResponse, error) {
	id, err := svc.scheduler.SubmitJob(in.User, in.ScriptPath, in.ScriptArgs, melonpb.RequestedResourcesFromProto(in.ReqRes))
	if err != nil {
		return nil, melonpb.StatusError(err, statusMapping)
	}
	return &melonpb.SubmitJobResponse{ID: id}, nil
}

func (svc *Service) RegisterNode(_ context.Context, in *melonpb.NodeInfo) (*melonpb.RegistrationResponse, error) {
	id, err := svc.scheduler.RegisterNode(in.Address, melonpb.NodeResourcesFromProto(in.Resources))
	if err != nil {
		return nil, melonpb.StatusError(err, statusMapping)
	}
	return &melonpb.RegistrationResponse{NodeID: id}, nil
}

func (svc *Service) SendHeartbeat(_ context.Context, in *melonpb.HeartbeatRequest) (*melonpb.HeartbeatResponse, error) {
	if err := svc.scheduler.SendHeartbeat(in.NodeID); err != nil {
		return nil, melonpb.StatusError(err, statusMapping)
	}
	return &melonpb.HeartbeatResponse{}, nil
}

func (svc *Service) SubmitJobResult(_ context.Context, in *melonpb.JobResult) (*melonpb.SubmitJobResultResponse, error) {
	if err := svc.scheduler.SubmitJobResult(melonpb.JobResultFromProto(in)); err != nil {
		return nil, melonpb.StatusError(err, statusMapping)
	}
	return &melonpb.SubmitJobResultResponse{}, nil
}

func (svc *Service) ListJobs(ctx context.Context, _ *melonpb.ListJobsRequest) (*melonpb.ListJobsResponse, error) {
	jobs, err := svc.scheduler.ListJobs(ctx)
	if err != nil {
		return nil, melonpb.StatusError(err, statusMapping)
	}
	pbJobs := make([]*melonpb.Job, len(jobs))
	for i, job := range jobs {
		pbJobs[i] = melonpb.JobToProto(job)
	}
	return &melonpb.ListJobsResponse{Jobs: pbJobs}, nil
}

func (svc *Service) CancelJob(ctx context.Context, in *melonpb.CancelJobRequest) (*melonpb.CancelJobResponse, error) {
	if err := svc.scheduler.CancelJob(ctx, in.JobID, in.User); err != nil {
		return nil, melonpb.StatusError(err, statusMapping)
	}
	return &melonpb.CancelJobResponse{}, nil
}

func (svc *Service) ExtendJob(ctx context.Context, in *melonpb.ExtendJobRequest) (*melonpb.ExtendJobResponse, error) {
	if err := svc.scheduler.ExtendJob(ctx, in.JobID, in.User, in.ExtensionMins); err != nil {
		return nil, melonpb.StatusError(err, statusMapping)
	}
	return &melonpb.ExtendJobResponse{}, nil
}

func (svc *Service) GetJobInfo(ctx context.Context, in *melonpb.GetJobInfoRequest) (*melonpb.Job, error) {
	job, err := svc.scheduler.GetJobInfo(ctx, in.JobID)
	if err != nil {
		return nil, melonpb.StatusError(err, statusMapping)
	}
	return melonpb.JobToProto(job), nil
}
