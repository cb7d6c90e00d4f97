package worker

import (
	"context"

	"google.golang.org/grpc/codes"

	"github.com/melonsched/melon/pkg/melonpb"
	"github.com/melonsched/melon/pkg/model"
)

// service adapts Worker to melonpb.WorkerServer, translating domain
// errors to gRPC status codes at the boundary so the core stays
// transport-agnostic.
type service struct {
	worker *Worker
}

var statusMapping = map[error]codes.Code{
	ErrResourceExhausted: codes.ResourceExhausted,
	ErrJobNotFound:       codes.NotFound,
	ErrMailboxFull:       codes.Internal,
}

func (s *service) AssignJob(_ context.Context, in *melonpb.AssignJobRequest) (*melonpb.AssignJobResponse, error) {
	reqRes := model.RequestedResources{CPUCount: in.ReqRes.CPUCount, Memory: in.ReqRes.Memory, Time: in.ReqRes.Time}
	if err := s.worker.assignJob(in.JobID, in.ScriptPath, in.ScriptArgs, reqRes); err != nil {
		return nil, melonpb.StatusError(err, statusMapping)
	}
	return &melonpb.AssignJobResponse{}, nil
}

func (s *service) CancelJob(_ context.Context, in *melonpb.CancelJobRequest) (*melonpb.CancelJobResponse, error) {
	if err := s.worker.cancelJob(in.JobID); err != nil {
		return nil, melonpb.StatusError(err, statusMapping)
	}
	return &melonpb.CancelJobResponse{}, nil
}

func (s *service) ExtendJob(_ context.Context, in *melonpb.ExtendJobRequest) (*melonpb.ExtendJobResponse, error) {
	if err := s.worker.extendJob(in.JobID, in.ExtensionMins); err != nil {
		return nil, melonpb.StatusError(err, statusMapping)
	}
	return &melonpb.ExtendJobResponse{}, nil
}
