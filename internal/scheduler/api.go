package scheduler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/melonsched/melon/pkg/melonpb"
)

// APIHandler serves a read-only JSON mirror of the scheduler for
// dashboards and monitoring: GET /api/jobs and GET /api/health. The
// caller wraps this in CORS middleware. The RPC surface for
// mbatch/mqueue/... stays gRPC; this is an additional read-only view,
// not a replacement.
func (s *Scheduler) APIHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/health", handleHealth)
	return mux
}

func (s *Scheduler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.ListJobs(r.Context())
	if err != nil {
		slog.Error("api: list jobs failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	pbJobs := make([]*melonpb.Job, 0, len(jobs))
	for _, job := range jobs {
		pbJobs = append(pbJobs, melonpb.JobToProto(job))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(pbJobs); err != nil {
		slog.Error("api: encode jobs failed", "err", err)
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Ok"))
}
