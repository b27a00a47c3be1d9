package api

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-lab/internal/discovery"
	"github.com/atlas-desktop/strategy-lab/internal/strategy"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// JobRunning is the status of an unfinished job. Finished jobs carry the
// status of their discovery run.
const JobRunning = "running"

// DiscoveryJob tracks a discovery running in the background
type DiscoveryJob struct {
	mu       sync.RWMutex
	id       string
	options  discovery.Options
	status   string
	started  time.Time
	finished time.Time
	progress discovery.Progress
	result   *discovery.Result
	err      string
	cancel   context.CancelFunc
}

// JobView is the JSON form of a job
type JobView struct {
	ID       string             `json:"id"`
	Strategy string             `json:"strategy"`
	Status   string             `json:"status"`
	Started  time.Time          `json:"started"`
	Finished *time.Time         `json:"finished,omitempty"`
	Progress discovery.Progress `json:"progress"`
	Result   *discovery.Result  `json:"result,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// View returns a consistent snapshot of the job
func (j *DiscoveryJob) View(withResult bool) JobView {
	j.mu.RLock()
	defer j.mu.RUnlock()

	v := JobView{
		ID:       j.id,
		Strategy: j.options.Strategy,
		Status:   j.status,
		Started:  j.started,
		Progress: j.progress,
		Error:    j.err,
	}
	if !j.finished.IsZero() {
		f := j.finished
		v.Finished = &f
	}
	if withResult {
		v.Result = j.result
	}
	return v
}

// discoveryRequest is the body of /discovery/start
type discoveryRequest struct {
	barsRequest
	Strategy     string                 `json:"strategy"`
	Ranges       []types.ParameterRange `json:"ranges,omitempty"`
	Target       int                    `json:"target,omitempty"`
	MaxAttempts  int                    `json:"maxAttempts,omitempty"`
	BatchSize    int                    `json:"batchSize,omitempty"`
	SuccessRatio *float64               `json:"successRatio,omitempty"`
}

// handleStartDiscovery starts a discovery in the background and returns its
// job id. Progress is published on the "discovery" channel.
func (s *Server) handleStartDiscovery(w http.ResponseWriter, r *http.Request) {
	var req discoveryRequest
	if !s.decode(w, r, &req) {
		return
	}
	if _, _, err := strategy.Describe(req.Strategy); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := discovery.DefaultOptions(req.Strategy)
	opts.Ranges = req.Ranges
	if req.Target > 0 {
		opts.Target = req.Target
	}
	if req.MaxAttempts > 0 {
		opts.MaxAttempts = req.MaxAttempts
	}
	if req.BatchSize > 0 {
		opts.BatchSize = req.BatchSize
	}
	if req.SuccessRatio != nil {
		opts.SuccessRatio = *req.SuccessRatio
	}
	base := s.testConfig(req.Strategy, nil, req.Symbol)
	opts.Symbol = base.Symbol
	opts.InitialCapital = base.InitialCapital
	opts.MaxBars = base.MaxBars
	req.Symbol = base.Symbol

	bars, err := s.loadBars(r.Context(), req.barsRequest)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	job := &DiscoveryJob{
		id:      uuid.NewString(),
		options: opts,
		status:  JobRunning,
		started: time.Now(),
		cancel:  cancel,
	}
	job.progress.Target = opts.Target

	opts.Progress = func(p discovery.Progress) {
		job.mu.Lock()
		job.progress = p
		job.mu.Unlock()
		s.hub.PublishDiscoveryProgress(job.id, map[string]interface{}{
			"jobId":    job.id,
			"progress": p,
		})
	}

	s.mu.Lock()
	s.jobs[job.id] = job
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runDiscovery(ctx, job, bars, opts)

	s.logger.Info("Discovery job started",
		zap.String("job", job.id),
		zap.String("strategy", opts.Strategy),
		zap.Int("target", opts.Target))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	s.jsonResponse(w, job.View(false))
}

func (s *Server) runDiscovery(ctx context.Context, job *DiscoveryJob, bars []types.Bar, opts discovery.Options) {
	defer s.wg.Done()
	defer job.cancel()

	res, err := s.discoverer.Discover(ctx, bars, opts)

	job.mu.Lock()
	job.finished = time.Now()
	job.result = res
	switch {
	case res != nil:
		job.status = res.Status
	default:
		job.status = discovery.StatusFailed
	}
	if err != nil {
		job.err = err.Error()
	}
	job.mu.Unlock()

	if err != nil {
		s.logger.Warn("Discovery job ended with error", zap.String("job", job.id), zap.Error(err))
	}

	view := job.View(false)
	summary := map[string]interface{}{
		"jobId":  view.ID,
		"status": view.Status,
		"error":  view.Error,
	}
	if res != nil {
		summary["sessionId"] = res.SessionID
		summary["seed"] = res.Seed
		summary["discovered"] = len(res.Strategies)
		summary["bestScore"] = res.BestScore
	}
	s.hub.BroadcastDiscoveryComplete(summary)
}

func (s *Server) job(id string) (*DiscoveryJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return job, ok
}

// handleListDiscoveries lists jobs, newest first, without their results
func (s *Server) handleListDiscoveries(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	views := make([]JobView, 0, len(s.jobs))
	for _, job := range s.jobs {
		views = append(views, job.View(false))
	}
	s.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool {
		return views[i].Started.After(views[j].Started)
	})
	s.jsonResponse(w, map[string]interface{}{"jobs": views})
}

// handleGetDiscovery returns a job with its result once finished
func (s *Server) handleGetDiscovery(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(mux.Vars(r)["id"])
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "discovery job not found")
		return
	}
	s.jsonResponse(w, job.View(true))
}

// handleCancelDiscovery cancels a running job. The job keeps running until
// the current batch finishes, then records a cancelled session.
func (s *Server) handleCancelDiscovery(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(mux.Vars(r)["id"])
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "discovery job not found")
		return
	}
	if job.View(false).Status != JobRunning {
		s.errorResponse(w, http.StatusConflict, "discovery job is not running")
		return
	}

	job.cancel()
	s.logger.Info("Discovery job cancel requested", zap.String("job", job.id))
	s.jsonResponse(w, map[string]string{"id": job.id, "status": "cancelling"})
}
