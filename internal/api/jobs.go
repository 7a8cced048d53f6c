package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Syt100/bastion-sub005/internal/jobs"
	"github.com/Syt100/bastion-sub005/internal/queue"
	"github.com/Syt100/bastion-sub005/internal/schedule"
	"github.com/Syt100/bastion-sub005/internal/scheduler"
)

type jobRequest struct {
	Name           string            `json:"name"`
	CronExpr       string            `json:"cron_expr"`
	Timezone       string            `json:"timezone"`
	Node           string            `json:"node"`
	Overlap        jobs.OverlapPolicy `json:"overlap_policy"`
	Handler        string            `json:"handler"`
	Args           map[string]any    `json:"args"`
	CredentialRefs []string          `json:"credential_refs"`
	Enabled        *bool             `json:"enabled"`
}

func (jr *jobRequest) validate() error {
	if jr.Name == "" {
		return errors.New("name is required")
	}
	if jr.Node == "" {
		return errors.New("node is required")
	}
	if jr.Handler == "" {
		return errors.New("handler is required")
	}
	if jr.Timezone == "" {
		jr.Timezone = "UTC"
	}
	if jr.Overlap == "" {
		jr.Overlap = jobs.OverlapReject
	}
	if !jr.Overlap.Valid() {
		return fmt.Errorf("overlap_policy %q: want reject or queue", jr.Overlap)
	}
	// Invalid expressions are rejected at save, never deferred to firing.
	if err := schedule.Validate(jr.CronExpr, jr.Timezone); err != nil {
		return err
	}
	return nil
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	enabled := req.Enabled == nil || *req.Enabled
	// A schedule with no future occurrence is storable but gets a NULL
	// next occurrence, which keeps it out of the due scan.
	var nextRun *time.Time
	next, err := schedule.NextFire(req.CronExpr, req.Timezone, time.Now().UTC())
	if err != nil && !errors.Is(err, schedule.ErrNeverFires) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err == nil {
		nextRun = &next
	}

	job, err := s.Store.CreateJob(r.Context(), jobs.CreateJobParams{
		Name:           req.Name,
		CronExpr:       req.CronExpr,
		Timezone:       req.Timezone,
		Node:           req.Node,
		Overlap:        req.Overlap,
		Handler:        req.Handler,
		Args:           req.Args,
		CredentialRefs: req.CredentialRefs,
		Enabled:        enabled,
		NextRunAt:      nextRun,
	})
	if err != nil {
		mapStoreErr(w, err)
		return
	}
	s.configChanged(r, job.Node)
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	list, err := s.Store.ListJobs(r.Context(), jobs.ListJobsParams{
		Limit:           limit,
		Offset:          offset,
		Node:            q.Get("node"),
		IncludeArchived: q.Get("archived") == "true",
	})
	if err != nil {
		mapStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Store.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		mapStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type jobPatch struct {
	Name           *string             `json:"name"`
	CronExpr       *string             `json:"cron_expr"`
	Timezone       *string             `json:"timezone"`
	Node           *string             `json:"node"`
	Overlap        *jobs.OverlapPolicy `json:"overlap_policy"`
	Args           *map[string]any     `json:"args"`
	CredentialRefs *[]string           `json:"credential_refs"`
	Enabled        *bool               `json:"enabled"`
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	var p jobPatch
	if err := readJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cur, err := s.Store.GetJob(r.Context(), id)
	if err != nil {
		mapStoreErr(w, err)
		return
	}

	expr, tz := cur.CronExpr, cur.Timezone
	if p.CronExpr != nil {
		expr = *p.CronExpr
	}
	if p.Timezone != nil {
		tz = *p.Timezone
	}
	if err := schedule.Validate(expr, tz); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if p.Overlap != nil && !p.Overlap.Valid() {
		writeError(w, http.StatusUnprocessableEntity, "overlap_policy: want reject or queue")
		return
	}

	params := jobs.UpdateJobParams{
		ID:             id,
		Name:           p.Name,
		CronExpr:       p.CronExpr,
		Timezone:       p.Timezone,
		Node:           p.Node,
		Overlap:        p.Overlap,
		Args:           p.Args,
		CredentialRefs: p.CredentialRefs,
		Enabled:        p.Enabled,
	}

	// A schedule change resets the next occurrence; re-enabling resumes
	// from now rather than firing missed occurrences.
	scheduleChanged := p.CronExpr != nil || p.Timezone != nil
	reenabled := p.Enabled != nil && *p.Enabled && !cur.Enabled
	if scheduleChanged || reenabled {
		next, err := schedule.NextFire(expr, tz, time.Now().UTC())
		if err != nil && !errors.Is(err, schedule.ErrNeverFires) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		// Zero when the schedule never fires again; the store maps that
		// to NULL so the due scan skips the job.
		params.NextRunAt = &next
	}

	job, err := s.Store.UpdateJob(r.Context(), params)
	if err != nil {
		mapStoreErr(w, err)
		return
	}

	s.configChanged(r, job.Node)
	if p.Node != nil && *p.Node != cur.Node {
		// The old owner must drop the job from its snapshot too.
		s.configChanged(r, cur.Node)
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleArchiveJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	cur, err := s.Store.GetJob(r.Context(), id)
	if err != nil {
		mapStoreErr(w, err)
		return
	}
	if err := s.Store.ArchiveJob(r.Context(), id); err != nil {
		mapStoreErr(w, err)
		return
	}
	s.configChanged(r, cur.Node)
	w.WriteHeader(http.StatusNoContent)
}

// handleRunNow fires a job immediately, outside its schedule. The run goes
// through the same start task as a scheduled firing.
func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	job, err := s.Store.GetJob(r.Context(), id)
	if err != nil {
		mapStoreErr(w, err)
		return
	}
	if job.Archived {
		writeError(w, http.StatusConflict, "job is archived")
		return
	}
	if !job.OnHub() && !s.Dispatcher.Registry().Online(job.Node) {
		writeError(w, http.StatusConflict, "agent offline")
		return
	}

	runID := uuid.NewString()
	run, err := s.Store.InsertRun(r.Context(), jobs.InsertRunParams{
		RunID:     runID,
		JobID:     job.ID,
		NodeID:    job.Node,
		Status:    jobs.StatusQueued,
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		mapStoreErr(w, err)
		return
	}
	if _, _, err := s.Queue.Enqueue(r.Context(), queue.EnqueueParams{
		Kind:     scheduler.StartTaskKind,
		DedupKey: scheduler.StartTaskKind + ":" + runID,
		Subject:  scheduler.StartSubject{RunID: runID, JobID: job.ID},
	}); err != nil {
		mapStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.Store.ListRunsForJob(r.Context(), chi.URLParam(r, "jobID"), limit)
	if err != nil {
		mapStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleCancelRun requests cancellation of a running run on its owning
// node. Cancellation is cooperative: the run settles as failed through the
// normal finish path, observable via the run record and its events.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.Store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		mapStoreErr(w, err)
		return
	}
	if run.Status.Terminal() {
		writeError(w, http.StatusConflict, "run already terminal")
		return
	}
	job, err := s.Store.GetJob(r.Context(), run.JobID)
	if err != nil {
		mapStoreErr(w, err)
		return
	}
	if err := s.Dispatcher.CancelRun(r.Context(), *job, run.ID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.Store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		mapStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// configChanged wakes the scheduler (on every hub) and pushes a fresh
// snapshot to the affected agent.
func (s *Server) configChanged(r *http.Request, node string) {
	s.Scanner.Wake()
	if s.PublishWake != nil {
		s.PublishWake()
	}
	s.Dispatcher.ConfigChanged(r.Context(), node)
}
