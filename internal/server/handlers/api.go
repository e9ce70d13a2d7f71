package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/gofielding/internal/errors"
	"github.com/3leaps/gofielding/internal/worker"
	"github.com/3leaps/gofielding/pkg/ledger"
	"github.com/3leaps/gofielding/pkg/output"
)

const maxBodyBytes = 1 << 20

// API serves the collaborator endpoints over one ledger.
type API struct {
	DB        *sql.DB
	Planner   *worker.Planner
	Submitter *worker.Submitter
	SelfTeam  string
	Logger    *zap.Logger
	Now       func() time.Time

	// NewDrainer builds the drainer for one drain request, writing records
	// to w.
	NewDrainer func(w output.Writer) *worker.Drainer
}

// Routes mounts the API under the caller's prefix.
func (a *API) Routes(r chi.Router) {
	r.Get("/rounds/current", a.currentRound)

	r.Post("/poll", a.poll)
	r.Get("/artifacts/{id}/candidates", a.candidates)

	r.Post("/submissions", a.submit)
	r.Post("/decide", a.decide)
	r.Get("/cables", a.listCables)
	r.Post("/cables/drain", a.drainCables)

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", a.listJobs)
		r.Post("/", a.enqueueJob)
		r.Post("/claim", a.claimJob)
		r.Get("/{id}", a.getJob)
		r.Post("/{id}/start", a.startJob)
		r.Post("/{id}/complete", a.completeJob)
		r.Post("/{id}/reset", a.resetJob)
	})
}

func (a *API) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *API) currentRound(w http.ResponseWriter, r *http.Request) {
	round, err := ledger.CurrentRound(r.Context(), a.DB, a.now())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, round)
}

func (a *API) poll(w http.ResponseWriter, r *http.Request) {
	if a.Planner == nil {
		a.fail(w, r, apperrors.New(http.StatusServiceUnavailable, apperrors.CodeServiceUnavailable, "planner is not configured"))
		return
	}
	res, err := a.Planner.Poll(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) candidates(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	if a.Planner == nil {
		a.fail(w, r, apperrors.New(http.StatusServiceUnavailable, apperrors.CodeServiceUnavailable, "planner is not configured"))
		return
	}
	specs, err := a.Planner.Candidates(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if specs == nil {
		specs = []ledger.JobSpec{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifact_id": id, "candidates": specs})
}

// SubmitRequest is the body of POST /submissions. An empty team means the
// own team.
type SubmitRequest struct {
	TargetID    int64   `json:"target_id"`
	Team        string  `json:"team,omitempty"`
	ArtifactIDs []int64 `json:"artifact_ids"`
}

func (a *API) submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.TargetID <= 0 {
		a.fail(w, r, apperrors.NewValidationError("target_id is required"))
		return
	}

	var team *ledger.Team
	var err error
	if req.Team == "" {
		team, err = ledger.SelfTeam(r.Context(), a.DB, a.SelfTeam)
	} else {
		team, err = ledger.GetTeamByName(r.Context(), a.DB, req.Team)
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}

	f, err := ledger.Submit(r.Context(), a.DB, ledger.SubmitParams{
		TargetID:    req.TargetID,
		TeamID:      team.ID,
		ArtifactIDs: req.ArtifactIDs,
		Now:         a.now(),
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (a *API) decide(w http.ResponseWriter, r *http.Request) {
	if a.Submitter == nil {
		a.fail(w, r, apperrors.New(http.StatusServiceUnavailable, apperrors.CodeServiceUnavailable, "submitter is not configured"))
		return
	}
	decisions, err := a.Submitter.Decide(r.Context(), a.now())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}

func (a *API) listCables(w http.ResponseWriter, r *http.Request) {
	targetID, ok := a.queryInt(w, r, "target_id")
	if !ok {
		return
	}
	var (
		cables []ledger.Cable
		err    error
	)
	if r.URL.Query().Get("all") == "true" {
		cables, err = ledger.ListCables(r.Context(), a.DB, targetID)
	} else {
		cables, err = ledger.UnprocessedCables(r.Context(), a.DB, targetID)
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cables": cables})
}

// drainCables streams the drain as JSONL: one record per cable or error,
// then a summary. Once streaming has begun, failures can only be reported
// in-band.
func (a *API) drainCables(w http.ResponseWriter, r *http.Request) {
	targetID, ok := a.queryInt(w, r, "target_id")
	if !ok {
		return
	}
	if a.NewDrainer == nil {
		a.fail(w, r, apperrors.New(http.StatusServiceUnavailable, apperrors.CodeServiceUnavailable, "drainer is not configured"))
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	jw := output.NewJSONLWriter(w, apperrors.RequestIDFromContext(r.Context()), a.SelfTeam)
	defer func() { _ = jw.Close() }()

	if _, err := a.NewDrainer(jw).Drain(r.Context(), targetID, a.now()); err != nil {
		a.logger().Warn("Drain aborted", zap.Error(err))
		_ = jw.WriteError(r.Context(), &output.ErrorRecord{
			Code:     output.ErrCodeInternal,
			Message:  err.Error(),
			TargetID: targetID,
		})
	}
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.JobFilter{}
	var ok bool
	if filter.ArtifactID, ok = a.queryInt(w, r, "artifact_id"); !ok {
		return
	}
	limit, ok := a.queryInt(w, r, "limit")
	if !ok {
		return
	}
	filter.Limit = int(limit)
	if s := q.Get("kind"); s != "" {
		kind, err := ledger.ParseWorkerKind(s)
		if err != nil {
			a.fail(w, r, apperrors.NewValidationError(err.Error()))
			return
		}
		filter.Kind = kind
	}
	if s := q.Get("state"); s != "" {
		state, err := ledger.ParseJobState(s)
		if err != nil {
			a.fail(w, r, apperrors.NewValidationError(err.Error()))
			return
		}
		filter.State = state
	}

	jobs, err := ledger.ListJobs(r.Context(), a.DB, filter)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// EnqueueResponse reports the job and whether this request created it.
type EnqueueResponse struct {
	Job     *ledger.Job `json:"job"`
	Created bool        `json:"created"`
}

func (a *API) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var spec ledger.JobSpec
	if !a.decode(w, r, &spec) {
		return
	}
	if _, err := ledger.ParseWorkerKind(string(spec.Kind)); err != nil {
		a.fail(w, r, apperrors.NewValidationError(err.Error()))
		return
	}
	job, created, err := ledger.EnqueueJob(r.Context(), a.DB, spec)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, EnqueueResponse{Job: job, Created: created})
}

// claimJob starts the best waiting job of ?kind=. 204 means nothing waits.
func (a *API) claimJob(w http.ResponseWriter, r *http.Request) {
	kind, err := ledger.ParseWorkerKind(r.URL.Query().Get("kind"))
	if err != nil {
		a.fail(w, r, apperrors.NewValidationError(err.Error()))
		return
	}
	job, err := ledger.ClaimJob(r.Context(), a.DB, kind, a.now())
	if ledger.IsNotFound(err) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	job, err := ledger.GetJob(r.Context(), a.DB, id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) startJob(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	job, err := ledger.StartJob(r.Context(), a.DB, id, a.now())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// CompleteRequest is the optional body of POST /jobs/{id}/complete.
type CompleteRequest struct {
	ProducedOutput *bool `json:"produced_output"`
}

func (a *API) completeJob(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	var req CompleteRequest
	if !a.decode(w, r, &req) {
		return
	}
	job, err := ledger.CompleteJob(r.Context(), a.DB, id, a.now(), req.ProducedOutput)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) resetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	job, err := ledger.ResetJob(r.Context(), a.DB, id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		a.fail(w, r, apperrors.NewValidationError(fmt.Sprintf("invalid id %q", raw)))
		return 0, false
	}
	return id, true
}

// queryInt reads an optional non-negative integer query parameter.
func (a *API) queryInt(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		a.fail(w, r, apperrors.NewValidationError(fmt.Sprintf("invalid %s %q", name, raw)))
		return 0, false
	}
	return n, true
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		a.fail(w, r, apperrors.NewValidationError("invalid request body: "+err.Error()))
		return false
	}
	return true
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, _ := apperrors.Classify(err)
	if status >= http.StatusInternalServerError {
		a.logger().Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", apperrors.RequestIDFromContext(r.Context())),
			zap.Error(err))
	}
	respondWithError(w, r, err)
}

func (a *API) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}
