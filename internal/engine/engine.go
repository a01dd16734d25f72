// Package engine coordinates client sessions: job submission, admission,
// dispatch against the ComfyUI gateway, history bookkeeping and snapshot
// persistence.
package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"comfygate/internal/admission"
	"comfygate/internal/domain"
	"comfygate/internal/infra"
	"comfygate/internal/metrics"
	"comfygate/internal/queue"
	"comfygate/internal/store"
	"comfygate/internal/workflow"
)

var (
	// ErrEmptyPrompt rejects submissions without a positive prompt.
	ErrEmptyPrompt = errors.New("positive prompt must not be empty")
	// ErrUnknownJob means no history entry exists for the job id.
	ErrUnknownJob = errors.New("unknown job id")
	// ErrNoPromptID means the entry never received a remote prompt id, so
	// there is nothing to restore from.
	ErrNoPromptID = errors.New("job has no prompt id recorded")
)

const (
	persistTimeout = 5 * time.Second
	restoreTimeout = 15 * time.Second
)

// Gateway is the slice of the ComfyUI client the engine depends on.
type Gateway interface {
	Generate(ctx context.Context, workflow map[string]any, clientID string, onPromptID func(string)) (domain.GenerationResult, error)
	FetchExisting(ctx context.Context, promptID string, fast bool) (domain.GenerationResult, error)
}

// SubmitRequest carries the user inputs for one generation job. A negative
// Seed asks the engine to pick one.
type SubmitRequest struct {
	PositivePrompt string
	NegativePrompt string
	Seed           int64
	Width          int
	Height         int
}

// StatusReport is the admission view returned by Status.
type StatusReport struct {
	Queued        int `json:"queued"`
	Running       int `json:"running"`
	UserRunning   int `json:"user_running"`
	PerUserLimit  int `json:"per_user_limit"`
	GlobalLimit   int `json:"global_limit"`
	QueueLength   int `json:"queue_length"`
	HistoryLength int `json:"history_length"`
}

// Options configures an Engine.
type Options struct {
	Gateway          Gateway
	Counters         *admission.Counters
	Store            store.SnapshotStore
	Template         map[string]any
	Redactor         *infra.Redactor
	Metrics          *metrics.Set
	Logger           zerolog.Logger
	RequestTimeout   time.Duration
	ReconcileTimeout time.Duration
	HistoryTTL       time.Duration
}

// Engine owns all client sessions. Counters are shared across sessions;
// queue, history and images are per session.
type Engine struct {
	gateway          Gateway
	counters         *admission.Counters
	store            store.SnapshotStore
	template         map[string]any
	redactor         *infra.Redactor
	metrics          *metrics.Set
	logger           zerolog.Logger
	requestTimeout   time.Duration
	reconcileTimeout time.Duration
	historyTTL       time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

// session is the per-client state. Its mutex serializes queue, history and
// image access; the engine mutex only guards the sessions map.
type session struct {
	clientID string

	mu         sync.Mutex
	jobs       queue.Queue
	history    queue.History
	images     map[string]store.ImageBlob
	reconciled bool
}

func New(opts Options) *Engine {
	if opts.Counters == nil {
		opts.Counters = admission.NewCounters(admission.Limits{PerUser: 1})
	}
	if opts.Store == nil {
		opts.Store = store.NewMemoryStore()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 120 * time.Second
	}
	if opts.ReconcileTimeout <= 0 {
		opts.ReconcileTimeout = 2 * time.Second
	}
	return &Engine{
		gateway:          opts.Gateway,
		counters:         opts.Counters,
		store:            opts.Store,
		template:         opts.Template,
		redactor:         opts.Redactor,
		metrics:          opts.Metrics,
		logger:           opts.Logger,
		requestTimeout:   opts.RequestTimeout,
		reconcileTimeout: opts.ReconcileTimeout,
		historyTTL:       opts.HistoryTTL,
		sessions:         make(map[string]*session),
	}
}

// RandomSeed draws a seed uniformly from [0, 2^31).
func RandomSeed() int64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<31))
	if err != nil {
		return time.Now().UnixNano() & (1<<31 - 1)
	}
	return n.Int64()
}

// Submit enqueues a job for the client and dispatches as far as the
// admission limits allow. The returned job reflects the state at enqueue
// time; it may already be running by the time the caller sees it.
func (e *Engine) Submit(ctx context.Context, clientID string, req SubmitRequest) (domain.Job, error) {
	if strings.TrimSpace(req.PositivePrompt) == "" {
		return domain.Job{}, ErrEmptyPrompt
	}

	seed := req.Seed
	if seed < 0 {
		seed = RandomSeed()
	}
	width := req.Width
	if width <= 0 {
		width = 512
	}
	height := req.Height
	if height <= 0 {
		height = 512
	}

	s, err := e.session(ctx, clientID)
	if err != nil {
		return domain.Job{}, err
	}
	e.ensureReconciled(ctx, s)

	job := domain.Job{
		ID:             uuid.NewString(),
		Status:         domain.JobStatusQueued,
		PositivePrompt: req.PositivePrompt,
		NegativePrompt: req.NegativePrompt,
		Seed:           seed,
		Width:          width,
		Height:         height,
		CreatedAt:      time.Now().UTC(),
	}

	s.mu.Lock()
	s.jobs.Add(job)
	s.mu.Unlock()
	e.counters.TrackQueued()

	e.logger.Info().
		Str("client_id", clientID).
		Str("job_id", job.ID).
		Int64("seed", seed).
		Int("width", width).
		Int("height", height).
		Msg("job enqueued")

	e.persist(s)
	e.dispatch(s)
	return job, nil
}

// Jobs returns the client's live queue in FIFO order.
func (e *Engine) Jobs(ctx context.Context, clientID string) ([]domain.Job, error) {
	s, err := e.session(ctx, clientID)
	if err != nil {
		return nil, err
	}
	e.ensureReconciled(ctx, s)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs.Jobs(), nil
}

// History returns the client's history, pruning terminal entries older than
// the retention window first.
func (e *Engine) History(ctx context.Context, clientID string) ([]domain.HistoryEntry, error) {
	s, err := e.session(ctx, clientID)
	if err != nil {
		return nil, err
	}
	e.ensureReconciled(ctx, s)

	var pruned bool
	s.mu.Lock()
	if e.historyTTL > 0 {
		removed := s.history.PruneCompletedBefore(time.Now().UTC().Add(-e.historyTTL))
		for _, entry := range removed {
			s.dropImages(entry.Images)
		}
		pruned = len(removed) > 0
	}
	entries := s.history.Entries()
	s.mu.Unlock()

	if pruned {
		e.persist(s)
	}
	return entries, nil
}

// DeleteHistory removes one history entry and its stored images. Deleting a
// running entry that no live job backs also frees its admission slot.
func (e *Engine) DeleteHistory(ctx context.Context, clientID, jobID string) (bool, error) {
	s, err := e.session(ctx, clientID)
	if err != nil {
		return false, err
	}
	e.ensureReconciled(ctx, s)

	s.mu.Lock()
	entry, ok := s.history.Delete(jobID)
	var ghost bool
	if ok {
		s.dropImages(entry.Images)
		_, live := s.jobs.Get(jobID)
		ghost = entry.Status == domain.JobStatusRunning && !live
	}
	s.mu.Unlock()

	if !ok {
		return false, nil
	}
	if ghost {
		e.counters.ReleaseRunning(clientID)
		e.updateGauges()
	}
	e.persist(s)
	return true, nil
}

// ClearHistory drops the client's entire history and returns the number of
// removed entries.
func (e *Engine) ClearHistory(ctx context.Context, clientID string) (int, error) {
	s, err := e.session(ctx, clientID)
	if err != nil {
		return 0, err
	}
	e.ensureReconciled(ctx, s)

	s.mu.Lock()
	removed := s.history.Clear()
	ghosts := 0
	for _, entry := range removed {
		s.dropImages(entry.Images)
		if _, live := s.jobs.Get(entry.JobID); entry.Status == domain.JobStatusRunning && !live {
			ghosts++
		}
	}
	s.mu.Unlock()

	for i := 0; i < ghosts; i++ {
		e.counters.ReleaseRunning(clientID)
	}
	if ghosts > 0 {
		e.updateGauges()
	}
	e.persist(s)
	return len(removed), nil
}

// Image returns one stored image blob by id.
func (e *Engine) Image(ctx context.Context, clientID, imageID string) (store.ImageBlob, bool, error) {
	s, err := e.session(ctx, clientID)
	if err != nil {
		return store.ImageBlob{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.images[imageID]
	return blob, ok, nil
}

// RestoreImages re-fetches the result of an already-submitted prompt and
// reattaches its images to the history entry, finalizing the entry if it was
// still marked running.
func (e *Engine) RestoreImages(ctx context.Context, clientID, jobID string) (domain.HistoryEntry, error) {
	s, err := e.session(ctx, clientID)
	if err != nil {
		return domain.HistoryEntry{}, err
	}
	e.ensureReconciled(ctx, s)

	s.mu.Lock()
	entry, ok := s.history.Get(jobID)
	s.mu.Unlock()
	if !ok {
		return domain.HistoryEntry{}, fmt.Errorf("job %s: %w", jobID, ErrUnknownJob)
	}
	if entry.PromptID == "" {
		return domain.HistoryEntry{}, fmt.Errorf("job %s: %w", jobID, ErrNoPromptID)
	}

	fctx, cancel := context.WithTimeout(ctx, restoreTimeout)
	defer cancel()
	result, err := e.gateway.FetchExisting(fctx, entry.PromptID, false)
	if err != nil {
		var remoteErr *domain.RemoteError
		if errors.As(err, &remoteErr) {
			entry = e.finalize(s, jobID, domain.JobStatusFailed, nil, e.failureMessage(err))
			e.persist(s)
			return entry, nil
		}
		return domain.HistoryEntry{}, fmt.Errorf("restore job %s: %w", jobID, err)
	}

	entry = e.finalize(s, jobID, domain.JobStatusSuccess, result.Images, "")
	e.persist(s)

	e.logger.Info().
		Str("client_id", clientID).
		Str("job_id", jobID).
		Int("images", len(result.Images)).
		Msg("history entry restored")
	return entry, nil
}

// Status reports the admission counters and the client's session sizes.
func (e *Engine) Status(ctx context.Context, clientID string) (StatusReport, error) {
	s, err := e.session(ctx, clientID)
	if err != nil {
		return StatusReport{}, err
	}
	e.ensureReconciled(ctx, s)

	snap := e.counters.Snapshot()
	limits := e.counters.Limits()

	s.mu.Lock()
	queueLen := s.jobs.Len()
	historyLen := len(s.history.Entries())
	s.mu.Unlock()

	return StatusReport{
		Queued:        snap.Queued,
		Running:       snap.Running,
		UserRunning:   e.counters.RunningFor(clientID),
		PerUserLimit:  limits.PerUser,
		GlobalLimit:   limits.Global,
		QueueLength:   queueLen,
		HistoryLength: historyLen,
	}, nil
}

// session returns the client's session, loading the persisted snapshot on
// first access. Restored queued jobs are re-counted; jobs that were running
// are dropped from the queue and left to reconciliation via their history
// entries.
func (e *Engine) session(ctx context.Context, clientID string) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.sessions[clientID]; ok {
		return s, nil
	}

	s := &session{
		clientID: clientID,
		images:   make(map[string]store.ImageBlob),
	}

	snap, err := e.store.Load(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", clientID, err)
	}
	if snap != nil {
		var kept []domain.Job
		for _, job := range snap.Jobs {
			if job.Status != domain.JobStatusQueued {
				continue
			}
			kept = append(kept, job)
			e.counters.TrackQueued()
		}
		s.jobs.Replace(kept)
		s.history.Replace(snap.History)
		for id, blob := range snap.Images {
			s.images[id] = blob
		}
		e.logger.Info().
			Str("client_id", clientID).
			Int("jobs", len(kept)).
			Int("history", len(snap.History)).
			Msg("session restored from snapshot")
	}

	e.sessions[clientID] = s
	return s, nil
}

// dispatch admits queued jobs in FIFO order until a limit blocks. Admission
// and the queued-to-running transition happen under the session lock so a
// concurrent dispatch cannot double-start a job.
func (e *Engine) dispatch(s *session) {
	s.mu.Lock()
	for _, job := range s.jobs.Jobs() {
		if job.Status != domain.JobStatusQueued {
			continue
		}
		if !e.counters.TryAdmit(s.clientID) {
			break
		}
		running := domain.JobStatusRunning
		s.jobs.Update(job.ID, queue.JobPatch{Status: &running})
		s.history.Upsert(job.ID, queue.EntryPatch{
			Status:         &running,
			PositivePrompt: &job.PositivePrompt,
			NegativePrompt: &job.NegativePrompt,
			Seed:           &job.Seed,
			Width:          &job.Width,
			Height:         &job.Height,
		})
		job.Status = running
		go e.runJob(s, job)
	}
	s.mu.Unlock()

	e.updateGauges()
	e.persist(s)
}

// runJob renders the workflow, drives it through the gateway and finalizes
// the outcome. It owns exactly one admission slot, released when the job
// leaves the queue.
func (e *Engine) runJob(s *session, job domain.Job) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), e.requestTimeout)
	defer cancel()

	// The slot must come back no matter how this goroutine exits.
	defer func() {
		s.mu.Lock()
		removed, ok := s.jobs.Remove(job.ID)
		s.mu.Unlock()
		if ok {
			e.counters.Release(s.clientID, removed.Status)
		}
		e.updateGauges()
		e.persist(s)
		e.dispatch(s)
	}()

	rendered, err := workflow.Render(e.template, workflow.Params{
		PositivePrompt: job.PositivePrompt,
		NegativePrompt: job.NegativePrompt,
		Seed:           job.Seed,
		Width:          job.Width,
		Height:         job.Height,
	})

	var result domain.GenerationResult
	if err == nil {
		result, err = e.gateway.Generate(ctx, rendered, s.clientID, func(promptID string) {
			s.mu.Lock()
			s.jobs.Update(job.ID, queue.JobPatch{PromptID: &promptID})
			s.history.Upsert(job.ID, queue.EntryPatch{PromptID: &promptID})
			s.mu.Unlock()
			e.persist(s)
		})
	}

	status := domain.JobStatusSuccess
	if err != nil {
		status = domain.JobStatusFailed
		e.finalize(s, job.ID, status, nil, e.failureMessage(err))
		e.logger.Warn().
			Err(err).
			Str("client_id", s.clientID).
			Str("job_id", job.ID).
			Msg("job failed")
	} else {
		e.finalize(s, job.ID, status, result.Images, "")
		e.logger.Info().
			Str("client_id", s.clientID).
			Str("job_id", job.ID).
			Str("prompt_id", result.PromptID).
			Int("images", len(result.Images)).
			Dur("took", time.Since(start)).
			Msg("job completed")
	}

	e.metrics.Completed(string(status), time.Since(start).Seconds())
}

// finalize stores the images and upserts the terminal history entry. The
// upsert is idempotent, so a concurrent reconciliation landing on the same
// job converges to one consistent entry.
func (e *Engine) finalize(s *session, jobID string, status domain.JobStatus, images []domain.ImageResult, errMsg string) domain.HistoryEntry {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	patch := queue.EntryPatch{Status: &status, CompletedAt: &now}
	if len(images) > 0 {
		ids := s.storeImages(images)
		patch.Images = &ids
	}
	if errMsg != "" {
		patch.Error = &errMsg
	}
	s.history.Upsert(jobID, patch)
	entry, _ := s.history.Get(jobID)
	return entry
}

// failureMessage maps a gateway error to the user-facing record, with the
// configured endpoints scrubbed out.
func (e *Engine) failureMessage(err error) string {
	var submissionErr *domain.SubmissionError
	var remoteErr *domain.RemoteError

	var msg string
	switch {
	case errors.As(err, &submissionErr):
		msg = fmt.Sprintf("generation request was rejected (%d): %s", submissionErr.StatusCode, submissionErr.Body)
	case errors.As(err, &remoteErr):
		msg = "generation failed on the server: " + remoteErr.Detail
	case errors.Is(err, domain.ErrTimeout):
		msg = "generation timed out before a result was available"
	case errors.Is(err, domain.ErrEmptyResult):
		msg = "generation finished but produced no images"
	default:
		msg = err.Error()
	}
	if e.redactor != nil {
		msg = e.redactor.Sanitize(msg)
	}
	return msg
}

// persist writes the session snapshot. Persistence failures are logged, not
// surfaced: a broken store must not break generation.
func (e *Engine) persist(s *session) {
	s.mu.Lock()
	snap := &store.Snapshot{
		Jobs:    s.jobs.Jobs(),
		History: s.history.Entries(),
		Images:  make(map[string]store.ImageBlob, len(s.images)),
	}
	for id, blob := range s.images {
		snap.Images[id] = blob
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.store.Save(ctx, s.clientID, snap); err != nil {
		e.logger.Warn().Err(err).Str("client_id", s.clientID).Msg("snapshot save failed")
	}
}

func (e *Engine) updateGauges() {
	snap := e.counters.Snapshot()
	e.metrics.SetCounts(snap.Queued, snap.Running)
}

// storeImages registers blobs and returns their ids. Caller holds s.mu.
func (s *session) storeImages(images []domain.ImageResult) []string {
	ids := make([]string, 0, len(images))
	for _, img := range images {
		id := uuid.NewString()
		s.images[id] = store.ImageBlob{MIME: img.MIMEType, Data: img.Data}
		ids = append(ids, id)
	}
	return ids
}

// dropImages removes blobs by id. Caller holds s.mu.
func (s *session) dropImages(ids []string) {
	for _, id := range ids {
		delete(s.images, id)
	}
}
