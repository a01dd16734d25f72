package engine

import (
	"context"
	"errors"

	"comfygate/internal/domain"
)

// ensureReconciled runs the one-shot recovery sweep for a session. History
// entries stuck in running with no live job behind them are leftovers from a
// previous process: each is checked against the remote once, with a short
// per-prompt budget, and either finalized from the remote result, discarded
// when it never reached the remote, or left running when the remote simply
// has not finished yet.
func (e *Engine) ensureReconciled(ctx context.Context, s *session) {
	s.mu.Lock()
	if s.reconciled {
		s.mu.Unlock()
		return
	}
	s.reconciled = true

	live := make(map[string]bool, s.jobs.Len())
	for _, job := range s.jobs.Jobs() {
		live[job.ID] = true
	}
	stale := s.history.Running()
	s.mu.Unlock()

	changed := false
	for _, entry := range stale {
		if live[entry.JobID] {
			continue
		}
		if e.reconcileEntry(ctx, s, entry) {
			changed = true
		}
	}

	e.metrics.SweepDone()
	if changed {
		e.updateGauges()
		e.persist(s)
	}

	s.mu.Lock()
	hasQueued := false
	for _, job := range s.jobs.Jobs() {
		if job.Status == domain.JobStatusQueued {
			hasQueued = true
			break
		}
	}
	s.mu.Unlock()
	if hasQueued {
		// Jobs restored from a snapshot wait here until the first session
		// touch after startup.
		e.dispatch(s)
	}
}

// reconcileEntry resolves one orphaned running entry and reports whether it
// changed session state.
func (e *Engine) reconcileEntry(ctx context.Context, s *session, entry domain.HistoryEntry) bool {
	if entry.PromptID == "" {
		// The job died before submission was acknowledged; nothing on the
		// remote side can ever complete it.
		s.mu.Lock()
		_, removed := s.history.Delete(entry.JobID)
		s.mu.Unlock()
		if removed {
			e.counters.ReleaseRunning(s.clientID)
			e.logger.Info().
				Str("client_id", s.clientID).
				Str("job_id", entry.JobID).
				Msg("discarded unsubmitted job during recovery")
		}
		return removed
	}

	fctx, cancel := context.WithTimeout(ctx, e.reconcileTimeout)
	defer cancel()
	result, err := e.gateway.FetchExisting(fctx, entry.PromptID, true)

	switch {
	case err == nil:
		e.finalize(s, entry.JobID, domain.JobStatusSuccess, result.Images, "")
		e.counters.ReleaseRunning(s.clientID)
		e.logger.Info().
			Str("client_id", s.clientID).
			Str("job_id", entry.JobID).
			Str("prompt_id", entry.PromptID).
			Int("images", len(result.Images)).
			Msg("recovered completed job from remote history")
		return true

	case errors.Is(err, domain.ErrNotReady),
		errors.Is(err, domain.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		// Possibly still executing remotely; keep the entry running so a
		// later restore attempt can pick it up.
		e.logger.Debug().
			Str("client_id", s.clientID).
			Str("job_id", entry.JobID).
			Str("prompt_id", entry.PromptID).
			Msg("remote history not ready during recovery")
		return false

	default:
		e.finalize(s, entry.JobID, domain.JobStatusFailed, nil, e.failureMessage(err))
		e.counters.ReleaseRunning(s.clientID)
		e.logger.Warn().
			Err(err).
			Str("client_id", s.clientID).
			Str("job_id", entry.JobID).
			Msg("job failed during recovery")
		return true
	}
}
