package queue

import (
	"time"

	"comfygate/internal/domain"
)

// EntryPatch carries the fields an upsert may set on a history entry. Nil
// fields are left unchanged, which is what makes re-applying the same patch
// idempotent.
type EntryPatch struct {
	Status         *domain.JobStatus
	PositivePrompt *string
	NegativePrompt *string
	Seed           *int64
	Width          *int
	Height         *int
	PromptID       *string
	Images         *[]string
	CompletedAt    *time.Time
	Error          *string
}

// History is the per-session record of job outcomes keyed by job id, in
// insertion order.
type History struct {
	entries []domain.HistoryEntry
}

// Upsert merges the patch into the entry with the given job id, creating the
// entry if it does not exist. There is never more than one entry per job id.
func (h *History) Upsert(jobID string, patch EntryPatch) {
	for i := range h.entries {
		if h.entries[i].JobID == jobID {
			applyPatch(&h.entries[i], patch)
			return
		}
	}
	entry := domain.HistoryEntry{JobID: jobID}
	applyPatch(&entry, patch)
	h.entries = append(h.entries, entry)
}

func applyPatch(e *domain.HistoryEntry, p EntryPatch) {
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.PositivePrompt != nil {
		e.PositivePrompt = *p.PositivePrompt
	}
	if p.NegativePrompt != nil {
		e.NegativePrompt = *p.NegativePrompt
	}
	if p.Seed != nil {
		e.Seed = *p.Seed
	}
	if p.Width != nil {
		e.Width = *p.Width
	}
	if p.Height != nil {
		e.Height = *p.Height
	}
	if p.PromptID != nil {
		e.PromptID = *p.PromptID
	}
	if p.Images != nil {
		e.Images = append([]string(nil), (*p.Images)...)
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		e.CompletedAt = &t
	}
	if p.Error != nil {
		e.Error = *p.Error
	}
}

// Get returns the entry for the given job id.
func (h *History) Get(jobID string) (domain.HistoryEntry, bool) {
	for _, e := range h.entries {
		if e.JobID == jobID {
			return e, true
		}
	}
	return domain.HistoryEntry{}, false
}

// Entries returns a copy of all entries in insertion order.
func (h *History) Entries() []domain.HistoryEntry {
	out := make([]domain.HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Running returns the entries still marked running.
func (h *History) Running() []domain.HistoryEntry {
	var out []domain.HistoryEntry
	for _, e := range h.entries {
		if e.Status == domain.JobStatusRunning {
			out = append(out, e)
		}
	}
	return out
}

// Delete removes the entry with the given job id and returns it.
func (h *History) Delete(jobID string) (domain.HistoryEntry, bool) {
	for i, e := range h.entries {
		if e.JobID == jobID {
			h.entries = append(h.entries[:i], h.entries[i+1:]...)
			return e, true
		}
	}
	return domain.HistoryEntry{}, false
}

// Clear drops every entry and returns the removed records so the caller can
// free associated image blobs.
func (h *History) Clear() []domain.HistoryEntry {
	out := h.entries
	h.entries = nil
	return out
}

// PruneCompletedBefore removes terminal entries completed before the cutoff
// and returns the removed records.
func (h *History) PruneCompletedBefore(cutoff time.Time) []domain.HistoryEntry {
	var kept, removed []domain.HistoryEntry
	for _, e := range h.entries {
		if e.Status.Terminal() && e.CompletedAt != nil && e.CompletedAt.Before(cutoff) {
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	h.entries = kept
	return removed
}

// Replace swaps the history contents, used when restoring a snapshot.
func (h *History) Replace(entries []domain.HistoryEntry) {
	h.entries = append([]domain.HistoryEntry(nil), entries...)
}
