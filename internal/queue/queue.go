// Package queue holds the in-process job queue and history store for one
// client session. Neither type locks internally: the owning session
// serializes access, keeping lock scope decisions in one place.
package queue

import "comfygate/internal/domain"

// JobPatch carries the mutable fields of a queued job. Nil fields are left
// unchanged; updates are last-write-wins on matching id.
type JobPatch struct {
	Status   *domain.JobStatus
	PromptID *string
}

// Queue is the ordered sequence of live jobs: append on submission, removed
// on terminal outcome.
type Queue struct {
	jobs []domain.Job
}

// Add appends a job to the tail of the queue.
func (q *Queue) Add(j domain.Job) {
	q.jobs = append(q.jobs, j)
}

// Jobs returns a copy of the queue in FIFO order.
func (q *Queue) Jobs() []domain.Job {
	out := make([]domain.Job, len(q.jobs))
	copy(out, q.jobs)
	return out
}

// Len reports the number of live jobs.
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Get returns the job with the given id.
func (q *Queue) Get(id string) (domain.Job, bool) {
	for _, j := range q.jobs {
		if j.ID == id {
			return j, true
		}
	}
	return domain.Job{}, false
}

// Update applies the patch to the job with the given id.
func (q *Queue) Update(id string, patch JobPatch) bool {
	for i := range q.jobs {
		if q.jobs[i].ID != id {
			continue
		}
		if patch.Status != nil {
			q.jobs[i].Status = *patch.Status
		}
		if patch.PromptID != nil {
			q.jobs[i].PromptID = *patch.PromptID
		}
		return true
	}
	return false
}

// Remove deletes the job with the given id and returns the removed record so
// the caller can release the slots its status was holding.
func (q *Queue) Remove(id string) (domain.Job, bool) {
	for i, j := range q.jobs {
		if j.ID == id {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			return j, true
		}
	}
	return domain.Job{}, false
}

// Replace swaps the queue contents, used when restoring a snapshot.
func (q *Queue) Replace(jobs []domain.Job) {
	q.jobs = append([]domain.Job(nil), jobs...)
}
