package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comfygate/internal/admission"
	"comfygate/internal/domain"
	"comfygate/internal/infra"
	"comfygate/internal/store"
)

// fakeGateway scripts the ComfyUI client behavior per test.
type fakeGateway struct {
	mu            sync.Mutex
	generateFn    func(ctx context.Context, workflow map[string]any, clientID string, onPromptID func(string)) (domain.GenerationResult, error)
	fetchFn       func(ctx context.Context, promptID string, fast bool) (domain.GenerationResult, error)
	generateCalls int
	fetchCalls    int
}

func (f *fakeGateway) Generate(ctx context.Context, workflow map[string]any, clientID string, onPromptID func(string)) (domain.GenerationResult, error) {
	f.mu.Lock()
	f.generateCalls++
	fn := f.generateFn
	f.mu.Unlock()
	if fn == nil {
		if onPromptID != nil {
			onPromptID("prompt-fake")
		}
		return resultWithImage("prompt-fake"), nil
	}
	return fn(ctx, workflow, clientID, onPromptID)
}

func (f *fakeGateway) FetchExisting(ctx context.Context, promptID string, fast bool) (domain.GenerationResult, error) {
	f.mu.Lock()
	f.fetchCalls++
	fn := f.fetchFn
	f.mu.Unlock()
	if fn == nil {
		return resultWithImage(promptID), nil
	}
	return fn(ctx, promptID, fast)
}

func (f *fakeGateway) generated() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generateCalls
}

func resultWithImage(promptID string) domain.GenerationResult {
	return domain.GenerationResult{
		PromptID: promptID,
		Images: []domain.ImageResult{
			{FileName: "out.png", MIMEType: "image/png", Data: []byte{0x89, 0x50}},
		},
	}
}

func testTemplate() map[string]any {
	return map[string]any{
		"1": map[string]any{
			"inputs": map[string]any{
				"text":     "{{positive_prompt}}",
				"negative": "{{negative_prompt}}",
				"seed":     "{{seed}}",
				"width":    "{{width}}",
				"height":   "{{height}}",
			},
		},
	}
}

func newTestEngine(t *testing.T, gw Gateway, limits admission.Limits) (*Engine, *admission.Counters, store.SnapshotStore) {
	t.Helper()
	counters := admission.NewCounters(limits)
	snapStore := store.NewMemoryStore()
	eng := New(Options{
		Gateway:          gw,
		Counters:         counters,
		Store:            snapStore,
		Template:         testTemplate(),
		Redactor:         infra.NewRedactor("http://comfy.internal:8188"),
		Logger:           zerolog.Nop(),
		RequestTimeout:   5 * time.Second,
		ReconcileTimeout: time.Second,
	})
	return eng, counters, snapStore
}

func waitForHistoryStatus(t *testing.T, eng *Engine, clientID, jobID string, want domain.JobStatus) domain.HistoryEntry {
	t.Helper()
	var entry domain.HistoryEntry
	require.Eventually(t, func() bool {
		entries, err := eng.History(context.Background(), clientID)
		if err != nil {
			return false
		}
		for _, e := range entries {
			if e.JobID == jobID && e.Status == want {
				entry = e
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
	return entry
}

func TestSubmitRunsJobToCompletion(t *testing.T) {
	gw := &fakeGateway{}
	eng, counters, _ := newTestEngine(t, gw, admission.Limits{PerUser: 1})

	job, err := eng.Submit(context.Background(), "client-1", SubmitRequest{
		PositivePrompt: "a fox in the snow",
		Seed:           42,
		Width:          512,
		Height:         768,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), job.Seed)

	entry := waitForHistoryStatus(t, eng, "client-1", job.ID, domain.JobStatusSuccess)
	assert.Equal(t, "prompt-fake", entry.PromptID)
	assert.Len(t, entry.Images, 1)
	assert.NotNil(t, entry.CompletedAt)

	blob, ok, err := eng.Image(context.Background(), "client-1", entry.Images[0])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "image/png", blob.MIME)

	require.Eventually(t, func() bool {
		snap := counters.Snapshot()
		return snap.Queued == 0 && snap.Running == 0
	}, 3*time.Second, 10*time.Millisecond, "all slots must be released")

	jobs, err := eng.Jobs(context.Background(), "client-1")
	require.NoError(t, err)
	assert.Empty(t, jobs, "finished job must leave the queue")
}

func TestSubmitRejectsEmptyPrompt(t *testing.T) {
	eng, _, _ := newTestEngine(t, &fakeGateway{}, admission.Limits{PerUser: 1})

	_, err := eng.Submit(context.Background(), "client-1", SubmitRequest{PositivePrompt: "   "})
	assert.ErrorIs(t, err, ErrEmptyPrompt)
}

func TestSubmitResolvesRandomSeed(t *testing.T) {
	eng, _, _ := newTestEngine(t, &fakeGateway{}, admission.Limits{PerUser: 1})

	job, err := eng.Submit(context.Background(), "client-1", SubmitRequest{
		PositivePrompt: "a fox",
		Seed:           -1,
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, job.Seed, int64(0))
	assert.Less(t, job.Seed, int64(1)<<31)
}

func TestSecondSubmissionWaitsForSlot(t *testing.T) {
	release := make(chan struct{})
	gw := &fakeGateway{
		generateFn: func(ctx context.Context, _ map[string]any, _ string, onPromptID func(string)) (domain.GenerationResult, error) {
			if onPromptID != nil {
				onPromptID("prompt-blocked")
			}
			select {
			case <-release:
				return resultWithImage("prompt-blocked"), nil
			case <-ctx.Done():
				return domain.GenerationResult{}, ctx.Err()
			}
		},
	}
	eng, counters, _ := newTestEngine(t, gw, admission.Limits{PerUser: 1})

	first, err := eng.Submit(context.Background(), "client-1", SubmitRequest{PositivePrompt: "first"})
	require.NoError(t, err)
	second, err := eng.Submit(context.Background(), "client-1", SubmitRequest{PositivePrompt: "second"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return gw.generated() == 1
	}, 2*time.Second, 10*time.Millisecond)

	jobs, err := eng.Jobs(context.Background(), "client-1")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, domain.JobStatusRunning, jobs[0].Status)
	assert.Equal(t, first.ID, jobs[0].ID)
	assert.Equal(t, domain.JobStatusQueued, jobs[1].Status)

	snap := counters.Snapshot()
	assert.Equal(t, 1, snap.Running)
	assert.Equal(t, 1, snap.Queued)

	close(release)

	waitForHistoryStatus(t, eng, "client-1", second.ID, domain.JobStatusSuccess)
	require.Eventually(t, func() bool {
		snap := counters.Snapshot()
		return snap.Queued == 0 && snap.Running == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestFailureRecordsRedactedError(t *testing.T) {
	gw := &fakeGateway{
		generateFn: func(context.Context, map[string]any, string, func(string)) (domain.GenerationResult, error) {
			return domain.GenerationResult{}, &domain.SubmissionError{
				StatusCode: 400,
				Body:       "node validation failed at http://comfy.internal:8188/prompt",
			}
		},
	}
	eng, counters, _ := newTestEngine(t, gw, admission.Limits{PerUser: 1})

	job, err := eng.Submit(context.Background(), "client-1", SubmitRequest{PositivePrompt: "a fox"})
	require.NoError(t, err)

	entry := waitForHistoryStatus(t, eng, "client-1", job.ID, domain.JobStatusFailed)
	assert.Contains(t, entry.Error, "rejected (400)")
	assert.Contains(t, entry.Error, "[REDACTED]")
	assert.NotContains(t, entry.Error, "comfy.internal")

	require.Eventually(t, func() bool {
		snap := counters.Snapshot()
		return snap.Queued == 0 && snap.Running == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestTimeoutRecordsFriendlyError(t *testing.T) {
	gw := &fakeGateway{
		generateFn: func(context.Context, map[string]any, string, func(string)) (domain.GenerationResult, error) {
			return domain.GenerationResult{}, domain.ErrTimeout
		},
	}
	eng, _, _ := newTestEngine(t, gw, admission.Limits{PerUser: 1})

	job, err := eng.Submit(context.Background(), "client-1", SubmitRequest{PositivePrompt: "a fox"})
	require.NoError(t, err)

	entry := waitForHistoryStatus(t, eng, "client-1", job.ID, domain.JobStatusFailed)
	assert.Contains(t, entry.Error, "timed out")
}

func seedSnapshot(t *testing.T, s store.SnapshotStore, clientID string, snap *store.Snapshot) {
	t.Helper()
	require.NoError(t, s.Save(context.Background(), clientID, snap))
}

func TestRecoveryDiscardsUnsubmittedJob(t *testing.T) {
	gw := &fakeGateway{}
	eng, _, snapStore := newTestEngine(t, gw, admission.Limits{PerUser: 1})

	seedSnapshot(t, snapStore, "client-1", &store.Snapshot{
		History: []domain.HistoryEntry{
			{JobID: "job-lost", Status: domain.JobStatusRunning, PositivePrompt: "a fox"},
		},
	})

	entries, err := eng.History(context.Background(), "client-1")
	require.NoError(t, err)
	assert.Empty(t, entries, "entry with no prompt id cannot be recovered")
	assert.Zero(t, gw.fetchCalls, "no remote lookup without a prompt id")
}

func TestRecoveryFinalizesCompletedJob(t *testing.T) {
	gw := &fakeGateway{}
	eng, counters, snapStore := newTestEngine(t, gw, admission.Limits{PerUser: 1})

	seedSnapshot(t, snapStore, "client-1", &store.Snapshot{
		History: []domain.HistoryEntry{
			{JobID: "job-done", Status: domain.JobStatusRunning, PromptID: "prompt-done"},
		},
	})

	entries, err := eng.History(context.Background(), "client-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.JobStatusSuccess, entries[0].Status)
	assert.Len(t, entries[0].Images, 1)
	assert.NotNil(t, entries[0].CompletedAt)

	snap := counters.Snapshot()
	assert.Zero(t, snap.Running)
}

func TestRecoveryKeepsInFlightJobRunning(t *testing.T) {
	gw := &fakeGateway{
		fetchFn: func(ctx context.Context, promptID string, fast bool) (domain.GenerationResult, error) {
			assert.True(t, fast, "recovery must use the single-fetch mode")
			return domain.GenerationResult{}, domain.ErrNotReady
		},
	}
	eng, _, snapStore := newTestEngine(t, gw, admission.Limits{PerUser: 1})

	seedSnapshot(t, snapStore, "client-1", &store.Snapshot{
		History: []domain.HistoryEntry{
			{JobID: "job-slow", Status: domain.JobStatusRunning, PromptID: "prompt-slow"},
		},
	})

	entries, err := eng.History(context.Background(), "client-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.JobStatusRunning, entries[0].Status)

	// The sweep is one-shot: a second read must not hit the remote again.
	_, err = eng.History(context.Background(), "client-1")
	require.NoError(t, err)
	assert.Equal(t, 1, gw.fetchCalls)
}

func TestRecoveryRequeuesQueuedJobs(t *testing.T) {
	release := make(chan struct{})
	gw := &fakeGateway{
		generateFn: func(ctx context.Context, _ map[string]any, _ string, _ func(string)) (domain.GenerationResult, error) {
			<-release
			return resultWithImage("prompt-requeued"), nil
		},
	}
	eng, counters, snapStore := newTestEngine(t, gw, admission.Limits{PerUser: 1})

	seedSnapshot(t, snapStore, "client-1", &store.Snapshot{
		Jobs: []domain.Job{
			{ID: "job-waiting", Status: domain.JobStatusQueued, PositivePrompt: "a fox", Seed: 7, Width: 512, Height: 512},
		},
	})

	jobs, err := eng.Jobs(context.Background(), "client-1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.Eventually(t, func() bool {
		return gw.generated() == 1
	}, 2*time.Second, 10*time.Millisecond, "restored queued job is dispatched on first touch")

	snap := counters.Snapshot()
	assert.Equal(t, 1, snap.Running)
	close(release)

	waitForHistoryStatus(t, eng, "client-1", "job-waiting", domain.JobStatusSuccess)
	require.Eventually(t, func() bool {
		snap := counters.Snapshot()
		return snap.Queued == 0 && snap.Running == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRestoreImagesReattachesResult(t *testing.T) {
	gw := &fakeGateway{
		fetchFn: func(ctx context.Context, promptID string, fast bool) (domain.GenerationResult, error) {
			assert.False(t, fast, "restore must use the polling mode")
			return resultWithImage(promptID), nil
		},
	}
	eng, _, snapStore := newTestEngine(t, gw, admission.Limits{PerUser: 1})

	completed := time.Now().UTC().Add(-time.Minute)
	seedSnapshot(t, snapStore, "client-1", &store.Snapshot{
		History: []domain.HistoryEntry{
			{JobID: "job-lost-images", Status: domain.JobStatusSuccess, PromptID: "prompt-x", CompletedAt: &completed},
		},
	})

	entry, err := eng.RestoreImages(context.Background(), "client-1", "job-lost-images")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSuccess, entry.Status)
	require.Len(t, entry.Images, 1)

	blob, ok, err := eng.Image(context.Background(), "client-1", entry.Images[0])
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, blob.Data)
}

func TestRestoreImagesUnknownJob(t *testing.T) {
	eng, _, _ := newTestEngine(t, &fakeGateway{}, admission.Limits{PerUser: 1})

	_, err := eng.RestoreImages(context.Background(), "client-1", "nope")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestRestoreImagesWithoutPromptID(t *testing.T) {
	eng, _, snapStore := newTestEngine(t, &fakeGateway{}, admission.Limits{PerUser: 1})

	completed := time.Now().UTC()
	seedSnapshot(t, snapStore, "client-1", &store.Snapshot{
		History: []domain.HistoryEntry{
			{JobID: "job-no-prompt", Status: domain.JobStatusFailed, CompletedAt: &completed},
		},
	})

	_, err := eng.RestoreImages(context.Background(), "client-1", "job-no-prompt")
	assert.ErrorIs(t, err, ErrNoPromptID)
}

func TestDeleteHistoryRemovesEntryAndImages(t *testing.T) {
	gw := &fakeGateway{}
	eng, _, _ := newTestEngine(t, gw, admission.Limits{PerUser: 1})

	job, err := eng.Submit(context.Background(), "client-1", SubmitRequest{PositivePrompt: "a fox"})
	require.NoError(t, err)
	entry := waitForHistoryStatus(t, eng, "client-1", job.ID, domain.JobStatusSuccess)
	imageID := entry.Images[0]

	deleted, err := eng.DeleteHistory(context.Background(), "client-1", job.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	entries, err := eng.History(context.Background(), "client-1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, ok, err := eng.Image(context.Background(), "client-1", imageID)
	require.NoError(t, err)
	assert.False(t, ok, "blob must be dropped with the entry")

	deleted, err = eng.DeleteHistory(context.Background(), "client-1", job.ID)
	require.NoError(t, err)
	assert.False(t, deleted, "second delete is a no-op")
}

func TestClearHistory(t *testing.T) {
	gw := &fakeGateway{}
	eng, _, _ := newTestEngine(t, gw, admission.Limits{PerUser: 2})

	first, err := eng.Submit(context.Background(), "client-1", SubmitRequest{PositivePrompt: "one"})
	require.NoError(t, err)
	second, err := eng.Submit(context.Background(), "client-1", SubmitRequest{PositivePrompt: "two"})
	require.NoError(t, err)

	waitForHistoryStatus(t, eng, "client-1", first.ID, domain.JobStatusSuccess)
	waitForHistoryStatus(t, eng, "client-1", second.ID, domain.JobStatusSuccess)

	removed, err := eng.ClearHistory(context.Background(), "client-1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	entries, err := eng.History(context.Background(), "client-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStatusReportsCountersAndLimits(t *testing.T) {
	release := make(chan struct{})
	gw := &fakeGateway{
		generateFn: func(ctx context.Context, _ map[string]any, _ string, _ func(string)) (domain.GenerationResult, error) {
			<-release
			return resultWithImage("p"), nil
		},
	}
	eng, _, _ := newTestEngine(t, gw, admission.Limits{PerUser: 1, Global: 4})

	_, err := eng.Submit(context.Background(), "client-1", SubmitRequest{PositivePrompt: "a fox"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return gw.generated() == 1
	}, 2*time.Second, 10*time.Millisecond)

	status, err := eng.Status(context.Background(), "client-1")
	require.NoError(t, err)
	assert.Equal(t, 1, status.Running)
	assert.Equal(t, 1, status.UserRunning)
	assert.Equal(t, 1, status.PerUserLimit)
	assert.Equal(t, 4, status.GlobalLimit)
	assert.Equal(t, 1, status.QueueLength)
	close(release)
}

func TestHistoryPrunesExpiredEntries(t *testing.T) {
	gw := &fakeGateway{}
	counters := admission.NewCounters(admission.Limits{PerUser: 1})
	snapStore := store.NewMemoryStore()
	eng := New(Options{
		Gateway:          gw,
		Counters:         counters,
		Store:            snapStore,
		Template:         testTemplate(),
		Logger:           zerolog.Nop(),
		RequestTimeout:   5 * time.Second,
		ReconcileTimeout: time.Second,
		HistoryTTL:       time.Minute,
	})

	old := time.Now().UTC().Add(-2 * time.Minute)
	fresh := time.Now().UTC()
	seedSnapshot(t, snapStore, "client-1", &store.Snapshot{
		History: []domain.HistoryEntry{
			{JobID: "job-old", Status: domain.JobStatusSuccess, PromptID: "p1", CompletedAt: &old},
			{JobID: "job-new", Status: domain.JobStatusSuccess, PromptID: "p2", CompletedAt: &fresh},
		},
	})

	entries, err := eng.History(context.Background(), "client-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "job-new", entries[0].JobID)
}

func TestSessionsAreIsolated(t *testing.T) {
	gw := &fakeGateway{}
	eng, _, _ := newTestEngine(t, gw, admission.Limits{PerUser: 1})

	job, err := eng.Submit(context.Background(), "client-a", SubmitRequest{PositivePrompt: "a fox"})
	require.NoError(t, err)
	waitForHistoryStatus(t, eng, "client-a", job.ID, domain.JobStatusSuccess)

	entries, err := eng.History(context.Background(), "client-b")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGatewayErrorIsNotRetriedForever(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	gw := &fakeGateway{
		generateFn: func(context.Context, map[string]any, string, func(string)) (domain.GenerationResult, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return domain.GenerationResult{}, errors.New("connection refused")
		},
	}
	eng, _, _ := newTestEngine(t, gw, admission.Limits{PerUser: 1})

	job, err := eng.Submit(context.Background(), "client-1", SubmitRequest{PositivePrompt: "a fox"})
	require.NoError(t, err)
	waitForHistoryStatus(t, eng, "client-1", job.ID, domain.JobStatusFailed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "a failed job is terminal, not retried")
}
