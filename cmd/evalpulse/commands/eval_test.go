package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jobgate/evalpulse/errors"
	"github.com/jobgate/evalpulse/evaluation"
	"github.com/jobgate/evalpulse/journal"
	"github.com/jobgate/evalpulse/pulse/poll"
	"github.com/jobgate/evalpulse/pulse/status"
)

// scriptedBackend completes every job after the configured number of fetches.
// Targets listed in conflicts are rejected at start.
type scriptedBackend struct {
	fetchesToComplete int
	conflicts         map[string]bool

	mu       sync.Mutex
	fetches  map[poll.JobReference]int
	inFlight atomic.Int32
	peak     atomic.Int32
}

func newScriptedBackend(fetchesToComplete int) *scriptedBackend {
	return &scriptedBackend{
		fetchesToComplete: fetchesToComplete,
		conflicts:         map[string]bool{},
		fetches:           map[poll.JobReference]int{},
	}
}

func (b *scriptedBackend) StartJob(ctx context.Context, targetID string, force bool) (*evaluation.StartResponse, error) {
	if b.conflicts[targetID] {
		return nil, errors.NewConflictError("evaluation exists for %s", targetID)
	}
	n := b.inFlight.Add(1)
	for {
		peak := b.peak.Load()
		if n <= peak || b.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	return &evaluation.StartResponse{JobID: poll.JobReference("job-" + targetID)}, nil
}

func (b *scriptedBackend) FetchStatus(ctx context.Context, ref poll.JobReference) (*status.Snapshot, error) {
	b.mu.Lock()
	b.fetches[ref]++
	n := b.fetches[ref]
	b.mu.Unlock()

	if n < b.fetchesToComplete {
		return &status.Snapshot{Status: "processing"}, nil
	}
	b.inFlight.Add(-1)
	return &status.Snapshot{Status: "completed", Result: json.RawMessage(`{"score":7}`)}, nil
}

func newTestTracker(t *testing.T, backend evaluation.Backend) *evaluation.Tracker {
	t.Helper()
	tracker := evaluation.NewTracker(backend, poll.Options{Interval: 10 * time.Millisecond, MaxAttempts: 20}, zap.NewNop().Sugar())
	t.Cleanup(tracker.Close)
	return tracker
}

func TestStartAndWait_Completes(t *testing.T) {
	tracker := newTestTracker(t, newScriptedBackend(2))

	var ticks atomic.Int32
	summary, err := startAndWait(context.Background(), tracker, "42", evaluation.Options{
		OnTick: func(poll.Tick) { ticks.Add(1) },
	})
	require.NoError(t, err)

	assert.Equal(t, "42", summary.TargetID)
	assert.Equal(t, poll.JobReference("job-42"), summary.JobID)
	assert.Equal(t, poll.StateCompleted, summary.State)
	assert.Equal(t, 2, summary.Attempts)
	assert.JSONEq(t, `{"score":7}`, string(summary.Result))
	assert.Equal(t, int32(2), ticks.Load())
}

func TestStartAndWait_StartErrorHasNoSession(t *testing.T) {
	backend := newScriptedBackend(1)
	backend.conflicts["42"] = true
	tracker := newTestTracker(t, backend)

	summary, err := startAndWait(context.Background(), tracker, "42", evaluation.Options{})
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))
	assert.Empty(t, summary.ID)
}

func TestStartAndWait_ContextCancelsSession(t *testing.T) {
	tracker := newTestTracker(t, newScriptedBackend(1000))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	summary, err := startAndWait(ctx, tracker, "42", evaluation.Options{})
	require.Error(t, err)
	assert.True(t, errors.IsCancelled(err), "got %v", err)
	assert.Equal(t, poll.StateCancelled, summary.State)
	assert.Empty(t, tracker.List())
}

func TestRunBatch_RespectsConcurrency(t *testing.T) {
	backend := newScriptedBackend(3)
	tracker := newTestTracker(t, backend)

	targets := []string{"1", "2", "3", "4", "5", "6"}
	var done atomic.Int32
	results, err := runBatch(context.Background(), tracker, targets, 2, evaluation.Options{}, func(batchResult) {
		done.Add(1)
	})
	require.NoError(t, err)

	require.Len(t, results, len(targets))
	for i, r := range results {
		assert.Equal(t, targets[i], r.TargetID, "results keep input order")
		require.NotNil(t, r.Session)
		assert.Equal(t, poll.StateCompleted, r.Session.State)
		assert.Empty(t, r.Error)
	}
	assert.Equal(t, int32(len(targets)), done.Load())
	assert.LessOrEqual(t, backend.peak.Load(), int32(2))
}

func TestRunBatch_FailuresDoNotStopOthers(t *testing.T) {
	backend := newScriptedBackend(1)
	backend.conflicts["2"] = true
	tracker := newTestTracker(t, backend)

	results, err := runBatch(context.Background(), tracker, []string{"1", "2", "3"}, 3, evaluation.Options{}, nil)
	require.NoError(t, err)

	assert.NotNil(t, results[0].Session)
	assert.Nil(t, results[1].Session)
	assert.Contains(t, results[1].Error, "evaluation exists for 2")
	assert.NotNil(t, results[2].Session)
}

func TestRunBatch_InvalidConcurrency(t *testing.T) {
	tracker := newTestTracker(t, newScriptedBackend(1))
	_, err := runBatch(context.Background(), tracker, []string{"1"}, 0, evaluation.Options{}, nil)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestRunBatch_Interrupted(t *testing.T) {
	tracker := newTestTracker(t, newScriptedBackend(1000))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	results, err := runBatch(ctx, tracker, []string{"1", "2"}, 2, evaluation.Options{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCancelled(err))
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NotEmpty(t, r.Error)
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	err := printSummary(&buf, evaluation.Summary{
		SessionInfo: evaluation.SessionInfo{ID: "s-1", TargetID: "42", JobID: "job-42"},
		State:       poll.StateCompleted,
		Attempts:    3,
		Result:      json.RawMessage(`{"score":7}`),
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "Session:  s-1")
	assert.Contains(t, out, "Job:      job-42")
	assert.Contains(t, out, "Attempts: 3")
	assert.Contains(t, out, `"score": 7`)

	buf.Reset()
	require.NoError(t, printSummary(&buf, evaluation.Summary{
		SessionInfo:  evaluation.SessionInfo{ID: "s-2", TargetID: "43", Immediate: true},
		State:        poll.StateCompleted,
		ErrorMessage: "",
	}))
	assert.Contains(t, buf.String(), "existing evaluation")
	assert.NotContains(t, buf.String(), "Job:")
}

func TestPrintBatchAndHistory(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printBatch(&buf, []batchResult{
		{TargetID: "41", Session: &evaluation.Summary{State: poll.StateCompleted, Attempts: 2}},
		{TargetID: "42", Error: "conflict"},
	}))
	assert.Contains(t, buf.String(), "41")
	assert.Contains(t, buf.String(), "conflict")

	buf.Reset()
	require.NoError(t, printHistory(&buf, nil))
	assert.Contains(t, buf.String(), "No evaluations recorded yet")

	buf.Reset()
	require.NoError(t, printHistory(&buf, []journal.Entry{
		{ID: "0123456789abcdef", TargetID: "42", State: poll.StateTimedOut, Attempts: 60, StartedAt: time.Now()},
	}))
	assert.Contains(t, buf.String(), "01234567")
	assert.NotContains(t, buf.String(), "0123456789abcdef")
	assert.Contains(t, buf.String(), "timed_out")
}

func TestPrintStats(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printStats(&buf, journal.Stats{
		Total:           3,
		ByState:         map[poll.State]int{poll.StateCompleted: 2, poll.StateFailed: 1},
		Immediate:       1,
		AverageAttempts: 2.5,
	}))
	out := buf.String()
	assert.Contains(t, out, "Total:            3")
	assert.Contains(t, out, "completed")
	assert.NotContains(t, out, "cancelled")
	assert.Contains(t, out, "2.5")
}

func TestTickText(t *testing.T) {
	tick := poll.Tick{Attempt: 2, MaxAttempts: 60, Classification: status.Classify("processing")}
	assert.Contains(t, tickText("42", tick), "attempt 2/60, processing")

	tick.Err = errors.New("connection reset")
	assert.Contains(t, tickText("42", tick), "retrying")
}
