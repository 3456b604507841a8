package job

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRun(project string) *Run {
	return &Run{
		Project:     project,
		Destination: "/tmp/" + project,
		Jobs:        []FetchJob{{Sequence: 1, Filename: project + "_1.mseed"}},
	}
}

func TestStoreCancel(t *testing.T) {
	store := NewStore(10, 10)

	runID, err := store.Create(newTestRun("Campaign_A"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, store.SetCancel(runID, cancel))

	require.NoError(t, store.Cancel(runID))

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context should be canceled")
	}

	r, err := store.Get(runID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, r.Status)
	assert.NotNil(t, r.FinishedAt)
	assert.True(t, store.IsCanceled(runID))

	store.ClearCancel(runID)

	// Already finished
	assert.Error(t, store.Cancel(runID))
}

func TestStoreCanceledStatusIsSticky(t *testing.T) {
	store := NewStore(10, 10)

	runID, err := store.Create(newTestRun("sticky"))
	require.NoError(t, err)
	require.NoError(t, store.Cancel(runID))

	require.NoError(t, store.UpdateStatus(runID, StatusRunning))
	store.Finish(runID, Summary{Total: 0}, StatusSucceeded)

	r, err := store.Get(runID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, r.Status)
	require.NotNil(t, r.Summary)
}

func TestStoreLateCancelKeepsCompletionStatus(t *testing.T) {
	store := NewStore(10, 10)

	runID, err := store.Create(newTestRun("late"))
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(runID, StatusRunning))
	require.NoError(t, store.Cancel(runID))

	store.Finish(runID, Summary{Total: 1, Succeeded: 1}, StatusSucceeded)

	r, err := store.Get(runID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, r.Status)
	assert.Contains(t, r.LastError, "cancel requested")
	assert.NotNil(t, r.FinishedAt)
}

func TestStoreUnknownRun(t *testing.T) {
	store := NewStore(10, 10)

	_, err := store.Get("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(store.Cancel("missing"), ErrNotFound))
	assert.True(t, errors.Is(store.UpdateStatus("missing", StatusRunning), ErrNotFound))
	assert.True(t, errors.Is(store.SetCancel("missing", func() {}), ErrNotFound))

	// No-ops, must not panic
	store.RecordEvent("missing", Event{Type: EventStarted})
	store.UpdateError("missing", errors.New("boom"))
	store.Finish("missing", Summary{}, StatusSucceeded)
}

func TestStoreCreateQueueFull(t *testing.T) {
	store := NewStore(3, 10)

	for i := 0; i < 3; i++ {
		_, err := store.Create(newTestRun(fmt.Sprintf("p%d", i)))
		require.NoError(t, err, "Create() should succeed when queue has space")
	}

	id, err := store.Create(newTestRun("overflow"))
	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.Empty(t, id)

	// Rejected run must not be registered
	assert.Len(t, store.List(), 3)
}

func TestStoreRecordEventCountersAndHistory(t *testing.T) {
	store := NewStore(10, 4)

	runID, err := store.Create(newTestRun("history"))
	require.NoError(t, err)

	for seq := 1; seq <= 3; seq++ {
		j := FetchJob{Sequence: seq}
		store.RecordEvent(runID, Event{Type: EventStarted, Job: j})
		if seq == 2 {
			store.RecordEvent(runID, Event{Type: EventFailed, Job: j, Stage: StageFetch})
			continue
		}
		store.RecordEvent(runID, Event{Type: EventFetched, Job: j, TraceCount: 3})
		store.RecordEvent(runID, Event{Type: EventSaved, Job: j, Path: "x"})
	}

	r, err := store.Get(runID)
	require.NoError(t, err)
	assert.Equal(t, 3, r.JobsStarted)
	assert.Equal(t, 2, r.Succeeded)
	assert.Equal(t, 1, r.Failed)

	// Only the last 4 events are kept
	require.Len(t, r.Events, 4)
	assert.Equal(t, 2, r.Events[0].Job.Sequence)
	assert.Equal(t, EventFailed, r.Events[0].Type)
	assert.Equal(t, EventSaved, r.Events[3].Type)
}

func TestStoreGetReturnsSnapshot(t *testing.T) {
	store := NewStore(10, 10)

	runID, err := store.Create(newTestRun("snap"))
	require.NoError(t, err)
	store.RecordEvent(runID, Event{Type: EventStarted})

	r, err := store.Get(runID)
	require.NoError(t, err)
	r.Events[0].Type = EventFailed
	r.Jobs[0].Filename = "mutated"

	again, err := store.Get(runID)
	require.NoError(t, err)
	assert.Equal(t, EventStarted, again.Events[0].Type)
	assert.Equal(t, "snap_1.mseed", again.Jobs[0].Filename)
}

func TestStoreNextRun(t *testing.T) {
	store := NewStore(10, 10)

	runID, err := store.Create(newTestRun("next"))
	require.NoError(t, err)

	r, err := store.NextRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, runID, r.ID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.NextRun(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStoreCancelNoDataRace(t *testing.T) {
	store := NewStore(20, 10)

	ids := make([]string, 10)
	for i := range ids {
		id, err := store.Create(newTestRun(fmt.Sprintf("race%d", i)))
		require.NoError(t, err)
		ids[i] = id
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(3)
		go func(id string) {
			defer wg.Done()
			_, cancel := context.WithCancel(context.Background())
			_ = store.SetCancel(id, cancel)
		}(id)
		go func(id string) {
			defer wg.Done()
			store.RecordEvent(id, Event{Type: EventStarted})
			_, _ = store.Get(id)
		}(id)
		go func(id string) {
			defer wg.Done()
			_ = store.Cancel(id)
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		assert.True(t, store.IsCanceled(id))
	}
}
