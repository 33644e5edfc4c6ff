// ABOUTME: Tests for the Store implementations, run against SQLite and memory.
// ABOUTME: Validates conditional updates: code consumption, claims, terminal guards.

package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withStores runs fn against both store implementations.
func withStores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "fleet.db"))
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
}

func newTestWorker(id, tenant string) *Worker {
	return &Worker{
		ID:           id,
		TenantID:     tenant,
		Name:         "worker-" + id,
		Capabilities: []string{"browser"},
		Status:       WorkerOnline,
	}
}

func newTestTask(id, tenant string, priority TaskPriority) *Task {
	return &Task{
		ID:          id,
		TenantID:    tenant,
		Description: "do the thing",
		Priority:    priority,
		MaxRetries:  2,
	}
}

func TestWorker_CreateGet(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		w := newTestWorker("w1", "tenant-a")
		w.DeviceInfo = "macos/arm64"
		require.NoError(t, s.CreateWorker(ctx, w))

		got, err := s.GetWorker(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, "tenant-a", got.TenantID)
		assert.Equal(t, "macos/arm64", got.DeviceInfo)
		assert.Equal(t, []string{"browser"}, got.Capabilities)
		assert.Equal(t, WorkerOnline, got.Status)

		_, err = s.GetWorker(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestWorker_StatusAndHeartbeat(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateWorker(ctx, newTestWorker("w1", "tenant-a")))

		taskID := "t1"
		require.NoError(t, s.UpdateWorkerStatus(ctx, "w1", WorkerBusy, &taskID))

		got, err := s.GetWorker(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, WorkerBusy, got.Status)
		require.NotNil(t, got.CurrentTaskID)
		assert.Equal(t, "t1", *got.CurrentTaskID)

		at := time.Now().UTC().Truncate(time.Second)
		require.NoError(t, s.TouchWorkerHeartbeat(ctx, "w1", at))
		got, err = s.GetWorker(ctx, "w1")
		require.NoError(t, err)
		assert.WithinDuration(t, at, got.LastHeartbeat, time.Second)

		assert.ErrorIs(t, s.TouchWorkerHeartbeat(ctx, "missing", at), ErrNotFound)
	})
}

func TestWorker_CompletionRollingAverage(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateWorker(ctx, newTestWorker("w1", "tenant-a")))

		require.NoError(t, s.RecordWorkerCompletion(ctx, "w1", 10*time.Second))
		require.NoError(t, s.RecordWorkerCompletion(ctx, "w1", 20*time.Second))

		got, err := s.GetWorker(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, 2, got.CompletedCount)
		assert.Equal(t, int64(15000), got.AvgDurationMS)
	})
}

func TestWorkers_SchedulingOrder(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		busy := newTestWorker("w-busy", "tenant-a")
		busy.Status = WorkerBusy
		require.NoError(t, s.CreateWorker(ctx, busy))

		veteran := newTestWorker("w-veteran", "tenant-a")
		veteran.CompletedCount = 10
		require.NoError(t, s.CreateWorker(ctx, veteran))

		fresh := newTestWorker("w-fresh", "tenant-a")
		require.NoError(t, s.CreateWorker(ctx, fresh))

		require.NoError(t, s.CreateWorker(ctx, newTestWorker("w-other", "tenant-b")))

		workers, err := s.ListWorkersByStatus(ctx, "tenant-a", WorkerOnline)
		require.NoError(t, err)
		require.Len(t, workers, 2)
		assert.Equal(t, "w-fresh", workers[0].ID)
		assert.Equal(t, "w-veteran", workers[1].ID)
	})
}

func TestTask_ClaimConflict(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateTask(ctx, newTestTask("t1", "tenant-a", PriorityNormal)))

		require.NoError(t, s.ClaimTask(ctx, "t1", "w1"))
		assert.ErrorIs(t, s.ClaimTask(ctx, "t1", "w2"), ErrClaimConflict)

		got, err := s.GetTask(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, TaskAssigned, got.Status)
		require.NotNil(t, got.AssignedWorkerID)
		assert.Equal(t, "w1", *got.AssignedWorkerID)
		assert.NotNil(t, got.AssignedAt)
	})
}

func TestTask_FinishIsIdempotent(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateTask(ctx, newTestTask("t1", "tenant-a", PriorityNormal)))
		require.NoError(t, s.ClaimTask(ctx, "t1", "w1"))
		require.NoError(t, s.MarkTaskRunning(ctx, "t1"))

		require.NoError(t, s.FinishTask(ctx, "t1", TaskCompleted, "done", ""))

		// Second delivery of the same result is a no-op signal.
		err := s.FinishTask(ctx, "t1", TaskCompleted, "done", "")
		assert.ErrorIs(t, err, ErrTaskTerminal)

		got, err := s.GetTask(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, TaskCompleted, got.Status)
		assert.Equal(t, "done", got.Result)
		assert.NotNil(t, got.FinishedAt)
	})
}

func TestTask_FinishRequiresTerminalStatus(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateTask(ctx, newTestTask("t1", "tenant-a", PriorityNormal)))
		assert.Error(t, s.FinishTask(ctx, "t1", TaskRunning, "", ""))
	})
}

func TestTask_Requeue(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateTask(ctx, newTestTask("t1", "tenant-a", PriorityNormal)))
		require.NoError(t, s.ClaimTask(ctx, "t1", "w1"))
		require.NoError(t, s.MarkTaskRunning(ctx, "t1"))

		require.NoError(t, s.RequeueTask(ctx, "t1", "worker disconnected"))

		got, err := s.GetTask(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, TaskPending, got.Status)
		assert.Nil(t, got.AssignedWorkerID)
		assert.Nil(t, got.StartedAt)
		assert.Equal(t, 1, got.RetryCount)
		assert.Equal(t, "worker disconnected", got.Error)

		// Requeue of a pending task is a conflict, not a double increment.
		assert.ErrorIs(t, s.RequeueTask(ctx, "t1", "again"), ErrClaimConflict)
	})
}

func TestTask_Cancel(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateTask(ctx, newTestTask("t1", "tenant-a", PriorityNormal)))
		require.NoError(t, s.CancelTask(ctx, "t1"))

		got, err := s.GetTask(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, TaskCancelled, got.Status)

		// Cancelling twice hits the terminal guard.
		assert.ErrorIs(t, s.CancelTask(ctx, "t1"), ErrTaskTerminal)

		// Running tasks cannot be cancelled through the store.
		require.NoError(t, s.CreateTask(ctx, newTestTask("t2", "tenant-a", PriorityNormal)))
		require.NoError(t, s.ClaimTask(ctx, "t2", "w1"))
		require.NoError(t, s.MarkTaskRunning(ctx, "t2"))
		assert.ErrorIs(t, s.CancelTask(ctx, "t2"), ErrClaimConflict)
	})
}

func TestTask_ListPending(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		older := newTestTask("t1", "tenant-a", PriorityLow)
		older.CreatedAt = time.Now().UTC().Add(-time.Hour)
		require.NoError(t, s.CreateTask(ctx, older))
		require.NoError(t, s.CreateTask(ctx, newTestTask("t2", "tenant-b", PriorityUrgent)))

		claimed := newTestTask("t3", "tenant-a", PriorityNormal)
		require.NoError(t, s.CreateTask(ctx, claimed))
		require.NoError(t, s.ClaimTask(ctx, "t3", "w1"))

		pending, err := s.ListPendingTasks(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "t1", pending[0].ID)
		assert.Equal(t, "t2", pending[1].ID)
	})
}

func TestTask_ListQueuedDispatchOrder(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Hour)

		// Created oldest-first as low, urgent, normal, urgent.
		for i, p := range []TaskPriority{PriorityLow, PriorityUrgent, PriorityNormal, PriorityUrgent} {
			task := newTestTask(string(rune('a'+i)), "tenant-a", p)
			task.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			require.NoError(t, s.CreateTask(ctx, task))
		}
		require.NoError(t, s.CreateTask(ctx, newTestTask("other", "tenant-b", PriorityUrgent)))

		queued, err := s.ListQueuedTasks(ctx, "tenant-a", 0)
		require.NoError(t, err)
		require.Len(t, queued, 4)

		// Priority band first, then FIFO within a band.
		ids := []string{queued[0].ID, queued[1].ID, queued[2].ID, queued[3].ID}
		assert.Equal(t, []string{"b", "d", "c", "a"}, ids)

		limited, err := s.ListQueuedTasks(ctx, "tenant-a", 2)
		require.NoError(t, err)
		require.Len(t, limited, 2)
		assert.Equal(t, "b", limited[0].ID)
	})
}

func TestConnectionCode_Consume(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		require.NoError(t, s.CreateConnectionCode(ctx, &ConnectionCode{
			Code:      "join-me",
			TenantID:  "tenant-a",
			MaxUses:   2,
			ExpiresAt: now.Add(time.Hour),
		}))

		c, err := s.ConsumeConnectionCode(ctx, "join-me", now)
		require.NoError(t, err)
		assert.Equal(t, "tenant-a", c.TenantID)
		assert.Equal(t, 1, c.UsedCount)

		_, err = s.ConsumeConnectionCode(ctx, "join-me", now)
		require.NoError(t, err)

		_, err = s.ConsumeConnectionCode(ctx, "join-me", now)
		assert.ErrorIs(t, err, ErrCodeExhausted)

		_, err = s.ConsumeConnectionCode(ctx, "no-such-code", now)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestConnectionCode_Expired(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		require.NoError(t, s.CreateConnectionCode(ctx, &ConnectionCode{
			Code:      "stale",
			TenantID:  "tenant-a",
			MaxUses:   100,
			ExpiresAt: now.Add(-time.Minute),
		}))

		_, err := s.ConsumeConnectionCode(ctx, "stale", now)
		assert.ErrorIs(t, err, ErrCodeExhausted)
	})
}

func TestConnectionCode_ConcurrentConsume(t *testing.T) {
	// Exercises the race on the memory store; the SQLite path funnels
	// through a single conditional UPDATE and is covered sequentially above.
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	const maxUses = 3
	require.NoError(t, s.CreateConnectionCode(ctx, &ConnectionCode{
		Code:      "contended",
		TenantID:  "tenant-a",
		MaxUses:   maxUses,
		ExpiresAt: now.Add(time.Hour),
	}))

	const attempts = 20
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumeConnectionCode(ctx, "contended", now)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrCodeExhausted)
		}
	}
	assert.Equal(t, maxUses, succeeded)
}

func TestCredentials_CRUD(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.UpsertCredential(ctx, &Credential{
			TenantID: "tenant-a", Key: "portal_username", Value: "ops",
		}))
		require.NoError(t, s.UpsertCredential(ctx, &Credential{
			TenantID: "tenant-a", Key: "portal_password", Value: "hunter2",
		}))

		// Upsert replaces the value for an existing key.
		require.NoError(t, s.UpsertCredential(ctx, &Credential{
			TenantID: "tenant-a", Key: "portal_password", Value: "hunter3",
		}))

		got, err := s.GetCredential(ctx, "tenant-a", "portal_password")
		require.NoError(t, err)
		assert.Equal(t, "hunter3", got.Value)

		creds, err := s.ListCredentials(ctx, "tenant-a")
		require.NoError(t, err)
		require.Len(t, creds, 2)
		assert.Equal(t, "portal_password", creds[0].Key)
		assert.Equal(t, "portal_username", creds[1].Key)

		// Tenant isolation.
		creds, err = s.ListCredentials(ctx, "tenant-b")
		require.NoError(t, err)
		assert.Empty(t, creds)

		require.NoError(t, s.DeleteCredential(ctx, "tenant-a", "portal_username"))
		_, err = s.GetCredential(ctx, "tenant-a", "portal_username")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestUsageEvents(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		first := &UsageEvent{
			TenantID: "tenant-a", WorkerID: "w1", TaskID: "t1",
			DurationMS: 1200, Success: true,
			CreatedAt: time.Now().UTC().Add(-time.Minute),
		}
		require.NoError(t, s.SaveUsageEvent(ctx, first))
		require.NoError(t, s.SaveUsageEvent(ctx, &UsageEvent{
			TenantID: "tenant-a", WorkerID: "w1", TaskID: "t2",
			DurationMS: 800, Success: false,
		}))

		events, err := s.ListUsageEvents(ctx, "tenant-a", 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "t2", events[0].TaskID)
		assert.False(t, events[0].Success)
		assert.Equal(t, "t1", events[1].TaskID)
		assert.True(t, events[1].Success)

		events, err = s.ListUsageEvents(ctx, "tenant-a", 1)
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})
}

func TestPriorityRank(t *testing.T) {
	assert.Less(t, PriorityUrgent.Rank(), PriorityHigh.Rank())
	assert.Less(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Less(t, PriorityNormal.Rank(), PriorityLow.Rank())
	assert.Equal(t, PriorityNormal.Rank(), TaskPriority("bogus").Rank())
}
