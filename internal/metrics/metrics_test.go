// ABOUTME: Tests for the gateway's Prometheus collectors.
// ABOUTME: Validates registration, recording, and the exposition handler output.

package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordAndExpose(t *testing.T) {
	m := New()

	m.SetWorkersOnline(3)
	m.TaskSubmitted("high")
	m.TaskSubmitted("high")
	m.TaskSubmitted("normal")
	m.TaskAssigned()
	m.TaskCompleted()
	m.TaskFailed()
	m.TaskRequeued()
	m.TaskCancelled()
	m.ObserveTaskDuration(4.2)
	m.CredentialRequest("hit")
	m.CredentialRequest("miss")
	m.FrameDropped()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()

	assert.Contains(t, body, `fleet_workers_online 3`)
	assert.Contains(t, body, `fleet_tasks_submitted_total{priority="high"} 2`)
	assert.Contains(t, body, `fleet_tasks_submitted_total{priority="normal"} 1`)
	assert.Contains(t, body, `fleet_tasks_assigned_total 1`)
	assert.Contains(t, body, `fleet_tasks_completed_total 1`)
	assert.Contains(t, body, `fleet_task_duration_seconds_count 1`)
	assert.Contains(t, body, `fleet_credential_requests_total{outcome="hit"} 1`)
	assert.Contains(t, body, `fleet_frames_dropped_total 1`)
}

func TestMetrics_IndependentInstances(t *testing.T) {
	// Each instance has its own registry, so constructing two must not
	// panic on duplicate registration.
	a := New()
	b := New()

	a.TaskAssigned()

	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.NotContains(t, rec.Body.String(), "fleet_tasks_assigned_total 1")
}
