// ABOUTME: Admin HTTP API for task submission, worker inspection, codes, and credentials.
// ABOUTME: Bearer-token protected; the event feed streams over SSE per tenant.

package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fleet-gateway/internal/scheduler"
	"github.com/2389/fleet-gateway/internal/store"
)

// SubmitTaskRequest is the JSON request body for POST /api/tasks.
type SubmitTaskRequest struct {
	TenantID     string   `json:"tenant_id"`
	Description  string   `json:"description"`
	RequiredTags []string `json:"required_tags,omitempty"`
	Priority     string   `json:"priority,omitempty"`
	MaxRetries   int      `json:"max_retries,omitempty"`
}

// TaskResponse is the JSON view of a task.
type TaskResponse struct {
	ID               string   `json:"id"`
	TenantID         string   `json:"tenant_id"`
	Description      string   `json:"description"`
	RequiredTags     []string `json:"required_tags,omitempty"`
	Status           string   `json:"status"`
	Priority         string   `json:"priority"`
	AssignedWorkerID *string  `json:"assigned_worker_id,omitempty"`
	Result           string   `json:"result,omitempty"`
	Error            string   `json:"error,omitempty"`
	RetryCount       int      `json:"retry_count"`
	MaxRetries       int      `json:"max_retries"`
	CreatedAt        string   `json:"created_at"`
}

// WorkerResponse is the JSON view of a worker.
type WorkerResponse struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Capabilities   []string `json:"capabilities,omitempty"`
	Status         string   `json:"status"`
	Connected      bool     `json:"connected"`
	CurrentTaskID  *string  `json:"current_task_id,omitempty"`
	CompletedCount int      `json:"completed_count"`
	AvgDurationMS  int64    `json:"avg_duration_ms"`
	LastSeen       string   `json:"last_seen"`
}

// CreateCodeRequest is the JSON request body for POST /api/codes.
type CreateCodeRequest struct {
	TenantID string `json:"tenant_id"`
	MaxUses  int    `json:"max_uses,omitempty"`
	TTL      string `json:"ttl,omitempty"`
}

// CreateCodeResponse is the JSON response for POST /api/codes.
type CreateCodeResponse struct {
	Code      string `json:"code"`
	TenantID  string `json:"tenant_id"`
	MaxUses   int    `json:"max_uses"`
	ExpiresAt string `json:"expires_at"`
}

// UpsertCredentialRequest is the JSON request body for POST /api/credentials.
type UpsertCredentialRequest struct {
	TenantID string `json:"tenant_id"`
	Key      string `json:"key"`
	Value    string `json:"value"`
}

func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/tasks", g.requireAdmin(g.handleTasks))
	mux.HandleFunc("/api/tasks/", g.requireAdmin(g.handleTaskByID))
	mux.HandleFunc("/api/workers", g.requireAdmin(g.handleListWorkers))
	mux.HandleFunc("/api/codes", g.requireAdmin(g.handleCreateCode))
	mux.HandleFunc("/api/credentials", g.requireAdmin(g.handleCredentials))
	mux.HandleFunc("/api/events", g.requireAdmin(g.handleEventFeed))
}

// requireAdmin guards an endpoint with the configured admin token.
func (g *Gateway) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if g.config.Auth.AdminToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(g.config.Auth.AdminToken)) != 1 {
			g.sendJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (g *Gateway) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		g.handleSubmitTask(w, r)
	case http.MethodGet:
		g.handleListTasks(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (g *Gateway) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TenantID == "" || req.Description == "" {
		g.sendJSONError(w, http.StatusBadRequest, "tenant_id and description are required")
		return
	}

	taskID, err := g.scheduler.Submit(r.Context(), req.TenantID, req.Description,
		req.RequiredTags, store.TaskPriority(req.Priority), req.MaxRetries)
	if err != nil {
		if errors.Is(err, scheduler.ErrInvalidPriority) {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		g.logger.Error("task submission failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"task_id": taskID})
}

func (g *Gateway) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	status := store.TaskStatus(r.URL.Query().Get("status"))
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	tasks, err := g.store.ListTasks(r.Context(), tenantID, status, limit)
	if err != nil {
		g.logger.Error("listing tasks failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]TaskResponse, 0, len(tasks))
	for _, task := range tasks {
		response = append(response, taskResponse(task))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (g *Gateway) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if taskID == "" || strings.Contains(taskID, "/") {
		g.sendJSONError(w, http.StatusNotFound, "task not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		task, err := g.store.GetTask(r.Context(), taskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				g.sendJSONError(w, http.StatusNotFound, "task not found")
				return
			}
			g.logger.Error("loading task failed", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(taskResponse(task))

	case http.MethodDelete:
		err := g.scheduler.Cancel(r.Context(), taskID)
		switch {
		case err == nil:
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, store.ErrNotFound):
			g.sendJSONError(w, http.StatusNotFound, "task not found")
		case errors.Is(err, scheduler.ErrNotCancellable):
			g.sendJSONError(w, http.StatusConflict, err.Error())
		default:
			g.logger.Error("cancelling task failed", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		}

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (g *Gateway) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	workers, err := g.store.ListWorkers(r.Context(), tenantID)
	if err != nil {
		g.logger.Error("listing workers failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]WorkerResponse, 0, len(workers))
	for _, worker := range workers {
		response = append(response, WorkerResponse{
			ID:             worker.ID,
			Name:           worker.Name,
			Capabilities:   worker.Capabilities,
			Status:         string(worker.Status),
			Connected:      g.registry.IsOnline(worker.ID),
			CurrentTaskID:  worker.CurrentTaskID,
			CompletedCount: worker.CompletedCount,
			AvgDurationMS:  worker.AvgDurationMS,
			LastSeen:       worker.LastSeen.UTC().Format(time.RFC3339),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (g *Gateway) handleCreateCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req CreateCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TenantID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	maxUses := req.MaxUses
	if maxUses <= 0 {
		maxUses = 1
	}
	ttl := 24 * time.Hour
	if req.TTL != "" {
		parsed, err := time.ParseDuration(req.TTL)
		if err != nil || parsed <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "invalid ttl")
			return
		}
		ttl = parsed
	}

	code := &store.ConnectionCode{
		Code:      uuid.New().String(),
		TenantID:  req.TenantID,
		MaxUses:   maxUses,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}
	if err := g.store.CreateConnectionCode(r.Context(), code); err != nil {
		g.logger.Error("creating connection code failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateCodeResponse{
		Code:      code.Code,
		TenantID:  code.TenantID,
		MaxUses:   code.MaxUses,
		ExpiresAt: code.ExpiresAt.Format(time.RFC3339),
	})
}

func (g *Gateway) handleCredentials(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tenantID := r.URL.Query().Get("tenant_id")
		if tenantID == "" {
			g.sendJSONError(w, http.StatusBadRequest, "tenant_id is required")
			return
		}
		creds, err := g.store.ListCredentials(r.Context(), tenantID)
		if err != nil {
			g.logger.Error("listing credentials failed", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		// Keys only; values never leave the broker path.
		keys := make([]string, 0, len(creds))
		for _, cred := range creds {
			keys = append(keys, cred.Key)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string][]string{"keys": keys})

	case http.MethodPost:
		var req UpsertCredentialRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.TenantID == "" || req.Key == "" {
			g.sendJSONError(w, http.StatusBadRequest, "tenant_id and key are required")
			return
		}
		err := g.store.UpsertCredential(r.Context(), &store.Credential{
			TenantID: req.TenantID,
			Key:      req.Key,
			Value:    req.Value,
		})
		if err != nil {
			g.logger.Error("upserting credential failed", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		tenantID := r.URL.Query().Get("tenant_id")
		key := r.URL.Query().Get("key")
		if tenantID == "" || key == "" {
			g.sendJSONError(w, http.StatusBadRequest, "tenant_id and key are required")
			return
		}
		err := g.store.DeleteCredential(r.Context(), tenantID, key)
		switch {
		case err == nil:
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, store.ErrNotFound):
			g.sendJSONError(w, http.StatusNotFound, "credential not found")
		default:
			g.logger.Error("deleting credential failed", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		}

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleEventFeed streams a tenant's events as SSE until the client
// disconnects.
func (g *Gateway) handleEventFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	feed, subID := g.broadcaster.Subscribe(r.Context(), tenantID)
	defer g.broadcaster.Unsubscribe(tenantID, subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-feed:
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, data)
			flusher.Flush()
		}
	}
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func taskResponse(task *store.Task) TaskResponse {
	return TaskResponse{
		ID:               task.ID,
		TenantID:         task.TenantID,
		Description:      task.Description,
		RequiredTags:     task.RequiredTags,
		Status:           string(task.Status),
		Priority:         string(task.Priority),
		AssignedWorkerID: task.AssignedWorkerID,
		Result:           task.Result,
		Error:            task.Error,
		RetryCount:       task.RetryCount,
		MaxRetries:       task.MaxRetries,
		CreatedAt:        task.CreatedAt.UTC().Format(time.RFC3339),
	}
}
