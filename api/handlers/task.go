package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"simRunner/api/dto"
	"simRunner/api/middleware"
	"simRunner/api/models"
	"simRunner/api/service"
	"simRunner/api/validation"
)

type Service interface {
	CreateTask(ctx context.Context, identity middleware.Identity, upload service.Upload, priority models.Priority) (*dto.TaskResponse, error)
	ListTasks(ctx context.Context, identity middleware.Identity) ([]*dto.TaskResponse, error)
	GetTaskStatus(ctx context.Context, identity middleware.Identity, taskID string) (*dto.TaskResponse, error)
	GetLog(ctx context.Context, identity middleware.Identity, taskID string) (string, error)
	Download(ctx context.Context, identity middleware.Identity, taskID string) (string, string, error)
	Cancel(ctx context.Context, identity middleware.Identity, taskID string) (*dto.CancelResponse, error)
	Delete(ctx context.Context, identity middleware.Identity, taskID string) error
	GetStats(ctx context.Context) (*dto.StatsResponse, error)
}

type TaskHandler struct {
	service     Service
	maxFileSize int64
	logger      *zap.Logger
}

func NewTaskHandler(service Service, maxFileSize int64, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		service:     service,
		maxFileSize: maxFileSize,
		logger:      logger,
	}
}

func (h *TaskHandler) Upload(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())
	identity := middleware.GetIdentity(r.Context())

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		h.handleError(w, "Failed to parse form", err, traceID, http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.handleError(w, "No file selected", err, traceID, http.StatusBadRequest)
		return
	}
	defer file.Close()

	if err := validation.CheckUpload(header, h.maxFileSize); err != nil {
		h.handleError(w, err.Error(), err, traceID, http.StatusBadRequest)
		return
	}

	priority := models.ParsePriority(r.FormValue("priority"))

	resp, err := h.service.CreateTask(r.Context(), identity, service.Upload{
		Filename: header.Filename,
		File:     file,
	}, priority)
	if err != nil {
		h.handleError(w, "Failed to create task", err, traceID, http.StatusInternalServerError)
		return
	}

	h.logger.Info("File uploaded",
		zap.String("trace_id", traceID),
		zap.String("task_id", resp.ID),
		zap.String("filename", header.Filename),
		zap.String("priority", string(priority)),
	)

	h.respondJSON(w, http.StatusCreated, resp)
}

func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())
	identity := middleware.GetIdentity(r.Context())

	if r.Method == http.MethodDelete {
		h.delete(w, r)
		return
	}

	tasks, err := h.service.ListTasks(r.Context(), identity)
	if err != nil {
		h.handleError(w, "Failed to list tasks", err, traceID, http.StatusInternalServerError)
		return
	}

	h.respondJSON(w, http.StatusOK, tasks)
}

func (h *TaskHandler) Status(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())
	identity := middleware.GetIdentity(r.Context())

	taskID := strings.TrimPrefix(r.URL.Path, "/status/")
	if taskID == "" {
		h.handleError(w, "Task ID is required", nil, traceID, http.StatusBadRequest)
		return
	}

	resp, err := h.service.GetTaskStatus(r.Context(), identity, taskID)
	if err != nil {
		h.serviceError(w, "Failed to get task status", err, traceID)
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

func (h *TaskHandler) Logs(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())
	identity := middleware.GetIdentity(r.Context())

	taskID := strings.TrimPrefix(r.URL.Path, "/logs/")
	if taskID == "" {
		h.handleError(w, "Task ID is required", nil, traceID, http.StatusBadRequest)
		return
	}

	logText, err := h.service.GetLog(r.Context(), identity, taskID)
	if err != nil {
		h.serviceError(w, "Failed to get task log", err, traceID)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{"logs": logText})
}

func (h *TaskHandler) Download(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())
	identity := middleware.GetIdentity(r.Context())

	taskID := strings.TrimPrefix(r.URL.Path, "/download/")
	if taskID == "" {
		h.handleError(w, "Task ID is required", nil, traceID, http.StatusBadRequest)
		return
	}

	path, name, err := h.service.Download(r.Context(), identity, taskID)
	if err != nil {
		h.serviceError(w, "Failed to download result", err, traceID)
		return
	}

	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, path)
}

func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())
	identity := middleware.GetIdentity(r.Context())

	if r.Method != http.MethodPost {
		h.handleError(w, "Method not allowed", nil, traceID, http.StatusMethodNotAllowed)
		return
	}

	taskID := strings.TrimPrefix(r.URL.Path, "/cancel/")
	if taskID == "" {
		h.handleError(w, "Task ID is required", nil, traceID, http.StatusBadRequest)
		return
	}

	resp, err := h.service.Cancel(r.Context(), identity, taskID)
	if err != nil {
		h.serviceError(w, "Failed to cancel task", err, traceID)
		return
	}

	h.logger.Info("Cancel requested",
		zap.String("trace_id", traceID),
		zap.String("task_id", taskID),
		zap.Bool("cancelled", resp.Success),
	)

	h.respondJSON(w, http.StatusOK, resp)
}

func (h *TaskHandler) delete(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())
	identity := middleware.GetIdentity(r.Context())

	taskID := strings.TrimPrefix(r.URL.Path, "/tasks/")
	if taskID == "" {
		h.handleError(w, "Task ID is required", nil, traceID, http.StatusBadRequest)
		return
	}

	if err := h.service.Delete(r.Context(), identity, taskID); err != nil {
		h.serviceError(w, "Failed to delete task", err, traceID)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *TaskHandler) Stats(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())

	stats, err := h.service.GetStats(r.Context())
	if err != nil {
		h.handleError(w, "Failed to get stats", err, traceID, http.StatusInternalServerError)
		return
	}

	h.respondJSON(w, http.StatusOK, stats)
}

func (h *TaskHandler) serviceError(w http.ResponseWriter, message string, err error, traceID string) {
	switch {
	case errors.Is(err, dto.ErrTaskNotFound):
		h.handleError(w, "Task not found", err, traceID, http.StatusNotFound)
	case errors.Is(err, dto.ErrLogNotFound):
		h.handleError(w, "Log file not found", err, traceID, http.StatusNotFound)
	case errors.Is(err, dto.ErrResultNotFound):
		h.handleError(w, "Result file not found", err, traceID, http.StatusNotFound)
	case errors.Is(err, dto.ErrForbidden):
		h.handleError(w, "Not authorized", err, traceID, http.StatusForbidden)
	default:
		h.handleError(w, message, err, traceID, http.StatusInternalServerError)
	}
}

func (h *TaskHandler) handleError(w http.ResponseWriter, message string, err error, traceID string, status int) {
	h.logger.Error(message,
		zap.String("trace_id", traceID),
		zap.Error(err),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(dto.ErrorResponse{
		Error:   message,
		TraceID: traceID,
	})
}

func (h *TaskHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
