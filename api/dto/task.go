package dto

import "errors"

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrLogNotFound    = errors.New("log file not found")
	ErrResultNotFound = errors.New("result file not found")
	ErrForbidden      = errors.New("not authorized for this task")
)

type TaskResponse struct {
	ID               string `json:"id"`
	OriginalFilename string `json:"original_filename"`
	Priority         string `json:"priority"`
	Status           string `json:"status"`
	Progress         int    `json:"progress"`
	CurrentStep      string `json:"current_step,omitempty"`
	CreatedAt        string `json:"created_at"`
	FinishedAt       *string `json:"finished_at,omitempty"`
	DownloadURL      *string `json:"download_url,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`
	Ambiguous        bool   `json:"classification_ambiguous,omitempty"`
}

type CancelResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type StatsResponse struct {
	Pending        int `json:"pending"`
	Running        int `json:"running"`
	CompletedToday int `json:"completed_today"`
	FailedToday    int `json:"failed_today"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}
