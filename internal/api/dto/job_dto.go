package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/analysis-orchestrator/internal/job/domain"
)

type ListJobsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	ID           string          `json:"id"`
	FileName     string          `json:"fileName"`
	Operation    string          `json:"operation"`
	OutputType   string          `json:"outputType"`
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	ResultFolder string          `json:"resultFolder,omitempty"`
	HasHeatmaps  bool            `json:"hasHeatmaps"`
	CreatedAt    string          `json:"createdAt"`
	UpdatedAt    string          `json:"updatedAt"`
}

type HeatmapDTO struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

type ListHeatmapsResponse struct {
	Heatmaps []HeatmapDTO `json:"heatmaps"`
}

type EventDTO struct {
	Type string `json:"type"`
	Job  JobDTO `json:"job"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	JobID string `json:"job_id,omitempty"`
}

// NewJobDTO converts a stored record for the wire
func NewJobDTO(rec *domain.Record, hasHeatmaps bool) JobDTO {
	return JobDTO{
		ID:           rec.ID,
		FileName:     rec.FileName,
		Operation:    rec.Operation,
		OutputType:   rec.OutputType,
		Status:       string(rec.Status),
		Result:       rec.Result,
		Error:        rec.Error,
		ResultFolder: rec.ResultFolder,
		HasHeatmaps:  hasHeatmaps,
		CreatedAt:    rec.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:    rec.UpdatedAt.Format(time.RFC3339Nano),
	}
}
