package handler

import (
	"errors"
	"io/fs"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/analysis-orchestrator/internal/api/dto"
	"github.com/cuongbtq/analysis-orchestrator/internal/artifacts"
	"github.com/cuongbtq/analysis-orchestrator/internal/job/descriptor"
	"github.com/cuongbtq/analysis-orchestrator/internal/job/domain"
	"github.com/cuongbtq/analysis-orchestrator/internal/job/store"
	"github.com/cuongbtq/analysis-orchestrator/internal/orchestrator"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /api/v1/jobs
// Saves the uploaded file into a new result folder and submits it for analysis
func (h *JobHandler) CreateJob(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "No file uploaded"})
		return
	}

	model := c.PostForm("model")
	if !descriptor.IsKnownOperation(model) {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid model selection"})
		return
	}

	outputType := c.DefaultPostForm("outputType", domain.OutputTypeResult)
	if !descriptor.IsValidOutputType(outputType) {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid output type"})
		return
	}

	ctx := c.Request.Context()

	folder, err := h.workspace.Allocate(ctx)
	if err != nil {
		h.logger.Error("Failed to allocate result folder", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to process file"})
		return
	}

	// the folder only survives if a job record refers to it
	keepFolder := false
	defer func() {
		if !keepFolder {
			if err := h.workspace.Remove(folder.Name); err != nil {
				h.logger.Error("Failed to clean up result folder",
					slog.String("folder", folder.Name),
					slog.Any("error", err),
				)
			}
		}
	}()

	fileName := uploadName(file)
	inputPath := filepath.Join(folder.Path, fileName)
	if err := c.SaveUploadedFile(file, inputPath); err != nil {
		h.logger.Error("Failed to save upload",
			slog.String("path", inputPath),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to process file"})
		return
	}

	if outputType == domain.OutputTypeResultHeatmaps {
		if err := os.MkdirAll(descriptor.HeatmapsDir(folder.Path), 0o755); err != nil {
			h.logger.Error("Failed to create heatmaps directory", slog.Any("error", err))
			c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to process file"})
			return
		}
	}

	desc, err := descriptor.Build(descriptor.Intent{
		ID:            "job-" + uuid.NewString(),
		Operation:     model,
		InputPath:     inputPath,
		InputMimeType: file.Header.Get("Content-Type"),
		OutputType:    outputType,
		OutputDir:     folder.Path,
		ReplyTo:       h.replyQueue,
	})
	if err != nil {
		h.logger.Error("Failed to build descriptor", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to process file"})
		return
	}

	rec, err := h.jobs.Submit(ctx, desc, domain.Metadata{
		FileName:     fileName,
		OutputType:   outputType,
		ResultFolder: folder.Name,
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrNotPublished) {
			keepFolder = true
			c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{
				Error: "Job recorded but the message broker is unavailable",
				JobID: desc.ID,
			})
			return
		}

		h.logger.Error("Failed to submit job", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to process file"})
		return
	}

	keepFolder = true
	c.JSON(http.StatusOK, dto.NewJobDTO(rec, false))
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	rec, ok := h.loadJob(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, dto.NewJobDTO(rec, h.hasHeatmaps(rec)))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest-first. Without page_size the whole history is returned.
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters"})
		return
	}

	status := domain.Status(req.Status)
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid status"})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid cursor"})
		return
	}

	paged := req.PageSize > 0 || cursor != nil
	pageSize := req.PageSize
	if paged {
		if pageSize <= 0 {
			pageSize = defaultPageSize
		}
		if pageSize > maxPageSize {
			pageSize = maxPageSize
		}
	}

	filter := store.ListFilter{Status: status, Cursor: cursor}
	if paged {
		// one extra record tells whether another page exists
		filter.PageSize = pageSize + 1
	}

	jobs, err := h.jobs.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to fetch history"})
		return
	}

	hasMore := paged && len(jobs) > pageSize
	if hasMore {
		jobs = jobs[:pageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i, rec := range jobs {
		resp.Jobs[i] = dto.NewJobDTO(rec, h.hasHeatmaps(rec))
	}

	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&store.Cursor{CreatedAt: last.CreatedAt, JobID: last.ID})
	}

	c.JSON(http.StatusOK, resp)
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
// Removes the job record and its result folder
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if err := h.jobs.Delete(c.Request.Context(), jobID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "Job not found"})
			return
		}
		h.logger.Error("Failed to delete job",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to delete job"})
		return
	}

	c.Status(http.StatusNoContent)
}

// ListHeatmaps handles GET /api/v1/jobs/:job_id/heatmaps
func (h *JobHandler) ListHeatmaps(c *gin.Context) {
	rec, ok := h.loadJob(c)
	if !ok {
		return
	}
	if rec.ResultFolder == "" {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "No result folder found for this job"})
		return
	}

	files, err := h.workspace.Heatmaps(rec.ResultFolder)
	if err != nil {
		h.logger.Error("Failed to list heatmaps",
			slog.String("job_id", rec.ID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to fetch heatmaps"})
		return
	}
	if len(files) == 0 {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "No heatmaps found for this job"})
		return
	}

	resp := dto.ListHeatmapsResponse{Heatmaps: make([]dto.HeatmapDTO, len(files))}
	for i, name := range files {
		resp.Heatmaps[i] = dto.HeatmapDTO{
			Filename: name,
			URL:      "/api/v1/jobs/" + rec.ID + "/heatmaps/" + name,
		}
	}
	c.JSON(http.StatusOK, resp)
}

// GetHeatmap handles GET /api/v1/jobs/:job_id/heatmaps/:filename
func (h *JobHandler) GetHeatmap(c *gin.Context) {
	rec, ok := h.loadJob(c)
	if !ok {
		return
	}
	if rec.ResultFolder == "" {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "File not found"})
		return
	}

	path, err := h.workspace.HeatmapPath(rec.ResultFolder, c.Param("filename"))
	if err != nil {
		if errors.Is(err, artifacts.ErrInvalidName) {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid file name"})
			return
		}
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to serve heatmap file"})
		return
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "File not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to serve heatmap file"})
		return
	}

	c.File(path)
}

// loadJob fetches the job named by the job_id parameter, writing the error response itself
func (h *JobHandler) loadJob(c *gin.Context) (*domain.Record, bool) {
	jobID := c.Param("job_id")

	rec, err := h.jobs.Get(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "Job not found"})
			return nil, false
		}
		h.logger.Error("Failed to get job",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to get job"})
		return nil, false
	}
	return rec, true
}

func (h *JobHandler) hasHeatmaps(rec *domain.Record) bool {
	if rec.ResultFolder == "" {
		return false
	}
	files, err := h.workspace.Heatmaps(rec.ResultFolder)
	return err == nil && len(files) > 0
}

// uploadName strips any directory the client put into the file name
func uploadName(file *multipart.FileHeader) string {
	name := filepath.Base(filepath.Clean("/" + file.Filename))
	if name == "/" || name == "." || name == "" {
		return "upload"
	}
	return name
}
