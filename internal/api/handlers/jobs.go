package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/polarbridge/internal/db"
)

type JobLister interface {
	ListJobs(ctx context.Context, limit, offset int) ([]*db.CloudJob, error)
	CountJobs(ctx context.Context) (int64, error)
}

type JobsHandler struct {
	jobs JobLister
}

type ListJobsQuery struct {
	Limit  int `form:"limit" binding:"min=0,max=100"`
	Offset int `form:"offset" binding:"min=0"`
}

type ListJobsResponse struct {
	Jobs   []*db.CloudJob `json:"jobs"`
	Total  int64          `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

func NewJobsHandler(jobs JobLister) *JobsHandler {
	return &JobsHandler{jobs: jobs}
}

func (h *JobsHandler) ListJobs(c *gin.Context) {
	var query ListJobsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_query",
			Message: err.Error(),
		})
		return
	}
	if query.Limit == 0 {
		query.Limit = 20
	}

	ctx := c.Request.Context()
	jobs, err := h.jobs.ListJobs(ctx, query.Limit, query.Offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to retrieve jobs",
		})
		return
	}
	total, err := h.jobs.CountJobs(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to count jobs",
		})
		return
	}
	if jobs == nil {
		jobs = []*db.CloudJob{}
	}

	c.JSON(http.StatusOK, ListJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  query.Limit,
		Offset: query.Offset,
	})
}

func (h *JobsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/jobs", h.ListJobs)
}
