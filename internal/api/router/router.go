package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/analysis-orchestrator/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", healthHandler(deps.HealthChecks))

	jobHandler := handler.NewJobHandler(deps)

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", BodyLimitMiddleware(deps.MaxUploadSize), jobHandler.CreateJob)
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/:job_id", jobHandler.GetJob)
			jobs.DELETE("/:job_id", jobHandler.DeleteJob)
			jobs.GET("/:job_id/heatmaps", jobHandler.ListHeatmaps)
			jobs.GET("/:job_id/heatmaps/:filename", jobHandler.GetHeatmap)
		}

		v1.GET("/events", jobHandler.StreamEvents)
	}

	return r
}

// healthHandler reports 503 when any dependency check fails
func healthHandler(checks map[string]handler.HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := http.StatusOK
		components := make(map[string]string, len(checks))

		for name, check := range checks {
			if err := check(c.Request.Context()); err != nil {
				components[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			components[name] = "ok"
		}

		overall := "healthy"
		if status != http.StatusOK {
			overall = "unhealthy"
		}

		c.JSON(status, gin.H{
			"status":     overall,
			"service":    "analysis-orchestrator",
			"components": components,
		})
	}
}
