// Package api serves the local control API.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/polarbridge/internal/api/handlers"
	"github.com/orrn/polarbridge/internal/api/middleware"
	"github.com/orrn/polarbridge/internal/config"
	"github.com/orrn/polarbridge/internal/logging"
)

type Deps struct {
	Config   *config.Config
	Auth     *middleware.Auth
	Session  handlers.CloudSession
	Outcomes *handlers.OutcomeLog
	Jobs     handlers.JobLister
	Logger   *slog.Logger
}

// NewRouter builds the gin engine. Everything but /api/auth and /healthz
// requires an authenticated admin.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.Logger(d.Logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := r.Group("/api/auth")
	auth.POST("/setup", d.Auth.Setup)
	auth.POST("/login", d.Auth.Login)
	auth.POST("/logout", d.Auth.Logout)
	auth.GET("/status", d.Auth.Status)
	auth.POST("/password", d.Auth.Require(), d.Auth.ChangePassword)

	protected := r.Group("/api", d.Auth.Require())
	handlers.NewCloudHandler(d.Session, d.Outcomes).RegisterRoutes(protected)
	handlers.NewJobsHandler(d.Jobs).RegisterRoutes(protected)
	handlers.RegisterSettingsRoutes(protected, handlers.NewSettingsHandler(d.Config))

	return r
}
