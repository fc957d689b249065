package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/wb-go/wbf/ginext"

	"volunteerhub/cmd/middleware"
	"volunteerhub/internal/metrics"
	"volunteerhub/internal/service"
)

type Routers struct {
	Service  service.Service
	Auth     middleware.TokenVerifier
	Gatherer prometheus.Gatherer
}

func NewRouters(r *Routers) *ginext.Engine {
	app := ginext.New("release")

	app.Use(middleware.LoggingMiddleware())
	app.Use(cors.Default())
	apiGroup := app.Group("/v1")
	apiGroup.Use(middleware.AuthMiddleware(r.Auth))

	apiGroup.POST("/auth/signup", r.Service.SignUp)
	apiGroup.POST("/auth/signin", r.Service.SignIn)
	apiGroup.POST("/auth/signout", r.Service.SignOut)
	apiGroup.GET("/session", r.Service.Session)

	apiGroup.POST("/events", r.Service.CreateEvent)
	apiGroup.PUT("/events/:id", r.Service.UpdateEvent)
	apiGroup.DELETE("/events/:id", r.Service.DeleteEvent)
	apiGroup.POST("/events/:id/register", r.Service.Register)

	apiGroup.GET("/dashboard/summary", r.Service.DashboardSummary)
	apiGroup.GET("/dashboard/events", r.Service.DashboardEvents)
	apiGroup.GET("/dashboard/events/:id/registrations", r.Service.EventRegistrations)

	app.GET("/metrics", gin.WrapH(metrics.Handler(r.Gatherer)))

	return app
}
