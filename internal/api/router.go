// Package api wires the HTTP surface: user auth, job and printer views, the
// registration flow, and the metrics endpoint.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orrn/cloudspool/internal/api/handlers"
	"github.com/orrn/cloudspool/internal/api/middleware"
)

type RouterDeps struct {
	Auth     *middleware.AuthMiddleware
	Jobs     *handlers.JobHandler
	Printers *handlers.PrinterHandler
	Proxy    *handlers.ProxyHandler
	Registry *prometheus.Registry
}

func NewRouter(deps RouterDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	if deps.Registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}

	auth := router.Group("/auth")
	{
		auth.POST("/login", deps.Auth.LoginHandler)
		auth.POST("/signup", deps.Auth.SignupHandler)
		auth.POST("/logout", deps.Auth.LogoutHandler)
		auth.GET("/status", deps.Auth.StatusHandler)
	}

	api := router.Group("/api")
	api.Use(deps.Auth.RequireAuth())
	{
		api.GET("/jobs", deps.Jobs.ListJobs)
		api.GET("/jobs/:id", deps.Jobs.GetJob)
		api.GET("/jobs/:id/journal", deps.Jobs.GetJobJournal)
		api.POST("/jobs/reconcile", deps.Jobs.ReconcileJobs)
		api.GET("/queue", deps.Jobs.GetQueue)

		api.GET("/printers", deps.Printers.ListPrinters)
		api.GET("/printers/:name", deps.Printers.GetPrinter)
		api.POST("/printers/reconcile", deps.Printers.ReconcilePrinters)

		api.GET("/proxy/status", deps.Proxy.Status)
		api.POST("/proxy/register", deps.Proxy.Register)
		api.GET("/proxy/claim", deps.Proxy.PollClaim)
		api.POST("/proxy/accept", deps.Proxy.Accept)
		api.POST("/proxy/abort", deps.Proxy.Abort)
	}

	return router
}
