package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/roadside_dispatch/backend/internal/config"
	"github.com/roadside_dispatch/backend/internal/http/handlers"
	"github.com/roadside_dispatch/backend/internal/http/middleware"

	_ "github.com/roadside_dispatch/backend/docs"
)

func Router(cfg config.Config, h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Caller())
	r.Use(middleware.Logger(h.Logger))
	if cfg.MaxUploadSizeMB > 0 {
		r.MaxMultipartMemory = cfg.MaxUploadSizeMB << 20
	}

	corsCfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept", "Authorization",
			"X-Admin-Key", "X-Request-Id", middleware.UserIDHeader, middleware.UserRoleHeader,
		},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if cfg.CORSAllowed == "*" || cfg.CORSAllowed == "" {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	} else {
		corsCfg.AllowOrigins = []string{cfg.CORSAllowed}
	}
	r.Use(cors.New(corsCfg))

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", h.ServeWS)

	api := r.Group("/api")
	api.Use(middleware.Timeout(cfg.RequestTimeout))
	{
		api.POST("/dispatches", middleware.RequireRole(middleware.RoleOperator, middleware.RoleSystem), h.CreateDispatch)
		api.GET("/offers/:id", h.GetOffer)
		api.POST("/offers/:id/accept", middleware.RequireRole(middleware.RoleMechanic), h.AcceptOffer)
		api.POST("/offers/:id/reject", middleware.RequireRole(middleware.RoleMechanic), h.RejectOffer)
		api.GET("/bookings/:id/sla", h.GetSLA)
		api.POST("/bookings/:id/complete", middleware.RequireRole(middleware.RoleOperator, middleware.RoleSystem), h.CompleteBooking)
	}

	admin := api.Group("/admin")
	admin.Use(middleware.AdminKey(cfg.AdminKey))
	{
		admin.POST("/offers/:id/expire", h.ExpireOffer)
		admin.POST("/sweep", h.Sweep)
		admin.PUT("/bookings/:id/sla", h.InitializeSLA)
		admin.GET("/debug/candidates", h.DebugCandidates)
		admin.POST("/import", h.Import)
	}

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return r
}
