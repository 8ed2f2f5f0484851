package server

import (
	"context"
	"net/http"
	"time"

	"github.com/Rofiq02bae/coffeepoint/internal/auth"
	"github.com/Rofiq02bae/coffeepoint/internal/bootstrap"
	"github.com/Rofiq02bae/coffeepoint/internal/config"
	"github.com/Rofiq02bae/coffeepoint/internal/identity"
	"github.com/Rofiq02bae/coffeepoint/internal/ledger"
	"github.com/Rofiq02bae/coffeepoint/internal/report"
	"github.com/Rofiq02bae/coffeepoint/internal/token"
	"github.com/gin-gonic/gin"
)

type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     *config.Config
}

func New(cfg *config.Config, app *bootstrap.App) *Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLoggingMiddleware())
	router.Use(MetricsMiddleware())
	router.Use(corsMiddleware())

	router.GET("/health", Health(app.Store, app.Backend))
	router.GET("/metrics", Metrics())
	SetupSwagger(router)

	limited := router.Group("/")
	limited.Use(RateLimitMiddleware(NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, bucketIdleTTL), ClientIP))

	identityHandler := identity.NewHandler(app.Ledger, identity.Secrets{
		Access:            cfg.JWTSecret,
		Refresh:           cfg.JWTRefreshSecret,
		AdminPasswordHash: cfg.AdminPasswordHash,
	})
	ledgerHandler := ledger.NewHandler(app.Ledger)
	tokenHandler := token.NewHandler(app.Engine)
	reportHandler := report.NewHandler(app.Reports)

	identityHandler.RegisterRoutes(limited)

	authMiddleware := auth.AuthMiddleware(cfg.JWTSecret)
	member := limited.Group("/")
	member.Use(authMiddleware)
	if cfg.AccountRateLimitRPS > 0 {
		member.Use(RateLimitMiddleware(NewRateLimiter(cfg.AccountRateLimitRPS, cfg.AccountRateLimitBurst, bucketIdleTTL), AccountOrIP))
	}
	{
		ledgerHandler.RegisterRoutes(member)
		tokenHandler.RegisterRoutes(member)
	}

	admin := limited.Group("/admin")
	admin.Use(authMiddleware, auth.RequireRole(auth.RoleAdmin))
	{
		tokenHandler.RegisterAdminRoutes(admin)
		reportHandler.RegisterRoutes(admin)
	}

	return &Server{
		router: router,
		config: cfg,
	}
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(port string) error {
	s.httpServer = &http.Server{
		Addr:              ":" + port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Retry-After")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
