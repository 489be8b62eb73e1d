// Package devserver is a self-contained chat backend for local development
// and end-to-end tests. It keeps everything in memory and speaks the same
// HTTP and websocket protocol as the production server.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"yochat/client/pkg/config"
	apperrors "yochat/client/pkg/errors"
	"yochat/client/pkg/health"
	"yochat/client/pkg/jwt"
	"yochat/client/pkg/logger"
	"yochat/client/pkg/middleware"
)

// Track server start time for uptime calculations
var startTime = time.Now()

// Server wires the store, hub and HTTP routes together.
type Server struct {
	Engine  *gin.Engine
	Hub     *Hub
	Store   *Store
	JWT     *jwt.Service
	Health  *health.Checker
	Limiter *middleware.RateLimiter

	cfg *config.Config
	log *logger.Logger
}

// New creates a Server and registers its routes.
func New(cfg *config.Config, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	store := NewStore(cfg.DevServer.HistoryLimit)
	s := &Server{
		Engine: gin.New(),
		Hub:    NewHub(store, log, rate.Limit(cfg.DevServer.RateLimit), cfg.DevServer.RateLimitBurst),
		Store:  store,
		JWT:    jwt.NewService(cfg.DevServer.JWTSecret, cfg.DevServer.JWTExpiry),
		Health: health.NewChecker(log, 30*time.Second),
		Limiter: middleware.NewRateLimiter(log, middleware.RateLimiterOptions{
			Limit:          rate.Limit(cfg.DevServer.RateLimit),
			Burst:          cfg.DevServer.RateLimitBurst,
			ExpiryDuration: time.Hour,
		}),
		cfg: cfg,
		log: log.WithComponent("devserver"),
	}

	s.Health.RegisterCheck("hub", true, func(context.Context) (health.Status, string, error) {
		select {
		case <-s.Hub.Done():
			return health.StatusDown, "Hub stopped", errors.New("hub is not running")
		default:
		}
		return health.StatusUp, fmt.Sprintf("%d active connections", s.Hub.ActiveConnections()), nil
	})

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	e := s.Engine
	e.Use(middleware.RequestIDMiddleware())
	e.Use(logger.Middleware(s.log))
	e.Use(apperrors.ErrorHandler())
	e.Use(apperrors.RecoveryWithLogger())
	e.Use(corsMiddleware())

	jwtAuth := middleware.JWTAuthMiddleware(s.JWT, s.log)
	auth := NewAuthHandler(s.Store, s.JWT)
	rooms := NewRoomHandler(s.Store)

	e.GET("/health", s.Health.Handler())
	e.GET("/version", func(c *gin.Context) {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		c.JSON(http.StatusOK, gin.H{
			"env":        s.cfg.DevServer.Env,
			"version":    os.Getenv("APP_VERSION"),
			"uptime":     time.Since(startTime).Round(time.Second).String(),
			"goroutines": runtime.NumGoroutine(),
			"memory": gin.H{
				"alloc":      memStats.Alloc,
				"totalAlloc": memStats.TotalAlloc,
				"sys":        memStats.Sys,
				"numGC":      memStats.NumGC,
			},
		})
	})

	authRoutes := e.Group("/auth", s.Limiter.Middleware())
	{
		authRoutes.POST("/register", auth.Register)
		authRoutes.POST("/login", auth.Login)
	}

	e.GET("/users/me", jwtAuth, auth.Me)

	e.GET("/rooms", rooms.List)
	roomRoutes := e.Group("/rooms", jwtAuth)
	{
		roomRoutes.GET("/my", rooms.Mine)
		roomRoutes.GET("/:id", rooms.Get)
		roomRoutes.POST("", rooms.Create)
		roomRoutes.POST("/join/:id", rooms.Join)
	}

	e.GET("/ws", s.Hub.ServeWs(s.JWT))
}

// Start runs the hub and background maintenance until ctx is done.
func (s *Server) Start(ctx context.Context) {
	go s.Hub.Run(ctx)
	go s.Limiter.Cleanup(ctx, time.Minute)
	s.Health.Start(ctx)
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.Start(ctx)

	srv := &http.Server{
		Handler:           s.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Server starting", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.log.Info("Server exited gracefully")
	return nil
}

// corsMiddleware allows browser clients and websocket upgrades from any origin
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept, Accept-Encoding, X-CSRF-Token, Authorization, Origin, Upgrade, Connection, Cache-Control")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Upgrade, Connection")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
