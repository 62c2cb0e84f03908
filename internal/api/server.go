// Package api exposes an operational HTTP endpoint for monitoring the bot.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/atelierbot/atelier/internal/logger"
	"github.com/atelierbot/atelier/internal/queue"
	"github.com/atelierbot/atelier/internal/session"
	"github.com/atelierbot/atelier/internal/sysinfo"
)

// Server serves health, queue, and session status over HTTP.
type Server struct {
	sessions *session.Store
	manager  *queue.Manager
	srv      *http.Server
}

func NewServer(addr string, sessions *session.Store, manager *queue.Manager) *Server {
	s := &Server{
		sessions: sessions,
		manager:  manager,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealth)
	router.GET("/queue", s.handleQueue)
	router.GET("/sessions", s.handleSessions)
	router.GET("/status", s.handleStatus)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Start runs the server in a background goroutine.
func (s *Server) Start() {
	go func() {
		logger.Info("API server starting", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API server failed", "error", err)
		}
	}()
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleQueue(c *gin.Context) {
	snap := s.manager.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"queue_length":          snap.QueueLength,
		"processing_id":         snap.ProcessingID,
		"total_requests":        snap.TotalRequests,
		"average_processing_ms": snap.AverageProcessing.Milliseconds(),
		"in_cooldown":           snap.InCooldown,
		"cooldown_remaining_ms": snap.CooldownRemaining.Milliseconds(),
	})
}

func (s *Server) handleSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active_sessions": s.sessions.CountActive(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	stats := sysinfo.Collect()
	c.JSON(http.StatusOK, gin.H{
		"hostname":     stats.Hostname,
		"os":           stats.OS,
		"arch":         stats.Arch,
		"uptime_sec":   int64(stats.Uptime.Seconds()),
		"cpu_percent":  stats.CPUUsage,
		"mem_percent":  stats.MemUsage,
		"disk_percent": stats.DiskUsage,
		"goroutines":   stats.Goroutines,
	})
}
