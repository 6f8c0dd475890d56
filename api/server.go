// Package api exposes the admin HTTP surface and the websocket upgrade
// endpoint in front of the connection gateway.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/quotewire/quotewire/internal/bus"
	"github.com/quotewire/quotewire/internal/gateway"
	"github.com/quotewire/quotewire/internal/quote"
	"github.com/quotewire/quotewire/internal/scheduler"
)

// Scheduler is the task-control surface the API needs.
type Scheduler interface {
	Trigger(name string) error
	Status() []scheduler.TaskStatus
}

// Gateway is the connection surface the API needs.
type Gateway interface {
	Accept(w http.ResponseWriter, r *http.Request) (*gateway.Session, error)
	Stats() gateway.Stats
}

// BusState reports broker connectivity for the status endpoint.
type BusState interface {
	State() bus.ConnectionState
}

// Server wires the admin routes onto a gin engine.
type Server struct {
	log      *zap.Logger
	engine   *gin.Engine
	sched    Scheduler
	gw       Gateway
	busState BusState
	cache    *quote.Cache
	httpSrv  *http.Server
}

func NewServer(log *zap.Logger, sched Scheduler, gw Gateway, busState BusState, cache *quote.Cache, allowedOrigins []string) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(ginzap.Ginzap(log, time.RFC3339, true))
	engine.Use(ginzap.RecoveryWithZap(log, true))

	corsCfg := cors.DefaultConfig()
	if len(allowedOrigins) == 0 || contains(allowedOrigins, "*") {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = allowedOrigins
	}
	engine.Use(cors.New(corsCfg))

	s := &Server{
		log:      log,
		engine:   engine,
		sched:    sched,
		gw:       gw,
		busState: busState,
		cache:    cache,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/ws", s.handleWS)

	s.engine.POST("/sync/trigger/:task", s.handleTrigger)
	s.engine.GET("/sync/status", s.handleStatus)
	s.engine.GET("/gateway/stats", s.handleStats)
	s.engine.GET("/quotes/snapshot", s.handleSnapshot)
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.engine}
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func contains(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}
