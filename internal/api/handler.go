package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tracking-core/internal/engine"
	"tracking-core/internal/events"
	"tracking-core/internal/monitor"
	"tracking-core/pkg/logger"
)

// Server wires HTTP endpoints around the engine and the event bus.
type Server struct {
	Router    *gin.Engine
	Engine    engine.Service
	Bus       *events.Bus
	Metrics   *monitor.SweepMetrics
	JWTSecret string

	log *zap.Logger
}

// Options tune the middleware stack.
type Options struct {
	JWTSecret      string
	RequestTimeout time.Duration
	RatePerSecond  float64
	RateBurst      int
}

func NewServer(svc engine.Service, bus *events.Bus, metrics *monitor.SweepMetrics, opts Options, log *zap.Logger) *Server {
	log = logger.OrNop(log).Named("api")
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log, metrics))
	r.Use(RateLimitMiddleware(newIPLimiters(opts.RatePerSecond, opts.RateBurst), log))
	r.Use(TimeoutMiddleware(opts.RequestTimeout))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Engine:    svc,
		Bus:       bus,
		Metrics:   metrics,
		JWTSecret: opts.JWTSecret,
		log:       log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/providers", s.listProviders)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret), ModeMiddleware(s.Engine))
		{
			protected.GET("/ws", s.websocket)

			protected.POST("/orders", s.createOrder)
			protected.GET("/orders", s.listOrders)
			protected.GET("/orders/:id", s.getOrder)
			protected.POST("/orders/:id/cancel", s.cancelOrder)
			protected.POST("/orders/:id/monitor", s.monitorOrder)
			protected.DELETE("/orders/:id", s.deleteOrder)

			protected.POST("/positions", s.createPosition)
			protected.GET("/positions", s.listPositions)
			protected.GET("/positions/:id", s.getPosition)
			protected.PATCH("/positions/:id", s.updatePosition)
			protected.POST("/positions/:id/close", s.closePosition)
			protected.POST("/positions/:id/monitor", s.monitorPosition)
			protected.GET("/positions/:id/prices", s.positionPrices)

			protected.GET("/wallets", s.listWallets)
			protected.POST("/wallets", s.registerWallet)
			protected.GET("/wallets/:id/balances", s.walletBalances)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HTTPServer returns a server for addr so callers control shutdown.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
