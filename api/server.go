package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"flowbot/config"
	"flowbot/logger"
	"flowbot/market"
	"flowbot/store"
	"flowbot/trader"
)

// Server exposes the bot's read-only state over HTTP.
type Server struct {
	router     *gin.Engine
	cfg        *config.Config
	client     *trader.BybitClient
	engine     *market.Engine
	state      *store.StateStore
	history    *store.HistoryStore
	httpServer *http.Server
	port       int
	startedAt  time.Time
}

// NewServer creates the API server.
func NewServer(cfg *config.Config, client *trader.BybitClient, engine *market.Engine,
	state *store.StateStore, history *store.HistoryStore, port int) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.Default()
	router.Use(corsMiddleware())

	s := &Server{
		router:    router,
		cfg:       cfg,
		client:    client,
		engine:    engine,
		state:     state,
		history:   history,
		port:      port,
		startedAt: time.Now(),
	}
	s.setupRoutes()
	return s
}

// corsMiddleware CORS middleware
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.Any("/health", s.handleHealth)
		api.GET("/status", s.handleStatus)
		api.GET("/positions", s.handlePositions)
		api.GET("/metrics", s.handleMetrics)
		api.GET("/tape", s.handleTape)
		api.GET("/daily", s.handleDaily)
		api.GET("/trades", s.handleTrades)
		api.GET("/summaries", s.handleSummaries)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	st := s.state.Snapshot()

	resp := gin.H{
		"symbol":          s.cfg.Strategy.Symbol,
		"net_side":        st.NetSide(),
		"open_positions":  len(st.Positions),
		"watched_orders":  len(st.WatchedOrders),
		"last_entry_time": st.LastEntryTime,
		"last_flip_time":  st.LastFlipTime,
	}
	if bal, err := s.client.WalletBalance(); err == nil {
		resp["equity"] = bal.TotalEquity
		resp["available"] = bal.Available
		resp["unrealized_pnl"] = bal.UnrealizedPnL
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePositions(c *gin.Context) {
	st := s.state.Snapshot()

	exchange, err := s.client.Positions(s.cfg.Strategy.Symbol)
	if err != nil {
		logger.Warnf("api: exchange positions: %v", err)
	}
	c.JSON(http.StatusOK, gin.H{
		"tracked":  st.Positions,
		"exchange": exchange,
	})
}

func (s *Server) handleMetrics(c *gin.Context) {
	snap := s.engine.Snapshot()
	if snap == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metrics not ready"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleTape returns the newest slice of the live websocket trade buffer.
func (s *Server) handleTape(c *gin.Context) {
	if s.engine == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "tape not ready"})
		return
	}
	tape := s.engine.Trades()
	const maxTape = 200
	if len(tape) > maxTape {
		tape = tape[len(tape)-maxTape:]
	}
	c.JSON(http.StatusOK, gin.H{"count": len(tape), "trades": tape})
}

func (s *Server) handleDaily(c *gin.Context) {
	st := s.state.Snapshot()
	if st.Daily == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, st.Daily)
}

func (s *Server) handleTrades(c *gin.Context) {
	limit := 50
	if q := c.Query("limit"); q != "" {
		if _, err := fmt.Sscanf(q, "%d", &limit); err != nil || limit <= 0 || limit > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
	}
	trades, err := s.history.RecentTrades(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, trades)
}

func (s *Server) handleSummaries(c *gin.Context) {
	days := 30
	if q := c.Query("days"); q != "" {
		if _, err := fmt.Sscanf(q, "%d", &days); err != nil || days <= 0 || days > 365 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid days"})
			return
		}
	}
	summaries, err := s.history.Summaries(days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summaries)
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	logger.Infof("API server starting at http://localhost%s", addr)
	logger.Infof("  • GET /api/health     - health check")
	logger.Infof("  • GET /api/status     - balance and net exposure")
	logger.Infof("  • GET /api/positions  - tracked vs exchange positions")
	logger.Infof("  • GET /api/metrics    - live microstructure snapshot")
	logger.Infof("  • GET /api/tape       - recent websocket trade tape")
	logger.Infof("  • GET /api/daily      - today's counters")
	logger.Infof("  • GET /api/trades     - recent closed trades")
	logger.Infof("  • GET /api/summaries  - daily PnL summaries")

	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
