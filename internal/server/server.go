package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aashath0317/fydblock-spot-grid-latest/internal/health"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/keystore"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/ledger"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/logger"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/models"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/supervisor"
)

// Server is the operator-facing HTTP API: bot lifecycle, credentials, health
// and metrics. It is meant to sit on an operator-local interface, not the
// public internet.
type Server struct {
	store   *ledger.Store
	sup     *supervisor.Supervisor
	keys    *keystore.Store
	monitor *health.Monitor
	router  *gin.Engine
}

func New(store *ledger.Store, sup *supervisor.Supervisor, keys *keystore.Store, monitor *health.Monitor) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		store:   store,
		sup:     sup,
		keys:    keys,
		monitor: monitor,
		router:  gin.New(),
	}
	s.router.Use(gin.Recovery())

	api := s.router.Group("/api/v1")
	{
		api.POST("/credentials", s.putCredentials)
		api.POST("/bots", s.createBot)
		api.GET("/bots/:id", s.getBot)
		api.POST("/bots/:id/start", s.startBot)
		api.POST("/bots/:id/stop", s.stopBot)
		api.GET("/health", s.healthCheck)
	}
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return s
}

// Run blocks serving HTTP on addr.
func (s *Server) Run(addr string) error {
	logger.S().Infow("http api listening", "addr", addr)
	return s.router.Run(addr)
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

type credentialsRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	APIKey    string `json:"api_key" binding:"required"`
	SecretKey string `json:"secret_key" binding:"required"`
}

func (s *Server) putCredentials(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.keys.Put(req.UserID, keystore.Credentials{
		APIKey:    req.APIKey,
		SecretKey: req.SecretKey,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store credentials"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stored"})
}

type createBotRequest struct {
	UserID        string  `json:"user_id" binding:"required"`
	Pair          string  `json:"pair" binding:"required"`
	LowerLimit    float64 `json:"lower_limit" binding:"required"`
	UpperLimit    float64 `json:"upper_limit" binding:"required"`
	GridCount     int     `json:"grid_count" binding:"required"`
	Amount        float64 `json:"amount"`
	AmountPerGrid float64 `json:"amount_per_grid"`
	QuantityType  string  `json:"quantity_type"`
	GridType      string  `json:"grid_type"`
	Mode          string  `json:"mode"`
	RiskLevel     int     `json:"risk_level"`
	StopLoss      float64 `json:"stop_loss"`
	TakeProfit    float64 `json:"take_profit"`
	AutoStart     bool    `json:"auto_start"`
}

func (s *Server) createBot(c *gin.Context) {
	var req createBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	perGrid := req.AmountPerGrid
	if perGrid == 0 && req.GridCount > 0 {
		perGrid = req.Amount / float64(req.GridCount)
	}

	bot := &models.BotConfig{
		UserID:        req.UserID,
		Pair:          req.Pair,
		LowerLimit:    req.LowerLimit,
		UpperLimit:    req.UpperLimit,
		GridCount:     req.GridCount,
		AmountPerGrid: perGrid,
		QuantityType:  models.QuantityType(req.QuantityType),
		GridType:      models.GridType(req.GridType),
		Mode:          models.BotMode(req.Mode),
		RiskLevel:     req.RiskLevel,
		StopLoss:      req.StopLoss,
		TakeProfit:    req.TakeProfit,
	}
	if err := s.store.CreateBot(bot); err != nil {
		if errors.Is(err, models.ErrInvalidConfig) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if req.AutoStart {
		if err := s.sup.StartBot(c.Request.Context(), bot.ID); err != nil {
			c.JSON(http.StatusCreated, gin.H{
				"bot":   bot,
				"error": "bot created but failed to start: " + err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusCreated, gin.H{"bot": bot})
}

func (s *Server) botID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid bot id"})
		return 0, false
	}
	return uint(id), true
}

func (s *Server) getBot(c *gin.Context) {
	id, ok := s.botID(c)
	if !ok {
		return
	}

	bot, err := s.store.GetBot(id)
	if err != nil {
		if errors.Is(err, models.ErrBotNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	open, err := s.store.ListOpenOrders(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	trades, err := s.store.ListTrades(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"bot":         bot,
		"open_orders": open,
		"trades":      trades,
		"running":     s.sup.IsRunning(id),
	})
}

func (s *Server) startBot(c *gin.Context) {
	id, ok := s.botID(c)
	if !ok {
		return
	}

	if err := s.sup.StartBot(c.Request.Context(), id); err != nil {
		if errors.Is(err, models.ErrBotNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

func (s *Server) stopBot(c *gin.Context) {
	id, ok := s.botID(c)
	if !ok {
		return
	}

	if err := s.sup.StopBot(c.Request.Context(), id); err != nil {
		if errors.Is(err, models.ErrBotNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) healthCheck(c *gin.Context) {
	bots := gin.H{}
	for id, state := range s.monitor.Status() {
		bots[strconv.FormatUint(uint64(id), 10)] = state
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "bots": bots})
}
