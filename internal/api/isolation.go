package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/trustsubstrate/internal/isolation"
	"go.uber.org/zap"
)

// IsolationHandler exposes the isolation certification engine.
type IsolationHandler struct {
	engine *isolation.Engine
	logger *zap.Logger
}

// NewIsolationHandler creates a new IsolationHandler.
func NewIsolationHandler(engine *isolation.Engine, logger *zap.Logger) *IsolationHandler {
	return &IsolationHandler{engine: engine, logger: logger}
}

// Register mounts the isolation routes on the given router group.
func (h *IsolationHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/isolation/audit", h.Evaluate)
	rg.POST("/isolation/audit", h.Run)
}

// Evaluate handles GET /isolation/audit: score the registry without
// recording the result.
func (h *IsolationHandler) Evaluate(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Evaluate())
}

// Run handles POST /isolation/audit: score the registry and append the
// result to the audit ledger.
func (h *IsolationHandler) Run(c *gin.Context) {
	res, err := h.engine.Run(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}
