package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/trustsubstrate/internal/gate"
	"github.com/jmerrifield20/trustsubstrate/internal/identity"
	"github.com/jmerrifield20/trustsubstrate/internal/ledger"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// RecordHandler exposes tenant-scoped domain records and ledger rows.
type RecordHandler struct {
	gate   *gate.Gate
	logger *zap.Logger
}

// NewRecordHandler creates a new RecordHandler.
func NewRecordHandler(g *gate.Gate, logger *zap.Logger) *RecordHandler {
	return &RecordHandler{gate: g, logger: logger}
}

// Register mounts the record routes on the given router group.
func (h *RecordHandler) Register(rg *gin.RouterGroup) {
	r := rg.Group("/records")
	{
		r.POST("/:table", h.Create)
		r.GET("/:table", h.List)
		r.PATCH("/:table/:id", h.Update)
		r.DELETE("/:table/:id", h.Delete)
	}
	rg.POST("/events/:chain", h.AppendEvent)
	rg.GET("/ledger/:chain/rows", h.LedgerRows)
}

type writeRequest struct {
	Fields map[string]any `json:"fields"`
	Action string         `json:"action"`
}

type eventRequest struct {
	Action     string `json:"action" binding:"required"`
	TargetType string `json:"target_type"`
	TargetID   string `json:"target_id"`
	Payload    any    `json:"payload"`
}

// scope resolves the caller's scope, writing the error response on failure.
func (h *RecordHandler) scope(c *gin.Context) (gate.Scope, bool) {
	s, err := h.gate.ResolveContext(identity.IdentityFromCtx(c))
	if err != nil {
		writeError(c, h.logger, err)
		return gate.Scope{}, false
	}
	return s, true
}

// Create handles POST /records/:table.
func (h *RecordHandler) Create(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}
	var req writeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.gate.AuditedWrite(c.Request.Context(), scope, gate.Mutation{
		Kind:   gate.KindInsert,
		Table:  c.Param("table"),
		Fields: req.Fields,
		Action: req.Action,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// Update handles PATCH /records/:table/:id.
func (h *RecordHandler) Update(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}
	var req writeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.gate.AuditedWrite(c.Request.Context(), scope, gate.Mutation{
		Kind:     gate.KindUpdate,
		Table:    c.Param("table"),
		RecordID: c.Param("id"),
		Fields:   req.Fields,
		Action:   req.Action,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Delete handles DELETE /records/:table/:id.
func (h *RecordHandler) Delete(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}
	res, err := h.gate.AuditedWrite(c.Request.Context(), scope, gate.Mutation{
		Kind:     gate.KindDelete,
		Table:    c.Param("table"),
		RecordID: c.Param("id"),
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// List handles GET /records/:table?limit=&order=&where[col]=value.
func (h *RecordHandler) List(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	var filters []gate.Filter
	for col, val := range c.QueryMap("where") {
		filters = append(filters, gate.Filter{Column: col, Value: val})
	}
	q, err := gate.NewQuery(scope, c.Param("table"), filters...)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	q = q.Limit(limit).OrderByCreated(c.Query("order") == "desc")

	recs, err := h.gate.ScopedRead(c.Request.Context(), scope, q)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs, "count": len(recs)})
}

// AppendEvent handles POST /events/:chain.
func (h *RecordHandler) AppendEvent(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}
	chain, err := ledger.ParseChain(c.Param("chain"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.gate.AuditedWrite(c.Request.Context(), scope, gate.Mutation{
		Kind:       gate.KindEvent,
		Chain:      chain,
		RecordID:   req.TargetID,
		Action:     req.Action,
		TargetType: req.TargetType,
		Payload:    req.Payload,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// LedgerRows handles GET /ledger/:chain/rows, returning the caller's tenant's
// rows newest first.
func (h *RecordHandler) LedgerRows(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	rows, err := h.gate.LedgerRows(c.Request.Context(), scope, ledger.Chain(c.Param("chain")), limit)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows, "count": len(rows)})
}

func parseLimit(c *gin.Context) (int, bool) {
	s := c.Query("limit")
	if s == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}
