package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/trustsubstrate/internal/ledger"
	"github.com/jmerrifield20/trustsubstrate/internal/seal"
	"github.com/jmerrifield20/trustsubstrate/internal/verify"
	"go.uber.org/zap"
)

// LedgerHandler exposes chain verification and evidence seals to auditors.
type LedgerHandler struct {
	verifier *verify.Verifier
	sealer   *seal.Sealer
	logger   *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(verifier *verify.Verifier, sealer *seal.Sealer, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{verifier: verifier, sealer: sealer, logger: logger}
}

// Register mounts the verification and seal routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/ledger/:chain/verify", h.Verify)
	rg.POST("/ledger/:chain/seals", h.CreateSeal)
	rg.GET("/ledger/:chain/seals", h.ListSeals)

	s := rg.Group("/seals")
	{
		s.GET("/public-key", h.PublicKey)
		s.GET("/:id", h.GetSeal)
		s.POST("/verify", h.VerifySeal)
	}
}

// Verify handles GET /ledger/:chain/verify?from=&to=. A broken chain is a
// 200 response with intact=false; the report names the first bad row.
func (h *LedgerHandler) Verify(c *gin.Context) {
	chain, err := ledger.ParseChain(c.Param("chain"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	rep, err := h.verifier.VerifyChain(c.Request.Context(), chain, c.Query("from"), c.Query("to"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if !rep.Intact {
		h.logger.Warn("chain integrity check failed",
			zap.String("chain", string(chain)),
			zap.String("broken_at", rep.BrokenAt),
		)
	}
	c.JSON(http.StatusOK, rep)
}

type sealRequest struct {
	RangeStart string `json:"range_start" binding:"required"`
	RangeEnd   string `json:"range_end" binding:"required"`
}

// CreateSeal handles POST /ledger/:chain/seals.
func (h *LedgerHandler) CreateSeal(c *gin.Context) {
	chain, err := ledger.ParseChain(c.Param("chain"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	var req sealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, err := h.sealer.GenerateSeal(c.Request.Context(), chain, req.RangeStart, req.RangeEnd)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

// ListSeals handles GET /ledger/:chain/seals?limit=.
func (h *LedgerHandler) ListSeals(c *gin.Context) {
	chain, err := ledger.ParseChain(c.Param("chain"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	seals, err := h.sealer.List(c.Request.Context(), chain, limit)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"seals": seals, "count": len(seals)})
}

// GetSeal handles GET /seals/:id.
func (h *LedgerHandler) GetSeal(c *gin.Context) {
	s, err := h.sealer.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

type verifySealRequest struct {
	Seal *seal.EvidenceSeal `json:"seal" binding:"required"`
	Rows []*ledger.Row      `json:"rows"`
}

// VerifySeal handles POST /seals/verify. The rows are checked against the
// seal with the sealer's public key; nothing is read from the store.
func (h *LedgerHandler) VerifySeal(c *gin.Context) {
	var req verifySealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.sealer.Verify(req.Seal, req.Rows); err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// PublicKey handles GET /seals/public-key.
func (h *LedgerHandler) PublicKey(c *gin.Context) {
	pemBytes, err := h.sealer.Keys().PublicKeyPEM()
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"key_id":     h.sealer.Keys().KeyID(),
		"algorithm":  "EdDSA",
		"public_key": string(pemBytes),
	})
}
