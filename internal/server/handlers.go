package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/tradeshield/tradeshield/internal/cashout"
	"github.com/tradeshield/tradeshield/internal/escrow"
	"github.com/tradeshield/tradeshield/internal/idgen"
	"github.com/tradeshield/tradeshield/internal/ledger"
	"github.com/tradeshield/tradeshield/internal/metrics"
	"github.com/tradeshield/tradeshield/internal/money"
	"github.com/tradeshield/tradeshield/internal/pagination"
	"github.com/tradeshield/tradeshield/internal/validation"
	"github.com/tradeshield/tradeshield/internal/wallet"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket ops feed
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.ServeWS(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.Use(validation.UserIDParamMiddleware())

	v1.GET("/platform", s.platformHandler)

	// Wallets and history
	v1.GET("/users/:userId/balance", s.getBalance)
	v1.GET("/users/:userId/transactions", s.listTransactions)

	// Escrows
	v1.POST("/escrows", s.createEscrow)
	v1.GET("/escrows/:id", s.getEscrow)
	v1.GET("/escrows/:id/refunds", s.listEscrowRefunds)
	v1.POST("/escrows/:id/accept", s.acceptEscrow)
	v1.POST("/escrows/:id/cancel", s.cancelEscrow)
	v1.POST("/escrows/:id/release", s.releaseEscrow)
	v1.GET("/users/:userId/escrows", s.listEscrows)

	// Cashouts
	v1.POST("/cashouts", s.createCashout)
	v1.GET("/cashouts/:id", s.getCashout)
	v1.GET("/users/:userId/cashouts", s.listCashouts)

	// Admin operations, guarded by a shared secret
	admin := v1.Group("/admin")
	admin.Use(s.adminAuth())
	{
		admin.POST("/deposits", s.recordDeposit)
		admin.POST("/escrows/:id/cancel", s.adminCancelEscrow)
		admin.POST("/escrows/sweep", s.sweepExpiredEscrows)
		admin.POST("/orphans/sweep", s.sweepOrphans)
		admin.GET("/orphans", s.listOrphans)
		admin.POST("/refunds/archive", s.archiveFailedRefunds)
		admin.POST("/cashouts/:id/complete", s.completeCashout)
	}
}

// adminAuth checks the X-Admin-Secret header. In development with no secret
// configured the check is skipped so local runs do not need credentials.
func (s *Server) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" && !s.cfg.IsProduction() {
			c.Next()
			return
		}
		got := c.GetHeader("X-Admin-Secret")
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "valid X-Admin-Secret header required",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) platformHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "TradeShield",
		"description": "Escrowed trades with at-most-once refunds",
		"version":     "0.1.0",
		"currency":    money.USD,
	})
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Wallets
// -----------------------------------------------------------------------------

func (s *Server) getBalance(c *gin.Context) {
	currency := c.DefaultQuery("currency", money.USD)
	w, err := s.wallets.Balance(c.Request.Context(), c.Param("userId"), currency)
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) listTransactions(c *gin.Context) {
	limit := parseLimit(c.Query("limit"))
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		s.badRequest(c, "invalid cursor")
		return
	}

	// Fetch one extra row to know whether another page exists.
	txs, err := s.history.ListByUser(c.Request.Context(), c.Param("userId"), limit+1, cursor)
	if err != nil {
		s.serverError(c, err)
		return
	}
	page, next, more := pagination.ComputePage(txs, limit, func(t *ledger.Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"transactions": page,
		"count":        len(page),
		"nextCursor":   next,
		"hasMore":      more,
	})
}

func parseLimit(raw string) int {
	if raw == "" {
		return defaultListLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

// -----------------------------------------------------------------------------
// Escrows
// -----------------------------------------------------------------------------

type createEscrowRequest struct {
	BuyerID     string `json:"buyerId" binding:"required"`
	SellerID    string `json:"sellerId" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Fee         string `json:"fee"`
	Description string `json:"description"`
	ExpiresIn   string `json:"expiresIn"` // Go duration, default 24h
}

func (s *Server) createEscrow(c *gin.Context) {
	var req createEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid request body")
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		s.badRequest(c, "invalid amount")
		return
	}
	fee := decimal.Zero
	if req.Fee != "" {
		if fee, err = decimal.NewFromString(req.Fee); err != nil {
			s.badRequest(c, "invalid fee")
			return
		}
	}
	expiresIn := 24 * time.Hour
	if req.ExpiresIn != "" {
		if expiresIn, err = time.ParseDuration(req.ExpiresIn); err != nil || expiresIn <= 0 {
			s.badRequest(c, "invalid expiresIn")
			return
		}
	}

	description := validation.SanitizeString(req.Description, 500)

	e, err := s.escrows.Create(c.Request.Context(), req.BuyerID, req.SellerID, amount, fee, description, expiresIn)
	if err != nil {
		s.escrowError(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

func (s *Server) getEscrow(c *gin.Context) {
	e, err := s.escrows.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.escrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) listEscrowRefunds(c *gin.Context) {
	refunds, err := s.refundStore.ListRefundsByEntity(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refunds": refunds, "count": len(refunds)})
}

func (s *Server) acceptEscrow(c *gin.Context) {
	var req struct {
		SellerID string `json:"sellerId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "sellerId is required")
		return
	}
	e, err := s.escrows.Accept(c.Request.Context(), c.Param("id"), req.SellerID)
	if err != nil {
		s.escrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) cancelEscrow(c *gin.Context) {
	var req struct {
		UserID string `json:"userId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "userId is required")
		return
	}
	e, result, err := s.escrows.Cancel(c.Request.Context(), c.Param("id"), req.UserID, false)
	if err != nil {
		s.escrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e, "refund": result})
}

func (s *Server) adminCancelEscrow(c *gin.Context) {
	e, result, err := s.escrows.Cancel(c.Request.Context(), c.Param("id"), "admin", true)
	if err != nil {
		s.escrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e, "refund": result})
}

func (s *Server) releaseEscrow(c *gin.Context) {
	var req struct {
		BuyerID string `json:"buyerId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "buyerId is required")
		return
	}
	e, err := s.escrows.Release(c.Request.Context(), c.Param("id"), req.BuyerID)
	if err != nil {
		s.escrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) listEscrows(c *gin.Context) {
	escrows, err := s.escrows.ListByUser(c.Request.Context(), c.Param("userId"), defaultListLimit)
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": escrows, "count": len(escrows)})
}

// -----------------------------------------------------------------------------
// Cashouts
// -----------------------------------------------------------------------------

type createCashoutRequest struct {
	UserID      string `json:"userId" binding:"required"`
	Kind        string `json:"kind" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Currency    string `json:"currency"`
	Destination string `json:"destination"`
}

func (s *Server) createCashout(c *gin.Context) {
	var req createCashoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid request body")
		return
	}

	kind := cashout.Kind(req.Kind)
	if kind != cashout.KindLegacyUSD && kind != cashout.KindDirectCrypto {
		s.badRequest(c, "kind must be legacy_usd or direct_crypto")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		s.badRequest(c, "invalid amount")
		return
	}
	currency := req.Currency
	if currency == "" {
		currency = money.USD
	}

	co, err := s.cashouts.Create(c.Request.Context(), req.UserID, kind, amount, currency, req.Destination)
	if err != nil {
		switch {
		case errors.Is(err, cashout.ErrInvalidAmount):
			s.badRequest(c, err.Error())
		case errors.Is(err, wallet.ErrInsufficientBalance), errors.Is(err, wallet.ErrWalletNotFound):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "insufficient_balance",
				"message": "wallet balance does not cover this cashout",
			})
		default:
			s.serverError(c, err)
		}
		return
	}
	c.JSON(http.StatusCreated, co)
}

func (s *Server) getCashout(c *gin.Context) {
	co, err := s.cashouts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, cashout.ErrCashoutNotFound) {
			s.notFound(c, "cashout not found")
			return
		}
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, co)
}

func (s *Server) listCashouts(c *gin.Context) {
	cashouts, err := s.cashouts.ListByUser(c.Request.Context(), c.Param("userId"), defaultListLimit)
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cashouts": cashouts, "count": len(cashouts)})
}

func (s *Server) completeCashout(c *gin.Context) {
	if err := s.cashouts.Complete(c.Request.Context(), c.Param("id")); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}

// -----------------------------------------------------------------------------
// Admin
// -----------------------------------------------------------------------------

// recordDeposit credits a user's wallet. In production this is the webhook
// target for the payment processor; in demo mode it funds test wallets.
func (s *Server) recordDeposit(c *gin.Context) {
	var req struct {
		UserID   string `json:"userId" binding:"required"`
		Amount   string `json:"amount" binding:"required"`
		Currency string `json:"currency"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid request body")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		s.badRequest(c, "amount must be a positive decimal")
		return
	}
	currency := req.Currency
	if currency == "" {
		currency = money.USD
	}

	ctx := c.Request.Context()
	if err := s.wallets.Credit(ctx, req.UserID, currency, amount); err != nil {
		s.serverError(c, err)
		return
	}
	tx := &ledger.Transaction{
		ID:          idgen.WithPrefix("txn_"),
		UserID:      req.UserID,
		Type:        ledger.TypeDeposit,
		Amount:      amount,
		Currency:    currency,
		Status:      ledger.StatusCompleted,
		Description: "Deposit",
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.history.Record(ctx, tx); err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tx)
}

func (s *Server) sweepExpiredEscrows(c *gin.Context) {
	report, err := s.escrows.ExpireDue(c.Request.Context(), 100)
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) sweepOrphans(c *gin.Context) {
	report, err := s.reconciler.RunCleanupCycle(c.Request.Context(), 100)
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) listOrphans(c *gin.Context) {
	orphans, err := s.reconciler.DetectOrphans(c.Request.Context(), 100)
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orphans": orphans, "count": len(orphans)})
}

func (s *Server) archiveFailedRefunds(c *gin.Context) {
	n, err := s.engine.ArchiveFailed(c.Request.Context(), s.cfg.FailedRetention)
	if err != nil {
		s.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": n})
}

// -----------------------------------------------------------------------------
// Error helpers
// -----------------------------------------------------------------------------

func (s *Server) badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": msg})
}

func (s *Server) notFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": msg})
}

func (s *Server) serverError(c *gin.Context, err error) {
	s.logger.Error("request failed", "path", c.Request.URL.Path, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "An unexpected error occurred",
	})
}

func (s *Server) escrowError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, escrow.ErrEscrowNotFound):
		s.notFound(c, "escrow not found")
	case errors.Is(err, escrow.ErrInvalidAmount), errors.Is(err, escrow.ErrSelfTrade):
		s.badRequest(c, err.Error())
	case errors.Is(err, escrow.ErrNotSeller), errors.Is(err, escrow.ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, escrow.ErrWrongStatus):
		c.JSON(http.StatusConflict, gin.H{"error": "wrong_status", "message": err.Error()})
	case errors.Is(err, wallet.ErrInsufficientBalance), errors.Is(err, wallet.ErrWalletNotFound):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "insufficient_balance",
			"message": "wallet balance does not cover this escrow",
		})
	default:
		s.serverError(c, err)
	}
}
