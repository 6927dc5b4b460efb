package main

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	apiKeyHeader     = "X-Api-Key"
	callerContextKey = "caller"
	anonymousCaller  = "anonymous"
)

// Server exposes the reward ledger over HTTP.
type Server struct {
	ledger   RewardLedger
	callers  *CallerDirectory
	logger   *zap.Logger
	router   *gin.Engine
	throttle *keyThrottle
}

func NewServer(ledger RewardLedger, callers *CallerDirectory, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if callers == nil {
		callers = &CallerDirectory{}
	}

	router := gin.New()
	s := &Server{
		ledger:   ledger,
		callers:  callers,
		logger:   logger,
		router:   router,
		throttle: newKeyThrottle(keyThrottleConfig()),
	}

	router.Use(gin.Recovery(), s.accessLog(), s.identifyCaller())

	router.GET("/health", s.handleHealth)

	pool := router.Group("/pool")
	{
		pool.GET("", s.handlePool)
		pool.GET("/:metric", s.handlePoolMetric)
		pool.POST("/fund", s.handleFundPool)
	}

	claims := router.Group("/claims")
	{
		claims.POST("", s.handleClaimReward)
		claims.GET("/:user/:milestone", s.handleClaimStatus)
	}

	admin := router.Group("/admin")
	{
		admin.POST("/withdraw", s.handleEmergencyWithdraw)
		admin.POST("/admin", s.handleUpdateAdmin)
		admin.GET("/journal", s.handleJournal)
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		caller := callerFrom(c)
		s.logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("caller", caller.Name),
		)
	}
}

// identifyCaller resolves X-Api-Key. A request without a key is anonymous;
// a request with an unknown key is rejected outright, and repeated
// rejections from one IP are throttled.
func (s *Server) identifyCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(apiKeyHeader)
		if key == "" {
			c.Set(callerContextKey, Caller{Name: anonymousCaller})
			c.Next()
			return
		}

		ip := c.ClientIP()
		if allowed, retryAfter := s.throttle.Allow(ip); !allowed {
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"ok": false, "error": "RATE_LIMITED"})
			return
		}

		caller, ok := s.callers.Resolve(key)
		if !ok {
			s.throttle.RecordFailure(ip)
			s.logger.Warn("rejected api key", zap.String("ip", ip))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": ErrUnauthorized.Error()})
			return
		}
		c.Set(callerContextKey, caller)
		c.Next()
	}
}

func callerFrom(c *gin.Context) Caller {
	value, ok := c.Get(callerContextKey)
	if !ok {
		return Caller{Name: anonymousCaller}
	}
	caller, ok := value.(Caller)
	if !ok {
		return Caller{Name: anonymousCaller}
	}
	return caller
}

func statusForCode(code string) int {
	switch code {
	case ErrNotInitialized.Error(), ErrAlreadyInitialized.Error():
		return http.StatusConflict
	case ErrUnauthorized.Error():
		return http.StatusForbidden
	case ErrInvalidAmount.Error(), ErrMalformedInput.Error(), "INVALID_REQUEST":
		return http.StatusBadRequest
	case ErrAlreadyClaimed.Error(), ErrInsufficientBalance.Error(), ErrPaymentReplayed.Error():
		return http.StatusConflict
	case ErrPaymentMismatch.Error():
		return http.StatusUnprocessableEntity
	case ErrTransferFailed.Error():
		return http.StatusBadGateway
	case "RATE_LIMITED":
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := errorCode(err)
	if !isLedgerError(err) {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(statusForCode(code), gin.H{"ok": false, "error": code})
}

func invalidRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "INVALID_REQUEST"})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type poolResponse struct {
	OK        bool   `json:"ok"`
	Pool      Pool   `json:"pool"`
	Available uint64 `json:"available"`
}

func (s *Server) handlePool(c *gin.Context) {
	pool, err := s.ledger.PoolSnapshot(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	available, err := pool.Available()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, poolResponse{OK: true, Pool: pool, Available: available})
}

func (s *Server) handlePoolMetric(c *gin.Context) {
	ctx := c.Request.Context()
	metric := c.Param("metric")

	var value uint64
	var err error
	switch metric {
	case "total":
		value, err = s.ledger.GetTotalPool(ctx)
	case "claimed":
		value, err = s.ledger.GetTotalClaimed(ctx)
	case "available":
		value, err = s.ledger.GetAvailableBalance(ctx)
	default:
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "UNKNOWN_METRIC"})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "metric": metric, "value": value})
}

type FundPoolRequest struct {
	Amount uint64 `json:"amount"`
	TxID   string `json:"txId"`
	// Evidence fields are ignored when the ledger verifies payments itself.
	// A missing paidAmount is evidence of nothing paid.
	Sender     string  `json:"sender,omitempty"`
	Receiver   string  `json:"receiver,omitempty"`
	PaidAmount *uint64 `json:"paidAmount,omitempty"`
}

// paymentEvidence only parses the request. Every ledger gate, the
// transaction id check included, runs in FundPool in its fixed order.
func paymentEvidence(req FundPoolRequest) (PaymentEvidence, error) {
	evidence := PaymentEvidence{TxID: req.TxID}
	if req.PaidAmount != nil {
		evidence.Amount = *req.PaidAmount
	}
	if req.Sender != "" {
		sender, ok := parseAccountID(req.Sender)
		if !ok {
			return PaymentEvidence{}, fmt.Errorf("%w: sender", ErrMalformedInput)
		}
		evidence.Sender = sender
	}
	if req.Receiver != "" {
		receiver, ok := parseAccountID(req.Receiver)
		if !ok {
			return PaymentEvidence{}, fmt.Errorf("%w: receiver", ErrMalformedInput)
		}
		evidence.Receiver = receiver
	}
	return evidence, nil
}

func (s *Server) handleFundPool(c *gin.Context) {
	var req FundPoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c)
		return
	}

	evidence, err := paymentEvidence(req)
	if err != nil {
		s.fail(c, err)
		return
	}

	settlement, err := s.ledger.FundPool(c.Request.Context(), callerFrom(c).Account, req.Amount, evidence)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "settlement": settlement})
}

type ClaimRewardRequest struct {
	Recipient   string `json:"recipient"`
	MilestoneID string `json:"milestoneId"`
	GameID      string `json:"gameId,omitempty"`
	Amount      uint64 `json:"amount"`
}

func (s *Server) handleClaimReward(c *gin.Context) {
	var req ClaimRewardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c)
		return
	}
	recipient, ok := parseAccountID(req.Recipient)
	if !ok {
		s.fail(c, fmt.Errorf("%w: recipient", ErrMalformedInput))
		return
	}

	record, err := s.ledger.ClaimReward(c.Request.Context(), callerFrom(c).Account, ClaimRequest{
		Recipient:   recipient,
		MilestoneID: req.MilestoneID,
		GameID:      req.GameID,
		Amount:      req.Amount,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "claim": record})
}

func (s *Server) handleClaimStatus(c *gin.Context) {
	ctx := c.Request.Context()
	user, ok := parseAccountID(c.Param("user"))
	if !ok {
		s.fail(c, fmt.Errorf("%w: user", ErrMalformedInput))
		return
	}
	milestoneID := c.Param("milestone")

	// One read, so claimed and amount always describe the same state.
	record, err := s.ledger.GetClaim(ctx, user, milestoneID)
	if err != nil {
		s.fail(c, err)
		return
	}
	response := gin.H{
		"ok":          true,
		"user":        user.Hex(),
		"milestoneId": milestoneID,
		"claimed":     record != nil,
		"amount":      uint64(0),
	}
	if record != nil {
		response["amount"] = record.Amount
		response["settlementId"] = record.SettlementID
		response["claimedAt"] = record.ClaimedAt
	}
	c.JSON(http.StatusOK, response)
}

type WithdrawRequest struct {
	Amount uint64 `json:"amount"`
}

func (s *Server) handleEmergencyWithdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c)
		return
	}

	settlement, err := s.ledger.EmergencyWithdraw(c.Request.Context(), callerFrom(c).Account, req.Amount)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "settlement": settlement})
}

type UpdateAdminRequest struct {
	Admin string `json:"admin"`
}

func (s *Server) handleUpdateAdmin(c *gin.Context) {
	var req UpdateAdminRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c)
		return
	}
	admin, ok := parseAccountID(req.Admin)
	if !ok {
		s.fail(c, fmt.Errorf("%w: admin", ErrMalformedInput))
		return
	}

	if err := s.ledger.UpdateAdmin(c.Request.Context(), callerFrom(c).Account, admin); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "admin": admin.Hex()})
}

// handleJournal is restricted to the pool's owner and admin.
func (s *Server) handleJournal(c *gin.Context) {
	ctx := c.Request.Context()
	caller := callerFrom(c).Account

	pool, err := s.ledger.PoolSnapshot(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	if requireRole(pool, RoleOwner, caller) != nil && requireRole(pool, RoleAdmin, caller) != nil {
		s.fail(c, ErrUnauthorized)
		return
	}

	limit := defaultJournalLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			invalidRequest(c)
			return
		}
		limit = parsed
	}

	entries, err := s.ledger.Journal(ctx, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "entries": entries})
}
