// Package httpapi exposes the metering ledger and the reward engine over HTTP.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditmeter/pkg/rewards"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey = "auth_claims"
	bearerPrefix     = "Bearer "
	shutdownTimeout  = 5 * time.Second

	errorUnauthorized         = "unauthorized"
	errorInvalidPayload       = "invalid_payload"
	errorInvalidQuery         = "invalid_query"
	errorInvalidAmount        = "invalid_amount"
	errorInvalidUserID        = "invalid_user_id"
	errorInvalidIdempotency   = "invalid_idempotency_key"
	errorInvalidMetadata      = "invalid_metadata"
	errorInvalidType          = "invalid_transaction_type"
	errorUnknownAction        = "unknown_action"
	errorInsufficientCredits  = "insufficient_credits"
	errorIdempotencyKeyReused = "idempotency_key_reused"
	errorLedgerWriteFailed    = "ledger_write_failed"
	errorLedgerInconsistent   = "ledger_inconsistent"
	errorInternal             = "internal_error"
)

// Server serves the ledger HTTP API.
type Server struct {
	cfg     Config
	service *ledger.Service
	engine  *rewards.Engine
	logger  *zap.Logger
	router  *gin.Engine
}

// NewServer validates cfg and builds the router. A nil gatherer disables /metrics.
func NewServer(cfg Config, service *ledger.Service, engine *rewards.Engine, gatherer prometheus.Gatherer, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if service == nil || engine == nil {
		return nil, fmt.Errorf("%w: ledger service and reward engine are required", ledger.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	server := &Server{cfg: cfg, service: service, engine: engine, logger: logger}
	server.router = server.setupRouter(validator, gatherer)
	return server, nil
}

// Handler returns the root HTTP handler.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Run serves on cfg.ListenAddr until ctx is canceled.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              server.cfg.ListenAddr,
		Handler:           server.router,
		ReadHeaderTimeout: server.cfg.RequestTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) setupRouter(validator *sessionvalidator.Validator, gatherer prometheus.Gatherer) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))
	api.GET("/balance", server.handleBalance)
	api.GET("/transactions", server.handleTransactions)
	api.POST("/debits", server.handleDebit)
	api.POST("/charges", server.handleCharge)
	api.POST("/rewards/spin", server.handleSpin)
	api.GET("/rewards/eligibility", server.handleEligibility)

	if server.cfg.InternalToken != "" {
		internal := router.Group("/internal")
		internal.Use(server.requireInternalToken)
		internal.POST("/credits", server.handleInternalCredit)
	}

	return router
}

func (server *Server) handleBalance(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	balance, err := server.service.Balance(requestCtx, userID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newBalancePayload(balance))
}

func (server *Server) handleTransactions(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	limit, err := queryInt(ctx, "limit", defaultHistoryLimit)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidQuery, err.Error()))
		return
	}
	before, err := queryInt(ctx, "before", 0)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidQuery, err.Error()))
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	transactions, err := server.service.ListTransactions(requestCtx, userID, int64(before), limit)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	payload := transactionsResponse{Transactions: make([]transactionPayload, 0, len(transactions))}
	for _, transaction := range transactions {
		payload.Transactions = append(payload.Transactions, newTransactionPayload(transaction))
	}
	if count := len(transactions); count > 0 && count == ledger.EffectiveListLimit(limit) {
		payload.NextBefore = transactions[count-1].Sequence()
	}
	ctx.JSON(http.StatusOK, payload)
}

func (server *Server) handleDebit(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	var request debitRequest
	if !bindJSON(ctx, &request) {
		return
	}
	amount, err := ledger.NewPositiveCredits(request.Amount)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	metadata, err := ledger.MetadataFromMap(request.Metadata)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	receipt, err := server.service.Debit(requestCtx, userID, amount, request.Description, ledger.NewOptionalIdempotencyKey(request.IdempotencyKey), metadata)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newReceiptPayload(receipt))
}

func (server *Server) handleCharge(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	var request chargeRequest
	if !bindJSON(ctx, &request) {
		return
	}
	metadata, err := ledger.MetadataFromMap(request.Metadata)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	receipt, err := server.service.Charge(requestCtx, userID, request.Action, request.Quantity, ledger.NewOptionalIdempotencyKey(request.IdempotencyKey), metadata)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newReceiptPayload(receipt))
}

func (server *Server) handleSpin(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	result, err := server.engine.RequestReward(requestCtx, userID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, rewardPayload{
		Granted:    result.Granted,
		CreditsWon: result.CreditsWon.Int64(),
		PrizeLabel: result.PrizeLabel,
		NewBalance: result.NewBalance.Int64(),
		IsWelcome:  result.IsWelcome,
		Threshold:  result.Threshold,
		Reason:     result.Reason,
	})
}

func (server *Server) handleEligibility(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	eligibility, err := server.engine.Eligibility(requestCtx, userID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, eligibilityPayload{
		Eligible:  eligibility.Eligible,
		Threshold: eligibility.Threshold,
		IsWelcome: eligibility.IsWelcome,
		Reason:    eligibility.Reason,
	})
}

func (server *Server) handleInternalCredit(ctx *gin.Context) {
	var request creditRequest
	if !bindJSON(ctx, &request) {
		return
	}
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	amount, err := ledger.NewPositiveCredits(request.Amount)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	transactionType := ledger.TransactionPurchase
	if strings.TrimSpace(request.Type) != "" {
		transactionType, err = ledger.ParseTransactionType(request.Type)
		if err != nil {
			server.respondError(ctx, err)
			return
		}
	}
	metadata, err := ledger.MetadataFromMap(request.Metadata)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	requestCtx, cancel := server.requestContext(ctx)
	defer cancel()

	receipt, err := server.service.Credit(requestCtx, userID, amount, transactionType, request.Description, ledger.NewOptionalIdempotencyKey(request.IdempotencyKey), metadata)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newReceiptPayload(receipt))
}

func (server *Server) requireInternalToken(ctx *gin.Context) {
	header := ctx.GetHeader("Authorization")
	token, found := strings.CutPrefix(header, bearerPrefix)
	if !found || subtle.ConstantTimeCompare([]byte(token), []byte(server.cfg.InternalToken)) != 1 {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(errorUnauthorized, "invalid service token"))
		return
	}
	ctx.Next()
}

func (server *Server) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
}

func (server *Server) respondError(ctx *gin.Context, err error) {
	status, code := mapError(err)
	if status >= http.StatusInternalServerError {
		server.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.String("code", code), zap.Error(err))
	}
	message := err.Error()
	if errors.Is(err, ledger.ErrLedgerWriteFailed) {
		message = "ledger write failed, try again"
	}
	ctx.JSON(status, errorResponse(code, message))
}

func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return http.StatusPaymentRequired, errorInsufficientCredits
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, errorInvalidAmount
	case errors.Is(err, ledger.ErrInvalidUserID):
		return http.StatusBadRequest, errorInvalidUserID
	case errors.Is(err, ledger.ErrInvalidIdempotencyKey):
		return http.StatusBadRequest, errorInvalidIdempotency
	case errors.Is(err, ledger.ErrInvalidMetadataJSON):
		return http.StatusBadRequest, errorInvalidMetadata
	case errors.Is(err, ledger.ErrInvalidTransactionType):
		return http.StatusBadRequest, errorInvalidType
	case errors.Is(err, ledger.ErrUnknownAction):
		return http.StatusBadRequest, errorUnknownAction
	case errors.Is(err, ledger.ErrIdempotencyKeyReused):
		return http.StatusConflict, errorIdempotencyKeyReused
	case errors.Is(err, ledger.ErrLedgerWriteFailed):
		return http.StatusServiceUnavailable, errorLedgerWriteFailed
	case errors.Is(err, ledger.ErrLedgerInconsistent):
		return http.StatusInternalServerError, errorLedgerInconsistent
	default:
		return http.StatusInternalServerError, errorInternal
	}
}

func sessionUser(ctx *gin.Context) (ledger.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorUnauthorized, "missing session"))
		return ledger.UserID{}, false
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorUnauthorized, "session has no user"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func bindJSON(ctx *gin.Context, target any) bool {
	if err := ctx.ShouldBindJSON(target); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorInvalidPayload, "expected JSON body"))
		return false
	}
	return true
}

func queryInt(ctx *gin.Context, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(ctx.Query(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return value, nil
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type debitRequest struct {
	Amount         int64          `json:"amount"`
	Description    string         `json:"description"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

type chargeRequest struct {
	Action         string         `json:"action"`
	Quantity       int64          `json:"quantity"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

type creditRequest struct {
	UserID         string         `json:"user_id"`
	Amount         int64          `json:"amount"`
	Type           string         `json:"type"`
	Description    string         `json:"description"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

type balancePayload struct {
	UserID      string `json:"user_id"`
	Balance     int64  `json:"balance"`
	TotalEarned int64  `json:"total_earned"`
	TotalSpent  int64  `json:"total_spent"`
}

func newBalancePayload(balance ledger.Balance) balancePayload {
	return balancePayload{
		UserID:      balance.UserID.String(),
		Balance:     balance.Available.Int64(),
		TotalEarned: balance.TotalEarned.Int64(),
		TotalSpent:  balance.TotalSpent.Int64(),
	}
}

type receiptPayload struct {
	TransactionID string `json:"transaction_id"`
	Balance       int64  `json:"balance"`
	Replayed      bool   `json:"replayed"`
}

func newReceiptPayload(receipt ledger.Receipt) receiptPayload {
	return receiptPayload{
		TransactionID: receipt.TransactionID.String(),
		Balance:       receipt.Balance.Int64(),
		Replayed:      receipt.Replayed,
	}
}

type transactionsResponse struct {
	Transactions []transactionPayload `json:"transactions"`
	NextBefore   int64                `json:"next_before,omitempty"`
}

type transactionPayload struct {
	TransactionID  string          `json:"transaction_id"`
	Type           string          `json:"type"`
	Amount         int64           `json:"amount"`
	Description    string          `json:"description"`
	BalanceAfter   int64           `json:"balance_after"`
	Sequence       int64           `json:"sequence"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

func newTransactionPayload(transaction ledger.Transaction) transactionPayload {
	payload := transactionPayload{
		TransactionID:  transaction.TransactionID().String(),
		Type:           transaction.Type().String(),
		Amount:         transaction.Amount().Int64(),
		Description:    transaction.Description(),
		BalanceAfter:   transaction.BalanceAfter().Int64(),
		Sequence:       transaction.Sequence(),
		Metadata:       json.RawMessage(transaction.Metadata().String()),
		CreatedUnixUTC: transaction.CreatedUnixUTC(),
	}
	if key, ok := transaction.IdempotencyKey(); ok {
		payload.IdempotencyKey = key.String()
	}
	return payload
}

type rewardPayload struct {
	Granted    bool   `json:"granted"`
	CreditsWon int64  `json:"credits_won"`
	PrizeLabel string `json:"prize_label,omitempty"`
	NewBalance int64  `json:"new_balance"`
	IsWelcome  bool   `json:"is_welcome"`
	Threshold  *int64 `json:"threshold,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type eligibilityPayload struct {
	Eligible  bool   `json:"eligible"`
	Threshold *int64 `json:"threshold,omitempty"`
	IsWelcome bool   `json:"is_welcome"`
	Reason    string `json:"reason,omitempty"`
}
