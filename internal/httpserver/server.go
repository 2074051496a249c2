// Package httpserver exposes the credit ledger over HTTP for the web client
// and the payment provider's capture webhook.
package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/arcanalabs/credits/internal/readings"
	"github.com/arcanalabs/credits/pkg/credits"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// Oracle produces the paid content a reading or follow-up question buys.
type Oracle interface {
	DrawReading(ctx context.Context, kind credits.OperationKind, question string) (readings.Reading, error)
	AnswerQuestion(ctx context.Context, question string) (readings.Answer, error)
}

// Dependencies carries the wired domain services the handlers delegate to.
type Dependencies struct {
	Ledger       *credits.Service
	Guard        *credits.Guard
	Orchestrator *credits.Orchestrator
	Oracle       Oracle
	Logger       *zap.Logger
}

func (deps *Dependencies) validate() error {
	if deps.Ledger == nil || deps.Guard == nil || deps.Orchestrator == nil || deps.Oracle == nil {
		return fmt.Errorf("ledger, guard, orchestrator and oracle are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return nil
}

// Run boots the HTTP API and blocks until ctx is canceled or the listener
// fails.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	router, err := NewRouter(cfg, deps)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		deps.Logger.Info("credits api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			deps.Logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter assembles the gin engine; exposed so tests can drive it through
// httptest without a listener.
func NewRouter(cfg Config, deps Dependencies) (*gin.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}

	handler := &httpHandler{
		logger:       deps.Logger,
		ledger:       deps.Ledger,
		guard:        deps.Guard,
		orchestrator: deps.Orchestrator,
		oracle:       deps.Oracle,
		cfg:          cfg,
		nowFn:        func() time.Time { return time.Now().UTC() },
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", headerIdempotencyKey},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/payments/capture", handler.handleCapture)

	api := router.Group("/api")
	api.Use(sessionValidator.GinMiddleware("auth_claims"))

	api.GET("/session", handler.handleSession)
	api.POST("/bootstrap", handler.handleBootstrap)
	api.GET("/wallet", handler.handleWallet)
	api.GET("/pricing", handler.handlePricing)
	api.POST("/readings", handler.handleReading)
	api.POST("/questions", handler.handleQuestion)
	api.POST("/bonus/daily", handler.handleDailyBonus)
	api.POST("/credits/deduct", handler.handleAdminDeduct)
	api.POST("/credits/add", handler.handleAdminAdd)
	api.POST("/credits/refund", handler.handleAdminRefund)
	api.POST("/payments/checkout", handler.handleCheckout)

	return router, nil
}

type httpHandler struct {
	logger       *zap.Logger
	ledger       *credits.Service
	guard        *credits.Guard
	orchestrator *credits.Orchestrator
	oracle       Oracle
	cfg          Config
	nowFn        func() time.Time
}

func (handler *httpHandler) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	ctx.JSON(http.StatusOK, SessionEnvelope{
		UserID:  claims.GetUserID(),
		Email:   claims.GetUserEmail(),
		Display: claims.GetUserDisplayName(),
		Avatar:  claims.GetUserAvatarURL(),
		Roles:   claims.GetUserRoles(),
		Expires: claims.GetExpiresAt().Unix(),
	})
}

func (handler *httpHandler) handleBootstrap(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	userID, err := credits.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", "malformed user id"))
		return
	}
	key, err := credits.NewIdempotencyKey("bootstrap:" + userID.String())
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "key derivation failed"))
		return
	}
	handler.guarded(ctx, key, credits.ScopeBootstrap, func(requestCtx context.Context) (snapshotEnvelope, error) {
		view, created, err := handler.ledger.Bootstrap(requestCtx, userID)
		if err != nil {
			return snapshotEnvelope{}, err
		}
		return envelopeOf(http.StatusOK, BootstrapEnvelope{
			Created: created,
			Balance: balancePayloadOf(view),
		})
	})
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	userID, err := credits.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", "malformed user id"))
		return
	}
	requestCtx := ctx.Request.Context()
	view, err := handler.ledger.Balance(requestCtx, userID)
	if errors.Is(err, credits.ErrAccountNotFound) {
		ctx.JSON(http.StatusNotFound, errorResponse("no_account", "bootstrap the account first"))
		return
	}
	if err != nil {
		handler.logger.Error("balance fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "balance unavailable"))
		return
	}
	history, err := handler.ledger.ListTransactions(requestCtx, userID, handler.nowFn().Add(time.Second).Unix(), WalletHistoryLimit())
	if err != nil {
		handler.logger.Error("history fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "history unavailable"))
		return
	}
	transactions := make([]TransactionPayload, 0, len(history))
	for _, transaction := range history {
		transactions = append(transactions, transactionPayloadOf(transaction))
	}
	ctx.JSON(http.StatusOK, WalletEnvelope{Wallet: WalletPayload{
		Balance:      balancePayloadOf(view),
		Transactions: transactions,
	}})
}

func (handler *httpHandler) handlePricing(ctx *gin.Context) {
	prices := handler.ledger.Prices()
	payload := make(map[string]int64, len(prices))
	for kind, cost := range prices {
		payload[kind.String()] = cost.Int64()
	}
	ctx.JSON(http.StatusOK, PricingEnvelope{Prices: payload})
}

func (handler *httpHandler) handleReading(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request readingRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	kind, err := credits.ParseOperationKind(request.Spread)
	if err != nil || kind == credits.OperationFollowUpQuestion {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_spread", "unknown spread"))
		return
	}
	userID, key, ok := handler.clientKey(ctx, claims)
	if !ok {
		return
	}
	handler.guarded(ctx, key, credits.ScopeReading, func(requestCtx context.Context) (snapshotEnvelope, error) {
		outcome, err := handler.orchestrator.Execute(requestCtx, userID, kind, "reading: "+kind.String(), func(effectCtx context.Context) (json.RawMessage, error) {
			reading, err := handler.oracle.DrawReading(effectCtx, kind, request.Question)
			if err != nil {
				return nil, err
			}
			return json.Marshal(reading)
		})
		if envelope, handled, err := paidFailureEnvelope(err); handled {
			return envelope, err
		}
		return envelopeOf(http.StatusOK, ReadingEnvelope{
			Reading:       outcome.Result,
			TransactionID: outcome.TransactionID.String(),
			NewBalance:    outcome.NewBalance.Int64(),
		})
	})
}

func (handler *httpHandler) handleQuestion(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request questionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, key, ok := handler.clientKey(ctx, claims)
	if !ok {
		return
	}
	handler.guarded(ctx, key, credits.ScopeQuestion, func(requestCtx context.Context) (snapshotEnvelope, error) {
		outcome, err := handler.orchestrator.Execute(requestCtx, userID, credits.OperationFollowUpQuestion, "follow-up question", func(effectCtx context.Context) (json.RawMessage, error) {
			answer, err := handler.oracle.AnswerQuestion(effectCtx, request.Question)
			if err != nil {
				return nil, err
			}
			return json.Marshal(answer)
		})
		if envelope, handled, err := paidFailureEnvelope(err); handled {
			return envelope, err
		}
		return envelopeOf(http.StatusOK, AnswerEnvelope{
			Answer:        outcome.Result,
			TransactionID: outcome.TransactionID.String(),
			NewBalance:    outcome.NewBalance.Int64(),
		})
	})
}

func (handler *httpHandler) handleDailyBonus(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	userID, err := credits.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", "malformed user id"))
		return
	}
	// The key encodes the UTC day, so one claim per day per user.
	day := handler.nowFn().Format("2006-01-02")
	key, err := credits.NewIdempotencyKey("daily:" + userID.String() + ":" + day)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "key derivation failed"))
		return
	}
	amount, err := credits.NewPositiveAmount(DailyBonusCredits())
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "bonus misconfigured"))
		return
	}
	handler.guarded(ctx, key, credits.ScopeDailyBonus, func(requestCtx context.Context) (snapshotEnvelope, error) {
		receipt, err := handler.ledger.Add(requestCtx, userID, amount, credits.KindDailyBonus, "daily bonus "+day)
		if err != nil {
			return snapshotEnvelope{}, err
		}
		return envelopeOf(http.StatusOK, ReceiptEnvelope{
			TransactionID: receipt.TransactionID.String(),
			NewBalance:    receipt.NewBalance.Int64(),
		})
	})
}

func (handler *httpHandler) handleAdminDeduct(ctx *gin.Context) {
	handler.handleAdminMutation(ctx, credits.ScopeDeduct)
}

func (handler *httpHandler) handleAdminAdd(ctx *gin.Context) {
	handler.handleAdminMutation(ctx, credits.ScopeAdd)
}

func (handler *httpHandler) handleAdminRefund(ctx *gin.Context) {
	handler.handleAdminMutation(ctx, credits.ScopeRefund)
}

func (handler *httpHandler) handleAdminMutation(ctx *gin.Context, scope credits.Scope) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	if !hasRole(claims, adminRole) {
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "admin role required"))
		return
	}
	var request adminCreditRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := credits.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", "malformed user id"))
		return
	}
	amount, err := credits.NewPositiveAmount(request.AmountCredits)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be a positive integer"))
		return
	}
	kind, err := adminTransactionKind(scope, request.Kind)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_kind", "unknown transaction kind"))
		return
	}
	_, key, ok := handler.adminKey(ctx, claims)
	if !ok {
		return
	}
	handler.guarded(ctx, key, scope, func(requestCtx context.Context) (snapshotEnvelope, error) {
		receipt, err := handler.runAdminMutation(requestCtx, scope, userID, amount, kind, request)
		if errors.Is(err, credits.ErrInsufficientCredits) {
			return envelopeOf(http.StatusPaymentRequired, ErrorEnvelope{Error: ErrorPayload{
				Code:    "insufficient_credits",
				Message: "balance is below the requested amount",
			}})
		}
		if errors.Is(err, credits.ErrAccountNotFound) {
			return envelopeOf(http.StatusNotFound, ErrorEnvelope{Error: ErrorPayload{
				Code:    "no_account",
				Message: "account does not exist",
			}})
		}
		if err != nil {
			return snapshotEnvelope{}, err
		}
		return envelopeOf(http.StatusOK, ReceiptEnvelope{
			TransactionID: receipt.TransactionID.String(),
			NewBalance:    receipt.NewBalance.Int64(),
		})
	})
}

func (handler *httpHandler) runAdminMutation(ctx context.Context, scope credits.Scope, userID credits.UserID, amount credits.PositiveAmount, kind credits.TransactionKind, request adminCreditRequest) (credits.Receipt, error) {
	switch scope {
	case credits.ScopeDeduct:
		return handler.ledger.Deduct(ctx, userID, amount, kind, request.Description)
	case credits.ScopeRefund:
		var refundOf *credits.TransactionID
		if request.RefundOf != "" {
			parsed, err := credits.NewTransactionID(request.RefundOf)
			if err != nil {
				return credits.Receipt{}, err
			}
			refundOf = &parsed
		}
		return handler.ledger.Refund(ctx, userID, amount, request.Description, refundOf)
	default:
		return handler.ledger.Add(ctx, userID, amount, kind, request.Description)
	}
}

// adminTransactionKind validates the requested kind; an omitted kind falls
// back to the scope's natural default, anything else must parse.
func adminTransactionKind(scope credits.Scope, raw string) (credits.TransactionKind, error) {
	if scope == credits.ScopeRefund {
		return credits.KindRefund, nil
	}
	if raw == "" {
		if scope == credits.ScopeDeduct {
			return credits.KindReading, nil
		}
		return credits.KindAchievement, nil
	}
	return credits.ParseTransactionKind(raw)
}

func (handler *httpHandler) handleCheckout(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request checkoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.Credits < MinimumPurchaseCredits() || request.Credits%PurchaseIncrement() != 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_credits", fmt.Sprintf("credits must be >= %d and in steps of %d", MinimumPurchaseCredits(), PurchaseIncrement())))
		return
	}
	userID, err := credits.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", "malformed user id"))
		return
	}
	amount, err := credits.NewPositiveAmount(request.Credits)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_credits", "credits must be a positive integer"))
		return
	}
	reference, err := credits.NewExternalReference("order-" + uuid.NewString())
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "reference generation failed"))
		return
	}
	transactionID, err := handler.ledger.RecordPendingPurchase(ctx.Request.Context(), userID, amount, reference, fmt.Sprintf("purchase of %d credits", request.Credits))
	if errors.Is(err, credits.ErrAccountNotFound) {
		ctx.JSON(http.StatusNotFound, errorResponse("no_account", "bootstrap the account first"))
		return
	}
	if err != nil {
		handler.logger.Error("checkout failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "checkout failed"))
		return
	}
	ctx.JSON(http.StatusOK, CheckoutEnvelope{
		OrderReference: reference.String(),
		TransactionID:  transactionID.String(),
		Credits:        request.Credits,
	})
}

// handleCapture is the payment provider's webhook. It authenticates with a
// shared secret rather than a user session; replays of a completed order are
// acknowledged without crediting twice.
func (handler *httpHandler) handleCapture(ctx *gin.Context) {
	secret := ctx.GetHeader(headerWebhookSecret)
	if subtle.ConstantTimeCompare([]byte(secret), []byte(handler.cfg.WebhookSecret)) != 1 {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "bad webhook secret"))
		return
	}
	var request captureRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	reference, err := credits.NewExternalReference(request.OrderReference)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_reference", "malformed order reference"))
		return
	}
	requestCtx := ctx.Request.Context()
	switch request.Status {
	case "completed":
		result, err := handler.ledger.CapturePurchase(requestCtx, reference)
		if handler.respondCaptureError(ctx, err) {
			return
		}
		ctx.JSON(http.StatusOK, CaptureEnvelope{
			Status:          "completed",
			TransactionID:   result.Receipt.TransactionID.String(),
			NewBalance:      result.Receipt.NewBalance.Int64(),
			AlreadyCaptured: result.AlreadyCaptured,
		})
	case "failed":
		err := handler.ledger.FailCapture(requestCtx, reference)
		if handler.respondCaptureError(ctx, err) {
			return
		}
		ctx.JSON(http.StatusOK, CaptureEnvelope{Status: "failed"})
	default:
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_status", "status must be completed or failed"))
	}
}

func (handler *httpHandler) respondCaptureError(ctx *gin.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, credits.ErrUnknownExternalReference) {
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_reference", "no pending purchase for reference"))
		return true
	}
	if errors.Is(err, credits.ErrCaptureConflict) {
		ctx.JSON(http.StatusConflict, errorResponse("capture_conflict", "order already settled with a different outcome"))
		return true
	}
	handler.logger.Error("capture failed", zap.Error(err))
	ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "capture failed"))
	return true
}

// clientKey derives the storage key from the caller-supplied Idempotency-Key
// header, namespaced by user so one client cannot replay another's result.
func (handler *httpHandler) clientKey(ctx *gin.Context, claims *sessionvalidator.Claims) (credits.UserID, credits.IdempotencyKey, bool) {
	userID, err := credits.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", "malformed user id"))
		return credits.UserID{}, credits.IdempotencyKey{}, false
	}
	header := ctx.GetHeader(headerIdempotencyKey)
	base, err := credits.NewIdempotencyKey(header)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("missing_idempotency_key", "Idempotency-Key header is required"))
		return credits.UserID{}, credits.IdempotencyKey{}, false
	}
	key, err := credits.DeriveKey(base, userID.String())
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "key derivation failed"))
		return credits.UserID{}, credits.IdempotencyKey{}, false
	}
	return userID, key, true
}

// adminKey namespaces by the acting admin, not the target user.
func (handler *httpHandler) adminKey(ctx *gin.Context, claims *sessionvalidator.Claims) (credits.UserID, credits.IdempotencyKey, bool) {
	return handler.clientKey(ctx, claims)
}

// guarded runs op under the idempotency guard and serves the persisted
// envelope, replayed or fresh, byte for byte.
func (handler *httpHandler) guarded(ctx *gin.Context, key credits.IdempotencyKey, scope credits.Scope, op func(requestCtx context.Context) (snapshotEnvelope, error)) {
	result, err := handler.guard.Do(ctx.Request.Context(), key, scope, func(requestCtx context.Context) ([]byte, error) {
		envelope, err := op(requestCtx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(envelope)
	})
	if errors.Is(err, credits.ErrIdempotencyInFlight) {
		ctx.JSON(http.StatusConflict, errorResponse("in_flight", "duplicate request still processing"))
		return
	}
	var paidError *credits.PaidError
	if errors.As(err, &paidError) && paidError.RefundFailure != nil {
		// Credits were taken and the compensating refund did not land. Both
		// facts must reach the caller; the claim is released, so a retry with
		// the same key can run once the refund is reconciled.
		handler.logger.Error("refund failed after side effect failure",
			zap.String("scope", scope.String()),
			zap.String("transaction_id", paidError.TransactionID.String()),
			zap.Error(err))
		deducted := paidError.Deducted
		refunded := paidError.Refunded
		ctx.JSON(http.StatusBadGateway, ErrorEnvelope{Error: ErrorPayload{
			Code:     "refund_failed",
			Message:  "the operation failed and the credit refund did not complete; contact support or retry with the same Idempotency-Key",
			Deducted: &deducted,
			Refunded: &refunded,
		}})
		return
	}
	if err != nil {
		handler.logger.Error("guarded operation failed", zap.String("scope", scope.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "operation failed"))
		return
	}
	var envelope snapshotEnvelope
	if err := json.Unmarshal(result.Snapshot, &envelope); err != nil {
		handler.logger.Error("snapshot decode failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "snapshot corrupt"))
		return
	}
	if result.Replayed {
		ctx.Header(headerReplay, "true")
	}
	ctx.Data(envelope.Code, "application/json; charset=utf-8", envelope.Body)
}

// paidFailureEnvelope maps paid-operation outcomes that are terminal business
// results into snapshots, so a duplicate request replays the same verdict
// instead of charging again. Infrastructure errors pass through and release
// the claim.
func paidFailureEnvelope(err error) (snapshotEnvelope, bool, error) {
	if err == nil {
		return snapshotEnvelope{}, false, nil
	}
	if errors.Is(err, credits.ErrInsufficientCredits) {
		envelope, envelopeErr := envelopeOf(http.StatusPaymentRequired, ErrorEnvelope{Error: ErrorPayload{
			Code:    "insufficient_credits",
			Message: "balance is below the cost of this operation",
		}})
		return envelope, true, envelopeErr
	}
	var paidError *credits.PaidError
	if errors.As(err, &paidError) {
		if paidError.RefundFailure != nil {
			// Deducted and not compensated. Pass the error through so no
			// snapshot is persisted and guarded renders the refund_failed
			// envelope; the claim stays released for a retry.
			return snapshotEnvelope{}, true, err
		}
		refunded := paidError.Refunded
		envelope, envelopeErr := envelopeOf(http.StatusBadGateway, ErrorEnvelope{Error: ErrorPayload{
			Code:     "generation_failed",
			Message:  "the reading could not be produced; credits were returned",
			Refunded: &refunded,
		}})
		return envelope, true, envelopeErr
	}
	return snapshotEnvelope{}, true, err
}

func envelopeOf(code int, body any) (snapshotEnvelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return snapshotEnvelope{}, err
	}
	return snapshotEnvelope{Code: code, Body: raw}, nil
}

func balancePayloadOf(view credits.BalanceView) BalancePayload {
	return BalancePayload{
		Credits:        view.Balance.Int64(),
		LifetimeEarned: view.LifetimeEarned.Int64(),
		LifetimeSpent:  view.LifetimeSpent.Int64(),
	}
}

func transactionPayloadOf(transaction credits.Transaction) TransactionPayload {
	payload := TransactionPayload{
		TransactionID:  transaction.TransactionID.String(),
		Kind:           transaction.Kind.String(),
		AmountCredits:  transaction.Amount.Int64(),
		Description:    transaction.Description,
		Status:         transaction.Status.String(),
		CreatedUnixUTC: transaction.CreatedUnixUTC,
	}
	if transaction.ExternalReference != nil {
		payload.ExternalReference = transaction.ExternalReference.String()
	}
	if transaction.RefundOf != nil {
		payload.RefundOf = transaction.RefundOf.String()
	}
	return payload
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get("auth_claims")
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func hasRole(claims *sessionvalidator.Claims, role string) bool {
	for _, assigned := range claims.GetUserRoles() {
		if assigned == role {
			return true
		}
	}
	return false
}

func errorResponse(code string, message string) ErrorEnvelope {
	return ErrorEnvelope{Error: ErrorPayload{Code: code, Message: message}}
}
