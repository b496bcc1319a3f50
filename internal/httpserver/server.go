package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/charging/pkg/charging"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Config aggregates runtime settings for the HTTP façade.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
}

// Server exposes the charging service as a JSON API.
type Server struct {
	service *charging.Service
	logger  *zap.Logger
}

// NewServer wires a Server.
func NewServer(service *charging.Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{service: service, logger: logger}
}

// Router builds the gin engine with all charging routes mounted.
func (server *Server) Router(cfg Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")
	api.POST("/users", server.handleUpsertUser)
	api.GET("/users/:id", server.handleGetUser)
	api.POST("/users/:id/credit", server.handleAddCredit)
	api.POST("/users/:id/lock", server.handleAcquireLock)
	api.POST("/users/:id/unlock", server.handleReleaseLock)
	api.POST("/usage", server.handleReportUsage)
	api.POST("/sessions/:id", server.handleUpdateSession)

	return router
}

func (server *Server) handleUpsertUser(ctx *gin.Context) {
	var request upsertUserRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorBody{Error: "invalid_payload", Message: "expected JSON body"})
		return
	}
	userID, err := charging.NewUserID(request.UserID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	txnID, err := charging.NewTxnID(request.TxnID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	result, err := server.service.UpsertUser(ctx.Request.Context(), userID, request.AddCreditCents, request.IsNew, request.Profile, request.LastSeenUnixMilli, txnID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, upsertUserResponse{
		StatusCode:   int32(result.Status),
		StatusText:   result.StatusText,
		BalanceCents: result.BalanceCents,
	})
}

func (server *Server) handleGetUser(ctx *gin.Context) {
	userID, ok := server.pathUserID(ctx)
	if !ok {
		return
	}
	snapshot, err := server.service.GetUser(ctx.Request.Context(), userID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, mapSnapshot(snapshot))
}

func (server *Server) handleAddCredit(ctx *gin.Context) {
	userID, ok := server.pathUserID(ctx)
	if !ok {
		return
	}
	var request addCreditRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorBody{Error: "invalid_payload", Message: "expected JSON body"})
		return
	}
	txnID, err := charging.NewTxnID(request.TxnID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	result, err := server.service.AddCredit(ctx.Request.Context(), userID, request.AmountCents, txnID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, creditResponse{
		StatusCode:           int32(result.Status),
		StatusText:           result.StatusText,
		BalanceCents:         result.BalanceCents,
		RemainingCreditCents: result.RemainingCreditCents,
	})
}

func (server *Server) handleReportUsage(ctx *gin.Context) {
	var request reportUsageRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorBody{Error: "invalid_payload", Message: "expected JSON body"})
		return
	}
	userID, err := charging.NewUserID(request.UserID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	productID, err := charging.NewProductID(request.ProductID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	txnID, err := charging.NewTxnID(request.TxnID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	result, err := server.service.ReportUsage(ctx.Request.Context(), charging.UsageRequest{
		UserID:      userID,
		ProductID:   productID,
		UnitsUsed:   request.UnitsUsed,
		UnitsWanted: request.UnitsWanted,
		SessionID:   charging.SessionID(request.SessionID),
		TxnID:       txnID,
	})
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	response := usageResponse{
		StatusCode:           int32(result.Status),
		StatusText:           result.StatusText,
		SessionID:            result.SessionID.Int64(),
		BalanceCents:         result.BalanceCents,
		RemainingCreditCents: result.RemainingCreditCents,
	}
	if result.Allocation != nil {
		allocation := mapAllocation(*result.Allocation)
		response.Allocation = &allocation
	}
	ctx.JSON(http.StatusOK, response)
}

func (server *Server) handleAcquireLock(ctx *gin.Context) {
	userID, ok := server.pathUserID(ctx)
	if !ok {
		return
	}
	result, err := server.service.AcquireLock(ctx.Request.Context(), userID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, mapLockResult(result))
}

func (server *Server) handleReleaseLock(ctx *gin.Context) {
	userID, ok := server.pathUserID(ctx)
	if !ok {
		return
	}
	var request releaseLockRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorBody{Error: "invalid_payload", Message: "expected JSON body"})
		return
	}
	result, err := server.service.ReleaseLock(ctx.Request.Context(), userID, request.LockSessionID, request.Profile)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, mapLockResult(result))
}

func (server *Server) handleUpdateSession(ctx *gin.Context) {
	rawSessionID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorBody{Error: "invalid_session_id", Message: "session id must be an integer"})
		return
	}
	sessionID, err := charging.NewSessionID(rawSessionID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	var request updateSessionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorBody{Error: "invalid_payload", Message: "expected JSON body"})
		return
	}
	committed, err := server.service.UpdateSession(ctx.Request.Context(), sessionID, request.OverwritePayload, request.AppendFragment)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, sessionResponse{
		SessionID: sessionID.Int64(),
		Payload:   committed,
	})
}

func (server *Server) pathUserID(ctx *gin.Context) (charging.UserID, bool) {
	raw, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorBody{Error: "invalid_user_id", Message: "user id must be an integer"})
		return 0, false
	}
	userID, err := charging.NewUserID(raw)
	if err != nil {
		server.respondError(ctx, err)
		return 0, false
	}
	return userID, true
}

func (server *Server) respondError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, charging.ErrUnknownUser):
		ctx.JSON(http.StatusNotFound, errorBody{Error: "unknown_user", Message: err.Error()})
	case errors.Is(err, charging.ErrUnknownProduct):
		ctx.JSON(http.StatusNotFound, errorBody{Error: "unknown_product", Message: err.Error()})
	case errors.Is(err, charging.ErrUnknownSession):
		ctx.JSON(http.StatusNotFound, errorBody{Error: "unknown_session", Message: err.Error()})
	case errors.Is(err, charging.ErrUserExists):
		ctx.JSON(http.StatusConflict, errorBody{Error: "user_exists", Message: err.Error()})
	case errors.Is(err, charging.ErrNoFinancialHistory):
		ctx.JSON(http.StatusConflict, errorBody{Error: "no_financial_history", Message: err.Error()})
	case errors.Is(err, charging.ErrInvalidUserID),
		errors.Is(err, charging.ErrInvalidProductID),
		errors.Is(err, charging.ErrInvalidSessionID),
		errors.Is(err, charging.ErrInvalidTxnID),
		errors.Is(err, charging.ErrInvalidSessionUpdate):
		ctx.JSON(http.StatusBadRequest, errorBody{Error: "invalid_request", Message: err.Error()})
	default:
		server.logger.Error("charging operation failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorBody{Error: "internal_error", Message: "operation failed"})
	}
}

func mapLockResult(result charging.LockResult) lockResponse {
	return lockResponse{
		StatusCode:          int32(result.Status),
		StatusText:          result.StatusText,
		LockSessionID:       result.LockSessionID,
		LockExpiryUnixMilli: result.LockExpiryUnixMilli,
		User:                mapSnapshot(result.Snapshot),
	}
}
