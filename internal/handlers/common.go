package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hearly/hearly-api/internal/auth"
	"github.com/hearly/hearly-api/internal/config"
	"github.com/hearly/hearly-api/internal/db"
	"github.com/hearly/hearly-api/internal/engine"
	"github.com/hearly/hearly-api/internal/fabric"
	"github.com/hearly/hearly-api/internal/logger"
	"github.com/hearly/hearly-api/internal/media"
	"github.com/hearly/hearly-api/internal/payments"
)

// CommonServices holds common dependencies used across handlers
type CommonServices struct {
	store   db.Store
	fabric  fabric.Fabric
	gateway payments.Gateway
	media   *media.TokenIssuer
	engine  *engine.Engine
	tokens  *auth.TokenService
	config  *config.Config
}

// NewCommonServices creates a new instance of CommonServices
func NewCommonServices(
	store db.Store,
	fab fabric.Fabric,
	gateway payments.Gateway,
	mediaIssuer *media.TokenIssuer,
	eng *engine.Engine,
	tokens *auth.TokenService,
	cfg *config.Config,
) *CommonServices {
	return &CommonServices{
		store:   store,
		fabric:  fab,
		gateway: gateway,
		media:   mediaIssuer,
		engine:  eng,
		tokens:  tokens,
		config:  cfg,
	}
}

// ErrorResponse represents a standard error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// SuccessResponse represents a standard success response
type SuccessResponse struct {
	Message string `json:"message"`
}

// sendError is a helper function that combines logging and error response
// It logs the error with the given message and sends a JSON error response
func sendError(c *gin.Context, statusCode int, message string, err error) {
	logger.Error(message,
		zap.Error(err),
		zap.String("path", c.Request.URL.Path),
		zap.String("method", c.Request.Method),
	)
	c.JSON(statusCode, ErrorResponse{Error: message})
}

// handleDomainError maps domain error kinds to HTTP statuses in one place.
func handleDomainError(c *gin.Context, err error, notFoundMsg string) {
	switch {
	case errors.Is(err, pgx.ErrNoRows), errors.Is(err, db.ErrNotFound):
		sendError(c, http.StatusNotFound, notFoundMsg, err)
	case errors.Is(err, db.ErrForbidden):
		sendError(c, http.StatusForbidden, "Not allowed", err)
	case errors.Is(err, db.ErrPrecondition):
		sendError(c, http.StatusConflict, "Operation not allowed in current state", err)
	case errors.Is(err, db.ErrDuplicate):
		sendError(c, http.StatusConflict, "Already exists", err)
	default:
		sendError(c, http.StatusInternalServerError, "Internal server error", err)
	}
}

// sendSuccess is a helper function that sends a success response
func sendSuccess(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, data)
}

// sendList is a helper function that sends a list response
func sendList(c *gin.Context, items interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   items,
	})
}

// centsPerUnit converts decimal currency amounts to the gateway's minor unit.
var centsPerUnit = decimal.NewFromInt(100)

func formatInt32(n int32) string {
	return strconv.FormatInt(int64(n), 10)
}

// requireUser returns the authenticated caller id, responding 401 when the
// auth middleware did not run.
func requireUser(c *gin.Context) (uuid.UUID, bool) {
	id, ok := auth.UserID(c)
	if !ok {
		sendError(c, http.StatusUnauthorized, "Not authenticated", nil)
	}
	return id, ok
}
