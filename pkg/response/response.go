package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"freight-pooling/pkg/apperror"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// CtxRequestID is the gin context key holding the request ID.
	CtxRequestID = "request_id"
	// HeaderReplayed marks a response served from the idempotency ledger.
	HeaderReplayed = "Idempotent-Replayed"
)

// SuccessResponse is the standard success envelope.
type SuccessResponse struct {
	Data      interface{} `json:"data"`
	Meta      *PageMeta   `json:"meta,omitempty"`
	RequestID string      `json:"request_id"`
	Timestamp string      `json:"timestamp"`
}

// PageMeta describes one page of a listing.
type PageMeta struct {
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalPages int   `json:"total_pages"`
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
	Timestamp string `json:"timestamp"`
}

// OK sends a 200 response with data.
func OK(c *gin.Context, data interface{}) {
	JSON(c, http.StatusOK, data)
}

// Created sends a 201 response with data.
func Created(c *gin.Context, data interface{}) {
	JSON(c, http.StatusCreated, data)
}

// JSON sends data wrapped in the success envelope with an arbitrary status.
func JSON(c *gin.Context, status int, data interface{}) {
	c.JSON(status, SuccessResponse{
		Data:      data,
		RequestID: getRequestID(c),
		Timestamp: timestamp(),
	})
}

// Paginated sends a 200 listing with page metadata. pageSize must be positive.
func Paginated(c *gin.Context, data interface{}, total int64, page, pageSize int) {
	pages := int((total + int64(pageSize) - 1) / int64(pageSize))
	c.JSON(http.StatusOK, SuccessResponse{
		Data: data,
		Meta: &PageMeta{
			Total:      total,
			Page:       page,
			PageSize:   pageSize,
			TotalPages: pages,
		},
		RequestID: getRequestID(c),
		Timestamp: timestamp(),
	})
}

// Replayed sends a stored JSON document as the envelope data without
// re-encoding it, so idempotent replays return the exact bytes first produced.
func Replayed(c *gin.Context, status int, stored []byte) {
	c.Header(HeaderReplayed, "true")
	JSON(c, status, json.RawMessage(stored))
}

// Error renders err. An *apperror.AppError anywhere in the chain supplies
// code and status; anything else is an opaque 500.
func Error(c *gin.Context, err error) {
	status, code, msg := http.StatusInternalServerError, "SYS_000", "Internal server error"

	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		status, code, msg = appErr.HTTPStatus, appErr.Code, appErr.Message
	}

	c.JSON(status, ErrorResponse{
		ErrorCode: code,
		Message:   msg,
		RequestID: getRequestID(c),
		Timestamp: timestamp(),
	})
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// getRequestID retrieves request ID from context, or generates one.
func getRequestID(c *gin.Context) string {
	if id, exists := c.Get(CtxRequestID); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return uuid.New().String()
}
