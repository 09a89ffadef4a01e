package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is a structured error that maps to HTTP responses.
type AppError struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"` // Wrapped internal error (not exposed to client)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code string, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(code string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// CodeOf returns the AppError code carried by err, or "" for foreign errors.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// HasCode reports whether err is an AppError with the given code.
func HasCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// ---- Pools (POOL) ----

func ErrPoolNotFound() *AppError {
	return New("POOL_001", "Pool not found", http.StatusNotFound)
}

func ErrPoolNotBookable(status string) *AppError {
	return New("POOL_002", fmt.Sprintf("Pool in status %s cannot be booked", status), http.StatusConflict)
}

// ErrFillBelowMinimum is the fill gate rejection; percentages are whole numbers.
func ErrFillBelowMinimum(fillPct int64) *AppError {
	return New("POOL_003", fmt.Sprintf("Pool fill %d%% below minimum.", fillPct), http.StatusUnprocessableEntity)
}

func ErrInvalidPoolTransition(from, to string) *AppError {
	return New("POOL_004", fmt.Sprintf("Pool cannot move from %s to %s", from, to), http.StatusConflict)
}

func ErrUnknownPoolStatus(status string) *AppError {
	return New("POOL_005", fmt.Sprintf("Unknown pool status %q", status), http.StatusBadRequest)
}

// ---- Items (ITEM) ----

func ErrItemNotFound() *AppError {
	return New("ITEM_001", "Item not found", http.StatusNotFound)
}

func ErrInvalidDimensions() *AppError {
	return New("ITEM_002", "Item dimensions and weight must be positive", http.StatusBadRequest)
}

func ErrInvalidItemTransition(from, to string) *AppError {
	return New("ITEM_003", fmt.Sprintf("Item cannot move from %s to %s", from, to), http.StatusConflict)
}

// ---- Idempotency (IDEM) ----

func ErrIdempotencyMismatch() *AppError {
	return New("IDEM_001", "idempotency key reused with different payload", http.StatusConflict)
}

func ErrIdempotencyProcessing() *AppError {
	return New("IDEM_002", "processing", http.StatusConflict)
}

func ErrIdempotencyKeyRequired() *AppError {
	return New("IDEM_003", "Idempotency-Key header required", http.StatusBadRequest)
}

// ---- Booking (BOOK) ----

func ErrBookingProvider(err error) *AppError {
	return Wrap("BOOK_001", "Carrier booking failed", http.StatusBadGateway, err)
}

// ---- Webhooks (HOOK) ----

func ErrSubscriptionNotFound() *AppError {
	return New("HOOK_001", "Webhook subscription not found", http.StatusNotFound)
}

// ---- Rate Limiting (RATE) ----

func ErrRateLimitExceeded() *AppError {
	return New("RATE_001", "Rate limit exceeded", http.StatusTooManyRequests)
}

// ---- System & Infrastructure (SYS) ----

func ErrDatabaseError(err error) *AppError {
	return Wrap("SYS_001", "Internal database error", http.StatusInternalServerError, err)
}

// InternalError wraps an internal error as a SYS_001 error.
func InternalError(err error) *AppError {
	return Wrap("SYS_001", "Internal server error", http.StatusInternalServerError, err)
}

// Validation returns a VAL_001 validation error.
func Validation(message string) *AppError {
	return New("VAL_001", message, http.StatusBadRequest)
}

func ErrPayloadTooLarge(limit int64) *AppError {
	return New("VAL_002", fmt.Sprintf("Request body exceeds %d bytes", limit), http.StatusRequestEntityTooLarge)
}
