package handler

import (
	"errors"
	"net/http"

	"freight-pooling/pkg/apperror"
	"freight-pooling/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderIdempotencyKey carries the client-chosen key for retry-safe POSTs.
const HeaderIdempotencyKey = "Idempotency-Key"

// uuidParam parses a path parameter, writing a VAL_001 response on failure.
func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.Error(c, apperror.Validation("invalid "+name+": must be a UUID"))
		return uuid.Nil, false
	}
	return id, true
}

// bindError maps a binding failure to VAL_002 when the body limit tripped
// and VAL_001 otherwise.
func bindError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperror.ErrPayloadTooLarge(tooLarge.Limit)
	}
	return apperror.Validation(err.Error())
}
