// Package handlers implements the gin HTTP handlers of the API server. Each
// handler binds the request, delegates to an application service, and writes
// the shared response envelope; domain validation stays in the services.
package handlers

import (
	stderrors "errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/ABLab/internal/interfaces/http/middleware"
	"github.com/turtacn/ABLab/pkg/errors"
	"github.com/turtacn/ABLab/pkg/types/common"
)

// respond writes the success envelope carrying the request's correlation id.
func respond(c *gin.Context, status int, data any) {
	resp := common.NewSuccessResponse(data)
	resp.RequestID = middleware.GetRequestID(c)
	c.JSON(status, resp)
}

// respondError maps err to its HTTP status and writes the error envelope.
// Codes mapping to 5xx are masked with their default message so internals
// never leak to clients; errors without a code normalize to COMMON_001.
func respondError(c *gin.Context, err error) {
	code := errors.GetCode(err)
	if code == errors.ErrCodeUnknown {
		code = errors.ErrCodeInternal
	}
	status := errors.HTTPStatusForCode(code)

	message := err.Error()
	var ae *errors.AppError
	if stderrors.As(err, &ae) {
		message = ae.Message
		if ae.Detail != "" {
			message += ": " + ae.Detail
		}
	}
	if errors.IsServerError(code) {
		message = errors.DefaultMessageForCode(code)
	}

	resp := common.NewErrorResponse(code.String(), message)
	resp.RequestID = middleware.GetRequestID(c)
	c.AbortWithStatusJSON(status, resp)
}

// badRequest reports a malformed body or parameter as COMMON_002.
func badRequest(c *gin.Context, msg string) {
	respondError(c, errors.New(errors.ErrCodeBadRequest, msg))
}

// queryInt parses an integer query parameter, falling back to def when the
// parameter is absent or not a number.
func queryInt(c *gin.Context, name string, def int) int {
	v := c.Query(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
