package httputil

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/booking-notifier/pkg/errors"
)

// ErrorBody is the error envelope returned by every endpoint.
type ErrorBody struct {
	Error string `json:"error"`
}

// RespondWithError sends an error response. Errors that are not an
// *errors.AppError are reported as 500 without leaking their text.
func RespondWithError(c *gin.Context, err error) {
	statusCode := http.StatusInternalServerError
	message := "internal server error"

	if appErr, ok := errors.As(err); ok {
		statusCode = appErr.StatusCode()
		message = appErr.Message
		if appErr.Err != nil && statusCode < http.StatusInternalServerError {
			message = appErr.Error()
		}
	}

	if statusCode >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(statusCode, ErrorBody{Error: message})
}

// RespondWithStatus sends a JSON body with the given status.
func RespondWithStatus(c *gin.Context, status int, data interface{}) {
	c.JSON(status, data)
}

// RespondWithSuccess sends a 200 JSON response
func RespondWithSuccess(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}
