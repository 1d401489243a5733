package response

import (
	"errors"

	"github.com/gin-gonic/gin"

	apperrors "github.com/paybridge/gateway/internal/shared/errors"
)

// ErrorMapping maps a domain error to an application error.
type ErrorMapping struct {
	Err  error
	Make func(err error) *apperrors.AppError
}

// Error writes err as {"error":{"code","message"}}. Errors that are not an
// AppError become INTERNAL_ERROR and their text is not exposed.
func Error(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.Internal("internal error", err)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(appErr.StatusCode, appErr.ToResponse())
}

// HandleError writes the first mapping err matches.
// Returns true if the error was handled, false otherwise.
func HandleError(c *gin.Context, err error, mappings []ErrorMapping) bool {
	for _, m := range mappings {
		if errors.Is(err, m.Err) {
			Error(c, m.Make(err))
			return true
		}
	}
	return false
}

// HandleErrorWithDefault handles an error with an INTERNAL_ERROR fallback.
func HandleErrorWithDefault(c *gin.Context, err error, mappings []ErrorMapping) {
	if !HandleError(c, err, mappings) {
		Error(c, err)
	}
}
