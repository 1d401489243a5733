package gin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/paybridge/gateway/internal/domain/channel"
	"github.com/paybridge/gateway/internal/domain/order"
	"github.com/paybridge/gateway/internal/module/channel/dispatch"
	"github.com/paybridge/gateway/internal/module/channel/plugin"
	apperrors "github.com/paybridge/gateway/internal/shared/errors"
	"github.com/paybridge/gateway/internal/shared/response"
)

// handleChannelError maps domain and dispatch errors to HTTP responses.
func handleChannelError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	switch {
	case errors.As(err, &appErr):

	case errors.Is(err, order.ErrOrderNotFound):
		appErr = apperrors.NotFound("order")

	case errors.Is(err, order.ErrChannelMismatch):
		appErr = apperrors.NewAppError("CHANNEL_MISMATCH", "order belongs to another channel", http.StatusNotFound, err)

	case errors.Is(err, order.ErrOrderNotPending):
		appErr = apperrors.Conflict("order is not pending")

	case errors.Is(err, order.ErrOrderNotRefundable):
		appErr = apperrors.Conflict("order cannot be refunded")

	case errors.Is(err, channel.ErrChannelNotFound),
		errors.Is(err, channel.ErrChannelDisabled),
		errors.Is(err, dispatch.ErrNotSupported):
		appErr = apperrors.ChannelUnavailable(err)

	case errors.Is(err, plugin.ErrMissingField):
		appErr = apperrors.ChannelMisconfigured(err)

	case errors.Is(err, dispatch.ErrAdapterPanic):
		appErr = apperrors.Internal("payment channel failed", err)

	default:
		appErr = apperrors.Internal("internal error", err)
	}
	response.Error(c, appErr)
}
