package inbound

import "github.com/gin-gonic/gin"

// ChannelHttpPort defines the HTTP handlers of the payment channel gateway.
type ChannelHttpPort interface {
	// ListChannels handles GET /channels
	// Returns the public descriptors of the loaded plugins.
	ListChannels(c *gin.Context)

	// Submit handles POST /pay/:channel/submit/:trade_no
	// Starts a payment and returns the action for the payer.
	Submit(c *gin.Context)

	// MAPI handles POST /pay/:channel/mapi/:trade_no
	// Device and method aware variant of Submit for merchant API callers.
	MAPI(c *gin.Context)

	// Notify handles ANY /pay/:channel/notify/:trade_no
	// Verifies a provider callback and answers with the provider's ack.
	Notify(c *gin.Context)

	// Return handles GET /pay/:channel/return/:trade_no
	// Verifies a browser return. Never settles the order.
	Return(c *gin.Context)

	// Refund handles POST /pay/:channel/refund/:trade_no
	Refund(c *gin.Context)

	// Query handles GET /pay/:channel/query/:trade_no
	// Asks the provider for the order state.
	Query(c *gin.Context)
}
