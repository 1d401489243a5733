package gin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/paybridge/gateway/internal/domain/channel"
	"github.com/paybridge/gateway/internal/domain/order"
	"github.com/paybridge/gateway/internal/module/channel/plugin"
	"github.com/paybridge/gateway/internal/port/inbound"
	"github.com/paybridge/gateway/internal/shared/logger"
	"github.com/paybridge/gateway/internal/shared/middleware"
	"github.com/paybridge/gateway/internal/shared/response"
)

// DefaultMaxBodyBytes caps callback bodies when no limit is configured.
const DefaultMaxBodyBytes int64 = 1 << 20

// Dispatcher routes plugin operations to the adapter of a channel.
type Dispatcher interface {
	Submit(ctx context.Context, channel string, cfg plugin.ChannelConfig, o plugin.Order, rc plugin.RequestContext) (plugin.Action, error)
	MAPI(ctx context.Context, channel string, cfg plugin.ChannelConfig, o plugin.Order, rc plugin.RequestContext) (plugin.Action, error)
	Notify(ctx context.Context, channel string, cb plugin.CallbackRequest, cfg plugin.ChannelConfig, o plugin.Order) (plugin.VerificationOutcome, error)
	Return(ctx context.Context, channel string, cb plugin.CallbackRequest, cfg plugin.ChannelConfig, o plugin.Order) (plugin.VerificationOutcome, error)
	Refund(ctx context.Context, channel string, cfg plugin.ChannelConfig, o plugin.Order) (plugin.RefundResult, error)
	Query(ctx context.Context, channel string, cfg plugin.ChannelConfig, tradeNo string) (plugin.OrderStatus, error)
}

// Catalog lists the loaded plugins.
type Catalog interface {
	List() []plugin.Descriptor
}

// Orders is the order service used by the handlers.
type Orders interface {
	Get(ctx context.Context, tradeNo string) (*order.Order, error)
	Settle(ctx context.Context, channel string, o *order.Order, out plugin.VerificationOutcome) (bool, error)
	CheckRefundable(o *order.Order) error
	RecordRefund(ctx context.Context, channel string, o *order.Order, res plugin.RefundResult) (bool, error)
}

// ChannelConfig configures the channel handlers.
type ChannelConfig struct {
	SiteURL      string
	MaxBodyBytes int64
}

// channelAdapter implements inbound.ChannelHttpPort.
type channelAdapter struct {
	cfg        ChannelConfig
	catalog    Catalog
	dispatcher Dispatcher
	orders     Orders
	configs    channel.ConfigRepository
	logger     *zap.Logger
}

// NewChannelAdapter creates the payment channel HTTP adapter.
func NewChannelAdapter(cfg ChannelConfig, catalog Catalog, dispatcher Dispatcher, orders Orders, configs channel.ConfigRepository, log *zap.Logger) inbound.ChannelHttpPort {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &channelAdapter{
		cfg:        cfg,
		catalog:    catalog,
		dispatcher: dispatcher,
		orders:     orders,
		configs:    configs,
		logger:     logger.OrNop(log).Named("channel-http"),
	}
}

// RegisterChannelRoutes registers the channel routes.
func RegisterChannelRoutes(r gin.IRouter, adapter inbound.ChannelHttpPort) {
	r.GET("/channels", adapter.ListChannels)

	pay := r.Group("/pay/:channel")
	{
		pay.POST("/submit/:trade_no", adapter.Submit)
		pay.POST("/mapi/:trade_no", adapter.MAPI)
		pay.Any("/notify/:trade_no", adapter.Notify)
		pay.GET("/return/:trade_no", adapter.Return)
		pay.POST("/refund/:trade_no", adapter.Refund)
		pay.GET("/query/:trade_no", adapter.Query)
	}
}

// target is the order and channel config a request operates on.
type target struct {
	channel string
	order   *order.Order
	config  plugin.ChannelConfig
}

func (t target) pluginOrder(siteURL string) plugin.Order {
	return t.order.PluginOrder(siteURL, t.channel)
}

// load resolves the order of the path and the config of its channel.
func (a *channelAdapter) load(c *gin.Context) (target, bool) {
	name := c.Param("channel")
	o, err := a.orders.Get(c.Request.Context(), c.Param("trade_no"))
	if err != nil {
		handleChannelError(c, err)
		return target{}, false
	}
	cfg, err := a.configs.Get(c.Request.Context(), o.ChannelID())
	if err != nil {
		handleChannelError(c, err)
		return target{}, false
	}
	if cfg.Plugin != name {
		handleChannelError(c, order.ErrChannelMismatch)
		return target{}, false
	}
	return target{channel: name, order: o, config: cfg}, true
}

func (a *channelAdapter) ListChannels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"channels": a.catalog.List()})
}

func (a *channelAdapter) Submit(c *gin.Context) {
	a.start(c, a.dispatcher.Submit)
}

func (a *channelAdapter) MAPI(c *gin.Context) {
	a.start(c, a.dispatcher.MAPI)
}

type startFunc func(ctx context.Context, channel string, cfg plugin.ChannelConfig, o plugin.Order, rc plugin.RequestContext) (plugin.Action, error)

func (a *channelAdapter) start(c *gin.Context, fn startFunc) {
	t, ok := a.load(c)
	if !ok {
		return
	}
	if t.order.Status() != order.StatusPending {
		handleChannelError(c, order.ErrOrderNotPending)
		return
	}

	po := t.pluginOrder(a.cfg.SiteURL)
	rc := requestContext(c, a.cfg.SiteURL)
	if po.ClientIP == "" {
		po.ClientIP = rc.ClientIP
	}
	if po.OpenID == "" {
		po.OpenID = c.PostForm(fieldOpenID)
	}

	action, err := fn(c.Request.Context(), t.channel, t.config, po, rc)
	if err != nil {
		handleChannelError(c, err)
		return
	}
	body, err := plugin.MarshalAction(action)
	if err != nil {
		response.Error(c, err)
		return
	}
	if plugin.IsError(action) {
		a.logger.Info("submit returned error action",
			zap.String("channel", t.channel),
			zap.String("trade_no", po.TradeNo),
			zap.String("request_id", middleware.GetRequestID(c)))
	}
	c.Data(http.StatusOK, plugin.ContentTypeJSON, body)
}

// Notify answers with the adapter's acknowledgement. The order is marked
// paid only for a settled outcome; a failed store write is answered with
// 500 so the provider retries.
func (a *channelAdapter) Notify(c *gin.Context) {
	t, ok := a.load(c)
	if !ok {
		return
	}
	cb, ok := a.callback(c)
	if !ok {
		return
	}

	out, err := a.dispatcher.Notify(c.Request.Context(), t.channel, cb, t.config, t.pluginOrder(a.cfg.SiteURL))
	if err != nil {
		handleChannelError(c, err)
		return
	}
	if _, err := a.orders.Settle(c.Request.Context(), t.channel, t.order, out); err != nil {
		a.logger.Error("settle order failed",
			zap.String("channel", t.channel),
			zap.String("trade_no", t.order.TradeNo()),
			zap.Error(err))
		response.Error(c, err)
		return
	}

	ack := out.Ack
	if ack.ContentType == "" {
		ack.ContentType = plugin.ContentTypeText
	}
	c.Data(http.StatusOK, ack.ContentType, []byte(ack.Body))
}

// Return reports the verified outcome of a browser return. The order is
// never marked paid from here.
func (a *channelAdapter) Return(c *gin.Context) {
	t, ok := a.load(c)
	if !ok {
		return
	}
	cb, ok := a.callback(c)
	if !ok {
		return
	}

	out, err := a.dispatcher.Return(c.Request.Context(), t.channel, cb, t.config, t.pluginOrder(a.cfg.SiteURL))
	if err != nil {
		handleChannelError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trade_no":     t.order.TradeNo(),
		"valid":        out.Valid(),
		"paid":         out.Settled(),
		"api_trade_no": out.ProviderTradeNo,
		"status":       t.order.Status(),
	})
}

func (a *channelAdapter) Refund(c *gin.Context) {
	t, ok := a.load(c)
	if !ok {
		return
	}
	if err := a.orders.CheckRefundable(t.order); err != nil {
		handleChannelError(c, err)
		return
	}

	res, err := a.dispatcher.Refund(c.Request.Context(), t.channel, t.config, t.pluginOrder(a.cfg.SiteURL))
	if err != nil {
		handleChannelError(c, err)
		return
	}
	recorded, err := a.orders.RecordRefund(c.Request.Context(), t.channel, t.order, res)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":      res.Code,
		"msg":       res.Msg,
		"refund_no": res.RefundNo,
		"amount":    res.Amount,
		"recorded":  recorded,
	})
}

func (a *channelAdapter) Query(c *gin.Context) {
	t, ok := a.load(c)
	if !ok {
		return
	}

	st, err := a.dispatcher.Query(c.Request.Context(), t.channel, t.config, t.order.TradeNo())
	if err != nil {
		handleChannelError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trade_no":     t.order.TradeNo(),
		"state":        st.State,
		"api_trade_no": st.ProviderTradeNo,
		"amount":       st.Amount,
		"payer_id":     st.PayerID,
		"msg":          st.Msg,
	})
}
