// Package stripe is the adapter for Stripe Checkout.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"

	"github.com/paybridge/gateway/internal/module/channel/plugin"
)

// Adapter is the manifest adapter name.
const Adapter = "stripe"

const (
	headerSignature = "Stripe-Signature"
	metaTradeNo     = "out_trade_no"

	eventSessionCompleted = "checkout.session.completed"
	eventIntentSucceeded  = "payment_intent.succeeded"
)

var (
	ackReceived = plugin.JSONAck(map[string]bool{"received": true})
	ackRejected = plugin.JSONAck(map[string]bool{"received": false})
)

// Options are read from the plugin manifest.
type Options struct {
	Currency  string `mapstructure:"currency"`
	APIBase   string `mapstructure:"api_base" validate:"omitempty,url"`
	CancelURL string `mapstructure:"cancel_url" validate:"omitempty,url"`
}

type credentials struct {
	SecretKey     string `mapstructure:"secret_key" validate:"required"`
	WebhookSecret string `mapstructure:"webhook_secret" validate:"required"`
}

// Stripe implements plugin.Plugin and plugin.Querier.
type Stripe struct {
	opts     Options
	desc     plugin.Descriptor
	gate     plugin.Gate
	deps     plugin.Deps
	backends *stripe.Backends
	logger   *zap.Logger
}

var (
	_ plugin.Plugin  = (*Stripe)(nil)
	_ plugin.Querier = (*Stripe)(nil)
)

// New is the plugin.Factory for Stripe.
func New(deps plugin.Deps, opts plugin.Options) (plugin.Plugin, error) {
	var o Options
	if err := plugin.DecodeOptions(opts, &o); err != nil {
		return nil, err
	}
	o.Currency = strings.ToLower(o.Currency)
	if o.Currency == "" {
		o.Currency = "usd"
	}
	deps = deps.WithDefaults()

	cfg := &stripe.BackendConfig{
		HTTPClient:        deps.HTTPClient,
		LeveledLogger:     deps.Logger.Named("stripe").Sugar(),
		MaxNetworkRetries: stripe.Int64(0),
	}
	if o.APIBase != "" {
		cfg.URL = stripe.String(strings.TrimSuffix(o.APIBase, "/"))
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, cfg)

	s := &Stripe{
		opts:     o,
		desc:     descriptor(),
		deps:     deps,
		backends: &stripe.Backends{API: backend, Connect: backend, Uploads: backend},
		logger:   deps.Logger.With(zap.String("adapter", Adapter)),
	}
	if err := s.desc.Validate(); err != nil {
		return nil, err
	}
	s.gate = s.desc.Gate()
	return s, nil
}

func descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:        Adapter,
		DisplayName: "Stripe",
		Author:      "Stripe",
		Link:        "https://stripe.com/",
		Types: []plugin.PayType{
			{Name: "card", DisplayName: "Card"},
			{Name: "alipay", DisplayName: "Alipay"},
			{Name: "wxpay", DisplayName: "WeChat Pay"},
		},
		Inputs: []plugin.InputField{
			{Key: "secret_key", Name: "Secret key", Type: plugin.InputText, Required: true},
			{Key: "webhook_secret", Name: "Webhook signing secret", Type: plugin.InputText, Required: true},
		},
		Notes:       "Configure the webhook endpoint for checkout.session.completed.",
		ExactAmount: true,
	}
}

// Descriptor implements plugin.Plugin.
func (s *Stripe) Descriptor() plugin.Descriptor { return s.desc }

func (s *Stripe) creds(cfg plugin.ChannelConfig) (credentials, plugin.Action, error) {
	var c credentials
	err := plugin.Decode(cfg, &c)
	switch {
	case err == nil:
		return c, nil, nil
	case errors.Is(err, plugin.ErrMissingField):
		return c, nil, err
	default:
		return c, plugin.Errorf("channel misconfigured: %v", err), nil
	}
}

func (s *Stripe) api(c credentials) *client.API {
	return client.New(c.SecretKey, s.backends)
}

func guardKey(cfg plugin.ChannelConfig) string {
	return fmt.Sprintf("%s:%d", Adapter, cfg.ID)
}

// paymentMethodType maps a logical pay type to a Checkout payment method.
func paymentMethodType(typ string) string {
	switch typ {
	case "wxpay":
		return "wechat_pay"
	case "alipay":
		return "alipay"
	}
	return "card"
}

// Submit implements plugin.Plugin by creating a hosted Checkout Session.
func (s *Stripe) Submit(ctx context.Context, cfg plugin.ChannelConfig, order plugin.Order, rc plugin.RequestContext) (plugin.Action, error) {
	c, action, err := s.creds(cfg)
	if action != nil || err != nil {
		return action, err
	}

	name := order.Description
	if name == "" {
		name = order.TradeNo
	}
	cancel := s.opts.CancelURL
	if cancel == "" {
		cancel = order.ReturnURL
	}
	method := paymentMethodType(order.TypeName)

	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID:  stripe.String(order.TradeNo),
		SuccessURL:         stripe.String(order.ReturnURL),
		CancelURL:          stripe.String(cancel),
		PaymentMethodTypes: stripe.StringSlice([]string{method}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(s.opts.Currency),
				UnitAmount:  stripe.Int64(plugin.ToMinor(order.Amount, plugin.DefaultMinorUnits)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{Name: stripe.String(name)},
			},
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{metaTradeNo: order.TradeNo},
		},
	}
	if method == "wechat_pay" {
		params.PaymentMethodOptions = &stripe.CheckoutSessionPaymentMethodOptionsParams{
			WeChatPay: &stripe.CheckoutSessionPaymentMethodOptionsWeChatPayParams{Client: stripe.String("web")},
		}
	}
	params.AddMetadata(metaTradeNo, order.TradeNo)

	var url string
	err = s.deps.Interactive(ctx, guardKey(cfg), func(ctx context.Context) error {
		params.Context = ctx
		sess, err := s.api(c).CheckoutSessions.New(params)
		if err != nil {
			return err
		}
		url = sess.URL
		return nil
	})
	if err != nil {
		s.logger.Warn("checkout session failed", zap.String("trade_no", order.TradeNo), zap.Error(err))
		return plugin.Errorf("stripe: %s", stripeMessage(err)), nil
	}
	if url == "" {
		return plugin.Errorf("stripe: checkout session has no url"), nil
	}
	return plugin.RedirectAction{URL: url}, nil
}

// ResolvePaymentMethod implements plugin.Plugin. Checkout picks the method
// itself, so this is the same as Submit.
func (s *Stripe) ResolvePaymentMethod(ctx context.Context, cfg plugin.ChannelConfig, order plugin.Order, rc plugin.RequestContext) (plugin.Action, error) {
	return s.Submit(ctx, cfg, order, rc)
}

// Notify implements plugin.Plugin for Stripe webhooks.
func (s *Stripe) Notify(ctx context.Context, req plugin.CallbackRequest, cfg plugin.ChannelConfig, order plugin.Order) (plugin.VerificationOutcome, error) {
	c, action, err := s.creds(cfg)
	if err != nil {
		return plugin.VerificationOutcome{}, err
	}
	if action != nil {
		return plugin.Rejected(ackRejected), nil
	}

	event, err := webhook.ConstructEventWithOptions(req.Body, req.Header.Get(headerSignature), c.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		s.logger.Info("webhook rejected", zap.String("trade_no", order.TradeNo), zap.Error(err))
		return plugin.Rejected(ackRejected), nil
	}

	var (
		tradeNo, providerNo, payer, status string
		amount                             int64
		paid                               bool
	)
	switch event.Type {
	case eventSessionCompleted:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return plugin.VerificationOutcome{SignatureValid: true, Ack: ackRejected}, nil
		}
		tradeNo = sess.ClientReferenceID
		amount = sess.AmountTotal
		status = string(sess.PaymentStatus)
		paid = sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid
		if sess.PaymentIntent != nil {
			providerNo = sess.PaymentIntent.ID
		}
		if sess.Customer != nil {
			payer = sess.Customer.ID
		}
	case eventIntentSucceeded:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return plugin.VerificationOutcome{SignatureValid: true, Ack: ackRejected}, nil
		}
		tradeNo = pi.Metadata[metaTradeNo]
		amount = pi.AmountReceived
		status = string(pi.Status)
		paid = pi.Status == stripe.PaymentIntentStatusSucceeded
		providerNo = pi.ID
		if pi.Customer != nil {
			payer = pi.Customer.ID
		}
	default:
		s.logger.Debug("ignoring webhook event", zap.String("type", string(event.Type)))
		return plugin.VerificationOutcome{SignatureValid: true, Ack: ackReceived}, nil
	}

	out := s.gate.CheckMinor(order, true, tradeNo, amount, plugin.DefaultMinorUnits)
	out.Paid = paid
	out.ProviderTradeNo = providerNo
	out.PayerID = payer
	out.Refs = map[string]string{"event_id": event.ID, "event_type": string(event.Type), "status": status}
	out.Acknowledge(ackReceived, ackRejected)
	return out, nil
}

// Refund implements plugin.Plugin against the order's PaymentIntent.
func (s *Stripe) Refund(ctx context.Context, order plugin.Order, cfg plugin.ChannelConfig) (plugin.RefundResult, error) {
	c, action, err := s.creds(cfg)
	if err != nil {
		return plugin.RefundResult{}, err
	}
	if action != nil {
		return plugin.RefundFailure(action.(plugin.ErrorAction).Message), nil
	}
	if order.APITradeNo == "" {
		return plugin.RefundFailure("order has no payment intent"), nil
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(order.APITradeNo),
		Amount:        stripe.Int64(plugin.ToMinor(order.RefundValue(), plugin.DefaultMinorUnits)),
	}
	params.AddMetadata(metaTradeNo, order.TradeNo)

	var res plugin.RefundResult
	err = s.deps.Background(ctx, guardKey(cfg), func(ctx context.Context) error {
		params.Context = ctx
		r, err := s.api(c).Refunds.New(params)
		if err != nil {
			return err
		}
		if r.Status == stripe.RefundStatusFailed || r.Status == stripe.RefundStatusCanceled {
			return fmt.Errorf("refund %s is %s", r.ID, r.Status)
		}
		res = plugin.RefundResult{
			Code:     plugin.RefundOK,
			Msg:      string(r.Status),
			RefundNo: r.ID,
			Amount:   decimal.New(r.Amount, -plugin.DefaultMinorUnits),
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("refund failed", zap.String("trade_no", order.TradeNo), zap.Error(err))
		return plugin.RefundFailure(stripeMessage(err)), nil
	}
	return res, nil
}

// Query implements plugin.Querier by searching PaymentIntents on metadata.
func (s *Stripe) Query(ctx context.Context, cfg plugin.ChannelConfig, tradeNo string) (plugin.OrderStatus, error) {
	c, action, err := s.creds(cfg)
	if err != nil {
		return plugin.OrderStatus{}, err
	}
	if action != nil {
		return plugin.OrderStatus{State: plugin.StateUnknown, Msg: action.(plugin.ErrorAction).Message}, nil
	}

	st := plugin.OrderStatus{State: plugin.StatePending, Msg: "no payment intent yet"}
	err = s.deps.Background(ctx, guardKey(cfg), func(ctx context.Context) error {
		params := &stripe.PaymentIntentSearchParams{}
		params.Context = ctx
		params.Query = fmt.Sprintf("metadata['%s']:'%s'", metaTradeNo, strings.ReplaceAll(tradeNo, "'", ""))
		iter := s.api(c).PaymentIntents.Search(params)
		for iter.Next() {
			pi := iter.PaymentIntent()
			next := plugin.OrderStatus{
				State:           intentState(pi.Status),
				ProviderTradeNo: pi.ID,
				Amount:          decimal.New(pi.AmountReceived, -plugin.DefaultMinorUnits),
				Msg:             string(pi.Status),
			}
			if pi.Customer != nil {
				next.PayerID = pi.Customer.ID
			}
			// A paid intent wins over abandoned ones for the same order.
			if st.State != plugin.StatePaid {
				st = next
			}
		}
		return iter.Err()
	})
	if err != nil {
		return plugin.OrderStatus{State: plugin.StateUnknown, Msg: stripeMessage(err)}, nil
	}
	return st, nil
}

func intentState(s stripe.PaymentIntentStatus) plugin.PaymentState {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return plugin.StatePaid
	case stripe.PaymentIntentStatusCanceled:
		return plugin.StateClosed
	case stripe.PaymentIntentStatusProcessing,
		stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresCapture,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresPaymentMethod:
		return plugin.StatePending
	}
	return plugin.StateUnknown
}

func stripeMessage(err error) string {
	var se *stripe.Error
	if errors.As(err, &se) && se.Msg != "" {
		return se.Msg
	}
	return err.Error()
}
