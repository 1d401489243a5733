// Package catalog lists the adapters compiled into the gateway.
package catalog

import (
	"github.com/paybridge/gateway/internal/module/channel/adapters/alipay"
	"github.com/paybridge/gateway/internal/module/channel/adapters/epay"
	"github.com/paybridge/gateway/internal/module/channel/adapters/stripe"
	"github.com/paybridge/gateway/internal/module/channel/adapters/vmq"
	"github.com/paybridge/gateway/internal/module/channel/adapters/wxpay"
	"github.com/paybridge/gateway/internal/module/channel/plugin"
)

// Default returns a fresh catalog of every built-in adapter, keyed by the
// name a manifest's adapter field refers to.
func Default() plugin.Catalog {
	return plugin.Catalog{
		epay.Adapter:   epay.New,
		alipay.Adapter: alipay.New,
		wxpay.Adapter:  wxpay.New,
		stripe.Adapter: stripe.New,
		vmq.Adapter:    vmq.New,
	}
}
