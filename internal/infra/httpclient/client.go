package httpclient

import (
	"net"
	"net/http"

	"github.com/paybridge/gateway/internal/infra/config"
)

// New creates the shared outbound client used by every channel adapter.
// It is safe for concurrent use; adapters must not replace its transport.
func New(cfg config.HTTPClientConfig) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: cfg.KeepAlive,
		}).DialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
		ForceAttemptHTTP2:   true,
	}

	// Per-call deadlines come from the context; this is the upper bound.
	timeout := cfg.ResponseTimeout
	if cfg.BackgroundTimeout > timeout {
		timeout = cfg.BackgroundTimeout
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
