package epay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/paybridge/gateway/internal/module/channel/plugin"
	"github.com/paybridge/gateway/internal/module/channel/sign"
)

// maxResponseBytes caps provider responses read into memory.
const maxResponseBytes = 1 << 20

// canonicalizer is the one scheme every epay-compatible gateway accepts:
// md5 over the sorted, non-empty parameters with the key appended.
var canonicalizer = sign.Sorted{Exclude: []string{"sign_type"}}

func signParams(values url.Values, key string) error {
	values.Del("sign")
	values.Del("sign_type")
	sig, err := sign.Sign(sign.MD5, canonicalizer.Canonical(sign.FromValues(values)), key)
	if err != nil {
		return err
	}
	values.Set("sign", sig)
	values.Set("sign_type", "MD5")
	return nil
}

func verifyParams(values url.Values, key string) bool {
	sig := values.Get("sign")
	if sig == "" {
		return false
	}
	return sign.Verify(sign.MD5, canonicalizer.Canonical(sign.FromValues(values)), strings.ToLower(sig), key)
}

// apiResponse covers mapi.php and api.php replies. Forks disagree on
// whether code and status are numbers or strings, so decoding is weak.
type apiResponse struct {
	Code       int    `mapstructure:"code"`
	Msg        string `mapstructure:"msg"`
	TradeNo    string `mapstructure:"trade_no"`
	OutTradeNo string `mapstructure:"out_trade_no"`
	APITradeNo string `mapstructure:"api_trade_no"`
	PayURL     string `mapstructure:"payurl"`
	QRCode     string `mapstructure:"qrcode"`
	URLScheme  string `mapstructure:"urlscheme"`
	Money      string `mapstructure:"money"`
	Status     int    `mapstructure:"status"`
	Buyer      string `mapstructure:"buyer"`
}

func (r apiResponse) ok() bool { return r.Code == 1 }

func decodeResponse(body []byte) (apiResponse, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return apiResponse{}, fmt.Errorf("decode response: %w", err)
	}
	var out apiResponse
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return apiResponse{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return apiResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// client performs guarded calls against one gateway.
type client struct {
	deps    plugin.Deps
	gateway string // with trailing slash
	key     string // guard key
}

// post sends a form to path and decodes the JSON reply.
func (c *client) post(ctx context.Context, background bool, path string, form url.Values) (apiResponse, error) {
	return c.do(ctx, background, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gateway+path, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
}

// get sends query to path and decodes the JSON reply.
func (c *client) get(ctx context.Context, background bool, path string, query url.Values) (apiResponse, error) {
	return c.do(ctx, background, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.gateway+path+"?"+query.Encode(), nil)
	})
}

func (c *client) do(ctx context.Context, background bool, build func(context.Context) (*http.Request, error)) (apiResponse, error) {
	var out apiResponse
	call := func(ctx context.Context) error {
		req, err := build(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.deps.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("gateway returned HTTP %d", resp.StatusCode)
		}
		out, err = decodeResponse(body)
		return err
	}

	var err error
	if background {
		err = c.deps.Background(ctx, c.key, call)
	} else {
		err = c.deps.Interactive(ctx, c.key, call)
	}
	return out, err
}
