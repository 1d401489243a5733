package gin

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/paybridge/gateway/internal/module/channel/plugin"
	apperrors "github.com/paybridge/gateway/internal/shared/errors"
	"github.com/paybridge/gateway/internal/shared/response"
)

// Form fields read by submit and mapi. Everything else is passed to the
// adapter through RequestContext.Extra.
const (
	fieldDevice = "device"
	fieldMethod = "method"
	fieldOpenID = "openid"
)

// DetectDevice classifies a payer by User-Agent.
func DetectDevice(userAgent string) plugin.Device {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "micromessenger"):
		return plugin.DeviceWechat
	case strings.Contains(ua, "alipayclient"):
		return plugin.DeviceAlipay
	case strings.Contains(ua, " qq/"):
		return plugin.DeviceQQ
	case strings.Contains(ua, "mobile"), strings.Contains(ua, "android"),
		strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"):
		return plugin.DeviceMobile
	}
	return plugin.DevicePC
}

func parseDevice(s string) (plugin.Device, bool) {
	switch d := plugin.Device(strings.ToLower(s)); d {
	case plugin.DevicePC, plugin.DeviceMobile, plugin.DeviceWechat, plugin.DeviceAlipay, plugin.DeviceQQ:
		return d, true
	}
	return "", false
}

// requestContext builds the plugin request context. An explicit device
// field overrides User-Agent detection.
func requestContext(c *gin.Context, siteURL string) plugin.RequestContext {
	device, ok := parseDevice(c.PostForm(fieldDevice))
	if !ok {
		device = DetectDevice(c.Request.UserAgent())
	}
	rc := plugin.RequestContext{
		Device:   device,
		ClientIP: c.ClientIP(),
		Method:   c.PostForm(fieldMethod),
		SiteURL:  siteURL,
	}
	if c.Request.PostForm != nil {
		for k, v := range c.Request.PostForm {
			if k == fieldDevice || k == fieldMethod || k == fieldOpenID || len(v) == 0 {
				continue
			}
			if rc.Extra == nil {
				rc.Extra = make(map[string]string)
			}
			rc.Extra[k] = v[0]
		}
	}
	return rc
}

// callback captures the raw callback request. The body is read once and
// capped at MaxBodyBytes.
func (a *channelAdapter) callback(c *gin.Context) (plugin.CallbackRequest, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, a.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(c, apperrors.TooLarge(a.cfg.MaxBodyBytes))
		} else {
			response.Error(c, apperrors.BadRequest("unreadable request body"))
		}
		return plugin.CallbackRequest{}, false
	}
	return plugin.CallbackRequest{
		Method: c.Request.Method,
		Query:  c.Request.URL.Query(),
		Header: c.Request.Header.Clone(),
		Body:   body,
	}, true
}
