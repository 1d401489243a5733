// Package epaytest provides an in-process epay gateway for tests.
package epaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/paybridge/gateway/internal/module/channel/sign"
)

// Server is a fake epay gateway. It checks request signatures, records
// orders created through mapi.php and answers api.php queries and refunds.
type Server struct {
	*httptest.Server
	PID string
	Key string

	mu       sync.Mutex
	orders   map[string]url.Values // out_trade_no -> create params
	paid     map[string]bool
	refunds  []url.Values
	requests int
	fail     bool
}

// NewServer starts a gateway and closes it when the test ends.
func NewServer(t testing.TB, pid, key string) *Server {
	t.Helper()
	s := &Server{PID: pid, Key: key, orders: map[string]url.Values{}, paid: map[string]bool{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/mapi.php", s.mapi)
	mux.HandleFunc("/api.php", s.api)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Gateway is the base URL adapters are configured with.
func (s *Server) Gateway() string { return s.URL + "/" }

// SetFail makes every call answer with HTTP 502.
func (s *Server) SetFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

// Requests returns the number of calls served.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// Order returns the create parameters of an order.
func (s *Server) Order(tradeNo string) (url.Values, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.orders[tradeNo]
	return v, ok
}

// MarkPaid flags an order as paid for subsequent queries.
func (s *Server) MarkPaid(tradeNo string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paid[tradeNo] = true
}

// Refunds returns the refund requests received.
func (s *Server) Refunds() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]url.Values(nil), s.refunds...)
}

// Notify builds the signed callback parameters the gateway would send for
// a completed order.
func (s *Server) Notify(tradeNo, money, typ string) url.Values {
	v := url.Values{}
	v.Set("pid", s.PID)
	v.Set("trade_no", "EP"+tradeNo)
	v.Set("out_trade_no", tradeNo)
	v.Set("type", typ)
	v.Set("name", "order "+tradeNo)
	v.Set("money", money)
	v.Set("trade_status", "TRADE_SUCCESS")
	return Sign(v, s.Key)
}

// Sign signs v in place and returns it.
func Sign(v url.Values, key string) url.Values {
	v.Del("sign")
	v.Del("sign_type")
	canonical := sign.Sorted{Exclude: []string{"sign_type"}}.Canonical(sign.FromValues(v))
	sig, _ := sign.Sign(sign.MD5, canonical, key)
	v.Set("sign", sig)
	v.Set("sign_type", "MD5")
	return v
}

func (s *Server) begin(w http.ResponseWriter, r *http.Request) bool {
	s.mu.Lock()
	s.requests++
	fail := s.fail
	s.mu.Unlock()
	if fail {
		w.WriteHeader(http.StatusBadGateway)
		return false
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) mapi(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, r) {
		return
	}
	form := r.PostForm
	canonical := sign.Sorted{Exclude: []string{"sign_type"}}.Canonical(sign.FromValues(form))
	if form.Get("pid") != s.PID || !sign.Verify(sign.MD5, canonical, form.Get("sign"), s.Key) {
		reply(w, map[string]any{"code": -1, "msg": "sign error"})
		return
	}
	tradeNo := form.Get("out_trade_no")
	s.mu.Lock()
	s.orders[tradeNo] = form
	s.mu.Unlock()

	out := map[string]any{"code": 1, "msg": "ok", "trade_no": "EP" + tradeNo}
	if form.Get("device") == "pc" {
		out["qrcode"] = "https://qr.example/" + tradeNo
	} else {
		out["payurl"] = s.URL + "/pay/" + tradeNo
	}
	reply(w, out)
}

func (s *Server) api(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, r) {
		return
	}
	if r.Form.Get("pid") != s.PID || r.Form.Get("key") != s.Key {
		reply(w, map[string]any{"code": -3, "msg": "key error"})
		return
	}
	switch r.URL.Query().Get("act") {
	case "refund":
		s.mu.Lock()
		s.refunds = append(s.refunds, r.PostForm)
		s.mu.Unlock()
		reply(w, map[string]any{"code": 1, "msg": "refund ok"})
	case "order":
		tradeNo := r.Form.Get("out_trade_no")
		s.mu.Lock()
		create, ok := s.orders[tradeNo]
		paid := s.paid[tradeNo]
		s.mu.Unlock()
		if !ok {
			reply(w, map[string]any{"code": -1, "msg": "order not found"})
			return
		}
		status := "0"
		if paid {
			status = "1"
		}
		// Status and code as strings, as some gateways send them.
		reply(w, map[string]any{
			"code":         "1",
			"msg":          "ok",
			"trade_no":     "EP" + tradeNo,
			"out_trade_no": tradeNo,
			"money":        create.Get("money"),
			"status":       status,
			"buyer":        "buyer@example.com",
		})
	default:
		reply(w, map[string]any{"code": -1, "msg": "unknown act"})
	}
}

func reply(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
