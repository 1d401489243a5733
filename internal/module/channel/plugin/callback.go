package plugin

import (
	"encoding/json"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// CallbackRequest is an inbound notify or return exactly as the web layer
// received it. Body is never re-serialized: providers sign the bytes they
// sent, so adapters parse from Body themselves.
type CallbackRequest struct {
	Method string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// ContentType returns the media type of the body without parameters.
func (r CallbackRequest) ContentType() string {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(ct, ";", 2)[0]))
	}
	return mt
}

// Params merges query parameters with a form-encoded body. Body values win.
// Bodies that are not form-encoded are ignored.
func (r CallbackRequest) Params() (url.Values, error) {
	out := url.Values{}
	for k, v := range r.Query {
		out[k] = append([]string(nil), v...)
	}
	if len(r.Body) == 0 {
		return out, nil
	}
	ct := r.ContentType()
	if ct != "" && ct != "application/x-www-form-urlencoded" {
		return out, nil
	}
	form, err := url.ParseQuery(string(r.Body))
	if err != nil {
		return nil, err
	}
	for k, v := range form {
		out[k] = v
	}
	return out, nil
}

// JSON decodes a JSON body into v.
func (r CallbackRequest) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// HeaderMap flattens headers to their first value.
func (r CallbackRequest) HeaderMap() map[string]string {
	out := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
