package plugin

import (
	"encoding/json"
	"fmt"
)

// ActionKind identifies an Action variant.
type ActionKind string

const (
	KindRedirect ActionKind = "jump"
	KindQRCode   ActionKind = "qrcode"
	KindPage     ActionKind = "page"
	KindHTML     ActionKind = "html"
	KindJSON     ActionKind = "json"
	KindError    ActionKind = "error"
)

// Action is what Submit and ResolvePaymentMethod decide the caller should do.
// The set of variants is closed; each carries only the fields its kind needs.
type Action interface {
	Kind() ActionKind
	action()
}

// RedirectAction sends the browser to URL.
type RedirectAction struct {
	URL string
}

// QRCodeAction shows URL as a scannable code.
type QRCodeAction struct {
	URL string
}

// PageAction renders a named page template with data.
type PageAction struct {
	Page string
	Data map[string]any
}

// HTMLAction writes raw HTML, typically an auto-submitting form.
type HTMLAction struct {
	HTML string
}

// JSONAction hands structured parameters to a client SDK (in-app JS pay, app pay).
type JSONAction struct {
	Data map[string]any
}

// ErrorAction reports a failure to the payer.
type ErrorAction struct {
	Message string
}

func (RedirectAction) Kind() ActionKind { return KindRedirect }
func (QRCodeAction) Kind() ActionKind   { return KindQRCode }
func (PageAction) Kind() ActionKind     { return KindPage }
func (HTMLAction) Kind() ActionKind     { return KindHTML }
func (JSONAction) Kind() ActionKind     { return KindJSON }
func (ErrorAction) Kind() ActionKind    { return KindError }

func (RedirectAction) action() {}
func (QRCodeAction) action()   {}
func (PageAction) action()     {}
func (HTMLAction) action()     {}
func (JSONAction) action()     {}
func (ErrorAction) action()    {}

// Errorf builds an ErrorAction.
func Errorf(format string, args ...any) ErrorAction {
	return ErrorAction{Message: fmt.Sprintf(format, args...)}
}

// IsError reports whether a is an ErrorAction.
func IsError(a Action) bool {
	_, ok := a.(ErrorAction)
	return ok
}

// MarshalAction renders an Action as {"type": kind, ...fields}.
func MarshalAction(a Action) ([]byte, error) {
	out := map[string]any{"type": a.Kind()}
	switch v := a.(type) {
	case RedirectAction:
		out["url"] = v.URL
	case QRCodeAction:
		out["url"] = v.URL
	case PageAction:
		out["page"] = v.Page
		out["data"] = v.Data
	case HTMLAction:
		out["html"] = v.HTML
	case JSONAction:
		out["data"] = v.Data
	case ErrorAction:
		out["msg"] = v.Message
	default:
		return nil, fmt.Errorf("unknown action %T", a)
	}
	return json.Marshal(out)
}
