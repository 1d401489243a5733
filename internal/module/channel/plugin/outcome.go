package plugin

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Acknowledgement is the literal body a provider expects in reply to a notify.
// Providers keep retrying until they see the success literal.
type Acknowledgement struct {
	Body        string
	ContentType string
}

// Content types used by acknowledgements.
const (
	ContentTypeText = "text/plain; charset=utf-8"
	ContentTypeJSON = "application/json; charset=utf-8"
	ContentTypeXML  = "text/xml; charset=utf-8"
)

// PlainAck is a plain-text acknowledgement such as "success" or "fail".
func PlainAck(body string) Acknowledgement {
	return Acknowledgement{Body: body, ContentType: ContentTypeText}
}

// JSONAck marshals v into a JSON acknowledgement.
func JSONAck(v any) Acknowledgement {
	b, err := json.Marshal(v)
	if err != nil {
		// Acknowledgements are built from literals; this cannot happen in practice.
		panic(err)
	}
	return Acknowledgement{Body: string(b), ContentType: ContentTypeJSON}
}

// XMLAck is a pre-rendered XML acknowledgement.
func XMLAck(body string) Acknowledgement {
	return Acknowledgement{Body: body, ContentType: ContentTypeXML}
}

// VerificationOutcome is the result of checking a notify or return callback.
// SignatureValid, OrderMatched and AmountMatched are independent checks; all
// three must hold before the order may be treated as paid.
type VerificationOutcome struct {
	SignatureValid  bool
	OrderMatched    bool
	AmountMatched   bool
	Paid            bool // provider reports the trade as successful
	ProviderTradeNo string
	PayerID         string
	Refs            map[string]string
	Ack             Acknowledgement
}

// Valid reports whether signature, order id and amount all check out.
func (o VerificationOutcome) Valid() bool {
	return o.SignatureValid && o.OrderMatched && o.AmountMatched
}

// Settled reports whether the caller may mark the order paid.
func (o VerificationOutcome) Settled() bool {
	return o.Valid() && o.Paid
}

// Acknowledge selects the success or failure literal according to Valid.
func (o *VerificationOutcome) Acknowledge(success, failure Acknowledgement) {
	if o.Valid() {
		o.Ack = success
	} else {
		o.Ack = failure
	}
}

// Rejected is an outcome for input that could not even be parsed.
func Rejected(failure Acknowledgement) VerificationOutcome {
	return VerificationOutcome{Ack: failure}
}

// DefaultMinorUnits is the number of decimal places of the settlement currency.
const DefaultMinorUnits = 2

// Gate applies the three payment invariants.
type Gate struct {
	tolerance decimal.Decimal
}

// NewGate returns a gate that accepts amount differences up to tolerance,
// clamped to [0, one minor unit].
func NewGate(tolerance decimal.Decimal, minorUnits int32) Gate {
	if minorUnits <= 0 {
		minorUnits = DefaultMinorUnits
	}
	ceiling := decimal.New(1, -minorUnits)
	switch {
	case tolerance.IsNegative():
		tolerance = decimal.Zero
	case tolerance.GreaterThan(ceiling):
		tolerance = ceiling
	}
	return Gate{tolerance: tolerance}
}

// ExactGate rejects any amount difference.
func ExactGate() Gate {
	return Gate{tolerance: decimal.Zero}
}

// Tolerance returns the effective tolerance.
func (g Gate) Tolerance() decimal.Decimal {
	return g.tolerance
}

// AmountMatches reports whether reported is within tolerance of expected.
func (g Gate) AmountMatches(expected, reported decimal.Decimal) bool {
	return expected.Sub(reported).Abs().LessThanOrEqual(g.tolerance)
}

// Check fills the three invariant flags of an outcome.
// reportedAmount is provider text in major units; unparsable text never matches.
func (g Gate) Check(order Order, sigOK bool, reportedTradeNo, reportedAmount string) VerificationOutcome {
	out := VerificationOutcome{
		SignatureValid: sigOK,
		OrderMatched:   reportedTradeNo != "" && reportedTradeNo == order.TradeNo,
	}
	if amt, err := decimal.NewFromString(reportedAmount); err == nil {
		out.AmountMatched = g.AmountMatches(order.Amount, amt)
	}
	return out
}

// CheckMinor is Check for providers that report integer minor units (cents).
func (g Gate) CheckMinor(order Order, sigOK bool, reportedTradeNo string, reportedMinor int64, minorUnits int32) VerificationOutcome {
	if minorUnits <= 0 {
		minorUnits = DefaultMinorUnits
	}
	return g.Check(order, sigOK, reportedTradeNo, decimal.New(reportedMinor, -minorUnits).String())
}

// ToMinor converts a major-unit amount to integer minor units, rounding half up.
func ToMinor(amount decimal.Decimal, minorUnits int32) int64 {
	if minorUnits <= 0 {
		minorUnits = DefaultMinorUnits
	}
	return amount.Shift(minorUnits).Round(0).IntPart()
}
