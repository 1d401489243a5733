package plugin

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// PayType is a logical payment method an adapter can serve, e.g. alipay or wxpay.
type PayType struct {
	Name        string `json:"name" validate:"required"`
	DisplayName string `json:"display_name"`
}

// InputType is the widget a configuration UI renders for an input field.
type InputType string

const (
	InputText     InputType = "text"
	InputTextarea InputType = "textarea"
	InputSelect   InputType = "select"
)

// Option is a value/label pair for select inputs and sub-modes.
type Option struct {
	Value string `json:"value" validate:"required"`
	Label string `json:"label"`
}

// InputField declares one credential or setting an adapter reads from ChannelConfig.
type InputField struct {
	Key      string    `json:"key" validate:"required"`
	Name     string    `json:"name" validate:"required"`
	Type     InputType `json:"type" validate:"omitempty,oneof=text textarea select"`
	Required bool      `json:"required"`
	Note     string    `json:"note,omitempty"`
	Options  []Option  `json:"options,omitempty" validate:"dive"`
}

// Descriptor is the static, display-oriented description of an adapter.
// It is read-only after registration and never drives dispatch beyond the
// declared payment types.
type Descriptor struct {
	Name        string              `json:"name" validate:"required"`
	DisplayName string              `json:"display_name" validate:"required"`
	Author      string              `json:"author,omitempty"`
	Link        string              `json:"link,omitempty" validate:"omitempty,url"`
	Types       []PayType           `json:"types" validate:"required,min=1,dive"`
	Inputs      []InputField        `json:"inputs" validate:"dive"`
	Selects     map[string][]Option `json:"selects,omitempty"`
	Certs       []string            `json:"certs,omitempty"`
	Notes       string              `json:"notes,omitempty"`

	// AmountTolerance is the largest accepted difference between the order
	// amount and the amount a provider reports, in major units. Empty means
	// one minor unit. Values above one minor unit are clamped.
	AmountTolerance string `json:"amount_tolerance,omitempty"`
	ExactAmount     bool   `json:"exact_amount,omitempty"`
	MinorUnits      int32  `json:"minor_units,omitempty" validate:"gte=0,lte=4"`
}

// Validate checks that the descriptor is complete enough to register.
func (d Descriptor) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("descriptor %q: %w", d.Name, err)
	}
	seen := make(map[string]struct{}, len(d.Inputs))
	for _, in := range d.Inputs {
		if _, dup := seen[in.Key]; dup {
			return fmt.Errorf("descriptor %q: duplicate input %q", d.Name, in.Key)
		}
		seen[in.Key] = struct{}{}
		if in.Type == InputSelect && len(in.Options) == 0 {
			return fmt.Errorf("descriptor %q: select input %q has no options", d.Name, in.Key)
		}
	}
	for typ := range d.Selects {
		if !d.Supports(typ) {
			return fmt.Errorf("descriptor %q: sub-modes for undeclared type %q", d.Name, typ)
		}
	}
	if d.AmountTolerance != "" {
		if _, err := decimal.NewFromString(d.AmountTolerance); err != nil {
			return fmt.Errorf("descriptor %q: amount_tolerance: %w", d.Name, err)
		}
	}
	return nil
}

// Supports reports whether typ is one of the declared payment types.
func (d Descriptor) Supports(typ string) bool {
	for _, t := range d.Types {
		if t.Name == typ {
			return true
		}
	}
	return false
}

// CheckConfig returns ErrMissingField naming every required input that is
// absent or blank in cfg.
func (d Descriptor) CheckConfig(cfg ChannelConfig) error {
	var missing []string
	for _, in := range d.Inputs {
		if in.Required && strings.TrimSpace(cfg.Values[in.Key]) == "" {
			missing = append(missing, in.Key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", "))
	}
	return nil
}

// Gate returns the amount gate this adapter applies to callbacks.
func (d Descriptor) Gate() Gate {
	if d.ExactAmount {
		return ExactGate()
	}
	minor := d.MinorUnits
	if minor <= 0 {
		minor = DefaultMinorUnits
	}
	tol := decimal.New(1, -minor)
	if d.AmountTolerance != "" {
		if v, err := decimal.NewFromString(d.AmountTolerance); err == nil {
			tol = v
		}
	}
	return NewGate(tol, minor)
}

// Public returns a deep copy holding only schema, safe to hand to a UI.
func (d Descriptor) Public() Descriptor {
	out := d
	out.Types = append([]PayType(nil), d.Types...)
	out.Certs = append([]string(nil), d.Certs...)
	out.Inputs = make([]InputField, len(d.Inputs))
	for i, in := range d.Inputs {
		in.Options = append([]Option(nil), in.Options...)
		out.Inputs[i] = in
	}
	if d.Selects != nil {
		out.Selects = make(map[string][]Option, len(d.Selects))
		for k, v := range d.Selects {
			out.Selects[k] = append([]Option(nil), v...)
		}
	}
	return out
}
