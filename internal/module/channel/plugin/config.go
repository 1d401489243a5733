package plugin

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

var (
	// ErrMissingField means a required credential is entirely absent from the
	// channel configuration. It is a deployment error and stops the request.
	ErrMissingField = errors.New("required config field missing")

	// ErrInvalidConfig means a configuration value is present but malformed.
	ErrInvalidConfig = errors.New("invalid channel config")
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// ChannelConfig is the read-only credential record of one configured channel.
type ChannelConfig struct {
	ID     int64
	Plugin string
	Values map[string]string
}

// Get returns the value for key, or "".
func (c ChannelConfig) Get(key string) string {
	return c.Values[key]
}

// Decode copies the config values into the struct pointed to by out and
// validates it. Strings are converted to the field types of out. A failed
// "required" rule yields ErrMissingField; any other failure ErrInvalidConfig.
func Decode(cfg ChannelConfig, out any) error {
	return decodeInto(cfg.Values, out)
}

// Options are the adapter options declared in a plugin manifest.
type Options map[string]any

// DecodeOptions is Decode for manifest options.
func DecodeOptions(opts Options, out any) error {
	if opts == nil {
		opts = Options{}
	}
	return decodeInto(map[string]any(opts), out)
}

func decodeInto(input any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(input); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		var missing, invalid []string
		for _, fe := range verrs {
			if fe.Tag() == "required" {
				missing = append(missing, fe.Field())
			} else {
				invalid = append(invalid, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
		}
		sort.Strings(missing)
		if len(missing) > 0 {
			return fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", "))
		}
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(invalid, ", "))
	}
	return nil
}
