package sign

import (
	"encoding/json"
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Params is a provider parameter set before canonicalization.
type Params map[string]any

// FromValues converts form or query values into Params, keeping the first value per key.
func FromValues(values url.Values) Params {
	p := make(Params, len(values))
	for k, v := range values {
		if len(v) > 0 {
			p[k] = v[0]
		}
	}
	return p
}

// FromStrings converts a flat string map into Params.
func FromStrings(m map[string]string) Params {
	p := make(Params, len(m))
	for k, v := range m {
		p[k] = v
	}
	return p
}

// Get returns the string form of a parameter, or "" when absent.
func (p Params) Get(key string) string {
	v, ok := p[key]
	if !ok {
		return ""
	}
	s, _ := stringify(v)
	return s
}

// Canonicalizer turns a parameter set into the exact string that is signed.
type Canonicalizer interface {
	Canonical(params Params) string
}

// Keys that never take part in a signature.
var alwaysExcluded = []string{"sign", "signature"}

// Sorted canonicalizes as key=value pairs joined by "&" in codepoint key order.
// Empty values and excluded keys are dropped.
type Sorted struct {
	Exclude []string
}

// Canonical implements Canonicalizer.
func (s Sorted) Canonical(params Params) string {
	skip := make(map[string]struct{}, len(alwaysExcluded)+len(s.Exclude))
	for _, k := range alwaysExcluded {
		skip[k] = struct{}{}
	}
	for _, k := range s.Exclude {
		skip[k] = struct{}{}
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		if _, ok := skip[k]; ok {
			continue
		}
		keys = append(keys, k)
	}
	// Go compares strings bytewise, which for UTF-8 is codepoint order.
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v, ok := stringify(params[k])
		if !ok || v == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String()
}

// FixedOrder concatenates values only, in the declared field order.
// Missing fields contribute an empty string so positions stay stable.
type FixedOrder struct {
	Fields    []string
	Separator string
}

// Canonical implements Canonicalizer.
func (f FixedOrder) Canonical(params Params) string {
	parts := make([]string, len(f.Fields))
	for i, field := range f.Fields {
		parts[i], _ = stringify(params[field])
	}
	return strings.Join(parts, f.Separator)
}

// Canonicalize is the default Sorted canonicalization.
func Canonicalize(params Params, exclude ...string) string {
	return Sorted{Exclude: exclude}.Canonical(params)
}

// stringify renders a value for signing. The bool result is false for nil.
func stringify(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case []byte:
		return string(t), true
	case bool:
		return strconv.FormatBool(t), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case int32:
		return strconv.FormatInt(int64(t), 10), true
	case uint64:
		return strconv.FormatUint(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case fmt.Stringer:
		return t.String(), true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		if (rv.Kind() == reflect.Map || rv.Kind() == reflect.Slice) && rv.IsNil() {
			return "", false
		}
		b, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(b), true
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return "", false
		}
		return stringify(rv.Elem().Interface())
	}
	return fmt.Sprint(v), true
}
