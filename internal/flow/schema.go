// Package flow implements the multi-step setup wizard that creates
// calculator entries, and the options wizard that edits them.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"

	"vpdcalc/internal/hass"
)

// Field error keys
const (
	ErrRequired           = "required"
	ErrInvalidType        = "invalid_type"
	ErrValueOutOfRange    = "value_out_of_range"
	ErrInvalidEntity      = "invalid_entity"
	ErrEntityNotFound     = "entity_not_found"
	ErrInvalidDeviceClass = "invalid_device_class"

	// ErrMinMaxInvalid is reported under BaseError when min is not below max
	ErrMinMaxInvalid = "min_max_invalid"
	// ErrInvalidConfig is reported under BaseError when the entry is rejected
	ErrInvalidConfig = "invalid_config"

	// BaseError is the error key for form-wide errors
	BaseError = "base"
)

// Selector kinds
const (
	SelectorText    = "text"
	SelectorBoolean = "boolean"
	SelectorNumber  = "number"
	SelectorEntity  = "entity"
	SelectorDevice  = "device"
)

// Selector describes the input widget of a field and how its value is coerced
type Selector struct {
	Kind        string   `json:"type"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	Step        float64  `json:"step,omitempty"`
	Mode        string   `json:"mode,omitempty"`
	Domain      string   `json:"domain,omitempty"`
	DeviceClass string   `json:"device_class,omitempty"`
}

// TextSelector accepts a string
func TextSelector() Selector { return Selector{Kind: SelectorText} }

// BooleanSelector accepts a bool
func BooleanSelector() Selector { return Selector{Kind: SelectorBoolean} }

// NumberSelector accepts a number within [min, max]
func NumberSelector(minValue, maxValue, step float64, mode string) Selector {
	return Selector{Kind: SelectorNumber, Min: &minValue, Max: &maxValue, Step: step, Mode: mode}
}

// EntitySelector accepts an entity id of domain, optionally restricted to a device class
func EntitySelector(domain, deviceClass string) Selector {
	return Selector{Kind: SelectorEntity, Domain: domain, DeviceClass: deviceClass}
}

// DeviceSelector accepts a device registry id
func DeviceSelector() Selector { return Selector{Kind: SelectorDevice} }

// Field is one input of a form
type Field struct {
	Key      string      `json:"name"`
	Required bool        `json:"required"`
	Default  interface{} `json:"default,omitempty"`
	Selector Selector    `json:"selector"`
}

// Schema is an ordered list of fields
type Schema []Field

// Errors maps field keys, or BaseError, to an error key
type Errors map[string]string

// EntityLookup resolves an entity for selector validation.
// It returns an error wrapping hass.ErrEntityNotFound for unknown entities.
type EntityLookup func(ctx context.Context, entityID string) (*hass.State, error)

// WithDefaults returns a copy of the schema whose defaults are taken from
// values where present
func (s Schema) WithDefaults(values map[string]interface{}) Schema {
	out := make(Schema, len(s))
	copy(out, s)
	for i, f := range out {
		if v, ok := values[f.Key]; ok && v != nil {
			out[i].Default = v
		}
	}
	return out
}

// Describe returns the form as sent to API clients
func (s Schema) Describe() []Field {
	out := make([]Field, len(s))
	copy(out, s)
	return out
}

// Validate coerces input against the schema. Missing optional fields take
// their default. An explicitly empty optional string clears the value.
// lookup may be nil, in which case entities are only checked syntactically.
func (s Schema) Validate(ctx context.Context, input map[string]interface{}, lookup EntityLookup) (map[string]interface{}, Errors) {
	values := make(map[string]interface{}, len(s))
	errs := Errors{}

	for _, f := range s {
		raw, present := input[f.Key]
		if !present || raw == nil {
			switch {
			case f.Default != nil:
				values[f.Key] = f.Default
			case f.Required:
				errs[f.Key] = ErrRequired
			}
			continue
		}

		v, errKey := f.Selector.coerce(raw)
		if errKey != "" {
			errs[f.Key] = errKey
			continue
		}

		if str, ok := v.(string); ok && str == "" {
			if f.Required {
				errs[f.Key] = ErrRequired
			} else {
				values[f.Key] = ""
			}
			continue
		}

		if f.Selector.Kind == SelectorEntity {
			if errKey := f.Selector.checkEntity(ctx, v.(string), lookup); errKey != "" {
				errs[f.Key] = errKey
				continue
			}
		}
		values[f.Key] = v
	}

	if len(errs) == 0 {
		return values, nil
	}
	return values, errs
}

// coerce converts a decoded JSON value to the selector's Go type
func (sel Selector) coerce(raw interface{}) (interface{}, string) {
	switch sel.Kind {
	case SelectorBoolean:
		switch v := raw.(type) {
		case bool:
			return v, ""
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, ErrInvalidType
			}
			return b, ""
		}
		return nil, ErrInvalidType

	case SelectorNumber:
		n, ok := toFloat(raw)
		if !ok || math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, ErrInvalidType
		}
		if (sel.Min != nil && n < *sel.Min) || (sel.Max != nil && n > *sel.Max) {
			return nil, ErrValueOutOfRange
		}
		return n, ""

	case SelectorEntity:
		v, ok := raw.(string)
		if !ok {
			return nil, ErrInvalidType
		}
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			return v, ""
		}
		domain, object, found := strings.Cut(v, ".")
		if !found || object == "" || (sel.Domain != "" && domain != sel.Domain) {
			return nil, ErrInvalidEntity
		}
		return v, ""

	default:
		v, ok := raw.(string)
		if !ok {
			return nil, ErrInvalidType
		}
		return strings.TrimSpace(v), ""
	}
}

func (sel Selector) checkEntity(ctx context.Context, entityID string, lookup EntityLookup) string {
	if lookup == nil {
		return ""
	}
	state, err := lookup(ctx, entityID)
	if err != nil {
		if errors.Is(err, hass.ErrEntityNotFound) {
			return ErrEntityNotFound
		}
		// Home Assistant unreachable: accept and let the publisher report it
		return ""
	}
	if sel.DeviceClass != "" && state.DeviceClass() != sel.DeviceClass {
		return ErrInvalidDeviceClass
	}
	return ""
}

func toFloat(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}
