package zdata

import (
	"vrpc/errs"
)

// Marshaler is implemented by application types that know their own
// envelope form.
type Marshaler interface {
	MarshalZData() (*ZData, error)
}

// Unmarshaler is implemented by application types that can be rebuilt from
// an envelope.
type Unmarshaler interface {
	UnmarshalZData(z *ZData) error
}

// Availability is implemented by conversions that depend on optional
// support. Callers check it before converting.
type Availability interface {
	Available() bool
}

// Marshal converts v into an envelope. v may already be an envelope, or a
// Marshaler. The result's layout is checked before it is returned.
func Marshal(v any) (*ZData, error) {
	switch t := v.(type) {
	case *ZData:
		if t == nil {
			return nil, errs.New(errs.KindSerialization, "nil envelope")
		}
		return t, nil
	case ZData:
		return &t, nil
	}
	if a, ok := v.(Availability); ok && !a.Available() {
		return nil, errs.New(errs.KindTypeConversion, "support for %T is not available in this build", v)
	}
	m, ok := v.(Marshaler)
	if !ok {
		return nil, errs.New(errs.KindTypeConversion, "%T cannot be converted to zdata", v)
	}
	z, err := m.MarshalZData()
	if err != nil {
		return nil, errs.Wrap(errs.KindTypeConversion, err, "marshal %T", v)
	}
	if err := z.CheckLayout(); err != nil {
		return nil, err
	}
	return z, nil
}

// Unmarshal fills v from z.
func Unmarshal(z *ZData, v Unmarshaler) error {
	if z == nil {
		return errs.New(errs.KindDeserialization, "nil envelope")
	}
	if a, ok := v.(Availability); ok && !a.Available() {
		return errs.New(errs.KindTypeConversion, "support for %s is not available in this build", z.Type)
	}
	if err := v.UnmarshalZData(z); err != nil {
		return errs.Wrap(errs.KindTypeConversion, err, "unmarshal %s", z.Type)
	}
	return nil
}
