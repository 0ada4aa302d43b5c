package codec

import (
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"vrpc/errs"
	"vrpc/message"
	"vrpc/zdata"
)

// prepare returns the value actually handed to the Codec: a shallow copy of
// the envelope with its payload fields walked.
func (s *Serializer) prepare(v any) (any, error) {
	var err error
	switch m := v.(type) {
	case nil:
		if s.opts.EncodeUndefined {
			return nil, nil
		}
		return nil, errs.New(errs.KindSerialization, "null value not allowed")
	case message.Message:
		return s.prepare(&m)
	case message.ClientEvent:
		return s.prepare(&m)
	case message.ServerEvent:
		return s.prepare(&m)
	case message.RPCRequest:
		return s.prepare(&m)
	case message.RPCResponse:
		return s.prepare(&m)
	case message.Component:
		return s.prepare(&m)

	case *message.Message:
		if m == nil {
			return nil, errs.New(errs.KindSerialization, "nil message")
		}
		c := *m
		if c.Args, err = s.encodeSlice(c.Args, "args"); err != nil {
			return nil, err
		}
		if c.Kwargs, err = s.encodeMap(c.Kwargs, "kwargs"); err != nil {
			return nil, err
		}
		if c.Data, err = s.encodeOptional(c.Data, "data"); err != nil {
			return nil, err
		}
		if c.Value, err = s.encodeOptional(c.Value, "value"); err != nil {
			return nil, err
		}
		return &c, nil

	case *message.ClientEvent:
		if m == nil {
			return nil, errs.New(errs.KindSerialization, "nil client event")
		}
		c := *m
		if c.Value, err = s.encodeValue(c.Value, "value"); err != nil {
			return nil, fmt.Errorf("client event %s: %w", c.EType, err)
		}
		return &c, nil

	case *message.ServerEvent:
		if m == nil {
			return nil, errs.New(errs.KindSerialization, "nil server event")
		}
		c := *m
		if c.Data, err = s.encodeValue(c.Data, "data"); err != nil {
			return nil, fmt.Errorf("server event %s: %w", c.EType, err)
		}
		return &c, nil

	case *message.RPCRequest:
		if m == nil {
			return nil, errs.New(errs.KindSerialization, "nil rpc request")
		}
		c := *m
		if c.Args, err = s.encodeSlice(c.Args, "args"); err != nil {
			return nil, err
		}
		if c.Kwargs, err = s.encodeMap(c.Kwargs, "kwargs"); err != nil {
			return nil, err
		}
		return &c, nil

	case *message.RPCResponse:
		if m == nil {
			return nil, errs.New(errs.KindSerialization, "nil rpc response")
		}
		c := *m
		if c.Data, err = s.encodeOptional(c.Data, "data"); err != nil {
			return nil, err
		}
		if c.Value, err = s.encodeOptional(c.Value, "value"); err != nil {
			return nil, err
		}
		return &c, nil

	case *message.Component:
		if m == nil {
			return nil, errs.New(errs.KindSerialization, "nil component")
		}
		return s.encodeComponent(m, m.Tag, 0)

	case *zdata.ZData, zdata.ZData:
		return v, nil
	}
	return s.encodeValue(v, "value")
}

// encodeOptional leaves an absent optional field absent.
func (s *Serializer) encodeOptional(v any, path string) (any, error) {
	if v == nil {
		return nil, nil
	}
	return s.encodeValue(v, path)
}

func (s *Serializer) encodeValue(v any, path string) (any, error) {
	if isNil(v) {
		if s.opts.EncodeUndefined {
			return nil, nil
		}
		return nil, errs.New(errs.KindSerialization, "null value at %s not allowed", path)
	}
	if !s.opts.Recursive {
		return v, nil
	}

	switch t := v.(type) {
	case *zdata.ZData, zdata.ZData,
		string, bool, []byte,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v, nil
	case map[string]any:
		if _, ok := zdata.TagOf(t); ok {
			// Envelope-shaped maps go out as they are, so they must decode back
			if _, err := zdata.FromMap(t); err != nil {
				return nil, errs.Wrap(errs.KindSerialization, err, "%s: malformed envelope", path)
			}
			return v, nil
		}
	}

	if s.opts.UseTypeRegistry && s.reg != nil {
		z, ok, err := s.reg.TryEncode(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if ok {
			return z, nil
		}
	}

	switch t := v.(type) {
	case zdata.Marshaler:
		z, err := zdata.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return z, nil
	case *message.Component:
		return s.encodeComponent(t, path, 0)
	case map[string]any:
		return s.encodeMap(t, path)
	case []any:
		return s.encodeSlice(t, path)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return v, nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			e, err := s.encodeValue(rv.Index(i).Interface(), fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return s.encodeValue(out, path)
	}
	return v, nil
}

func (s *Serializer) encodeSlice(in []any, path string) ([]any, error) {
	if in == nil {
		return nil, nil
	}
	out := make([]any, len(in))
	for i, v := range in {
		e, err := s.encodeValue(v, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

func (s *Serializer) encodeMap(in map[string]any, path string) (map[string]any, error) {
	if in == nil {
		return nil, nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		e, err := s.encodeValue(v, path+"."+k)
		if err != nil {
			return nil, err
		}
		out[k] = e
	}
	return out, nil
}

func (s *Serializer) encodeComponent(c *message.Component, path string, depth int) (*message.Component, error) {
	if depth > message.MaxDepth {
		return nil, errs.New(errs.KindSerialization, "%s: nested deeper than %d", path, message.MaxDepth)
	}
	out := &message.Component{Tag: c.Tag}
	if c.Children != nil {
		out.Children = make([]*message.Component, len(c.Children))
		for i, child := range c.Children {
			if child == nil {
				return nil, errs.New(errs.KindSerialization, "%s: nil child %d", path, i)
			}
			e, err := s.encodeComponent(child, fmt.Sprintf("%s/%s", path, child.Tag), depth+1)
			if err != nil {
				return nil, err
			}
			out.Children[i] = e
		}
	}
	var err error
	c.Props.Range(func(k string, v any) bool {
		var e any
		if e, err = s.encodeValue(v, path+"."+k); err != nil {
			return false
		}
		out.Props.Set(k, e)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// finish resolves nested envelopes in a freshly decoded value.
func (s *Serializer) finish(v any) error {
	if !s.opts.Recursive {
		return nil
	}
	var err error
	switch m := v.(type) {
	case *message.Message:
		if err = s.decodeSlice(m.Args); err != nil {
			return err
		}
		if err = s.decodeMap(m.Kwargs); err != nil {
			return err
		}
		if m.Data, err = s.decodeValue(m.Data); err != nil {
			return err
		}
		m.Value, err = s.decodeValue(m.Value)
	case *message.ClientEvent:
		m.Value, err = s.decodeValue(m.Value)
	case *message.ServerEvent:
		m.Data, err = s.decodeValue(m.Data)
	case *message.RPCRequest:
		if err = s.decodeSlice(m.Args); err != nil {
			return err
		}
		err = s.decodeMap(m.Kwargs)
	case *message.RPCResponse:
		if m.Data, err = s.decodeValue(m.Data); err != nil {
			return err
		}
		m.Value, err = s.decodeValue(m.Value)
	case *message.Component:
		err = s.decodeComponent(m, 0)
	case *any:
		*m, err = s.decodeValue(*m)
	case *map[string]any:
		err = s.decodeMap(*m)
	case *[]any:
		err = s.decodeSlice(*m)
	}
	return err
}

func (s *Serializer) decodeValue(v any) (any, error) {
	switch t := v.(type) {
	case *zdata.ZData:
		return s.resolve(t)
	case map[string]any:
		if _, ok := zdata.TagOf(t); ok {
			z, err := zdata.FromMap(t)
			if err != nil {
				return nil, errs.Wrap(errs.KindDeserialization, err, "nested envelope")
			}
			return s.resolve(z)
		}
		return t, s.decodeMap(t)
	case []any:
		return t, s.decodeSlice(t)
	}
	return zdata.NormalizeNumber(v), nil
}

func (s *Serializer) decodeSlice(in []any) error {
	for i, v := range in {
		d, err := s.decodeValue(v)
		if err != nil {
			return err
		}
		in[i] = d
	}
	return nil
}

func (s *Serializer) decodeMap(in map[string]any) error {
	for k, v := range in {
		d, err := s.decodeValue(v)
		if err != nil {
			return err
		}
		in[k] = d
	}
	return nil
}

func (s *Serializer) decodeComponent(c *message.Component, depth int) error {
	if depth > message.MaxDepth {
		return errs.New(errs.KindDeserialization, "component %s: nested deeper than %d", c.Tag, message.MaxDepth)
	}
	for i, child := range c.Children {
		if child == nil {
			return errs.New(errs.KindDeserialization, "component %s: null child %d", c.Tag, i)
		}
		if err := s.decodeComponent(child, depth+1); err != nil {
			return err
		}
	}
	var err error
	c.Props.Range(func(k string, v any) bool {
		var d any
		if d, err = s.decodeValue(v); err == nil {
			c.Props.Set(k, d)
		}
		return err == nil
	})
	return err
}

// resolve decodes z through the registry when its tag is known. Unknown
// tags pass through as the envelope itself.
func (s *Serializer) resolve(z *zdata.ZData) (any, error) {
	z.Extra.Range(func(k string, v any) bool {
		z.Extra.Set(k, zdata.NormalizeDeep(v))
		return true
	})
	if !s.opts.UseTypeRegistry || s.reg == nil || !s.reg.IsRegistered(z.Type) {
		if s.opts.UseTypeRegistry && s.reg != nil {
			s.log.Debug("passing through unregistered envelope", zap.String("ztype", z.Type))
		}
		return z, nil
	}
	v, err := s.reg.Decode(z)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", z.Type, err)
	}
	return v, nil
}
