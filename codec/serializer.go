package codec

import (
	"encoding/base64"

	"go.uber.org/zap"

	"vrpc/errs"
	"vrpc/message"
	"vrpc/registry"
)

// Options control the envelope rules applied around the raw Codec.
type Options struct {
	// Recursive walks nested maps and slices, converting values a registry
	// detector accepts into ZData on encode and registered ZData back into
	// application values on decode. Default on.
	Recursive bool
	// EncodeUndefined lets nil payloads through as null. When off, a nil
	// mandatory payload or a nil nested value fails the encode. Default off.
	EncodeUndefined bool
	// UseTypeRegistry consults the registry during the recursive walk.
	// Default on; without a registry it has no effect.
	UseTypeRegistry bool
	// Validate runs message.Validate on every decoded *message.Message.
	// Default on.
	Validate bool
}

func DefaultOptions() Options {
	return Options{Recursive: true, UseTypeRegistry: true, Validate: true}
}

type Option func(*Serializer)

func WithCodec(c Codec) Option {
	return func(s *Serializer) { s.codec = c }
}

// WithRegistry sets the type registry used by the recursive walk.
func WithRegistry(r *registry.Registry) Option {
	return func(s *Serializer) { s.reg = r }
}

func WithRecursive(on bool) Option {
	return func(s *Serializer) { s.opts.Recursive = on }
}

func WithEncodeUndefined(on bool) Option {
	return func(s *Serializer) { s.opts.EncodeUndefined = on }
}

func WithTypeRegistry(on bool) Option {
	return func(s *Serializer) { s.opts.UseTypeRegistry = on }
}

func WithValidate(on bool) Option {
	return func(s *Serializer) { s.opts.Validate = on }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Serializer) {
		if l != nil {
			s.log = l
		}
	}
}

// Serializer encodes every envelope variant (Message, ClientEvent,
// ServerEvent, RPCRequest, RPCResponse, Component, ZData) and plain values.
// It is safe for concurrent use.
type Serializer struct {
	codec Codec
	reg   *registry.Registry
	opts  Options
	log   *zap.Logger
}

// NewSerializer returns a MessagePack serializer with DefaultOptions and no
// registry unless configured otherwise.
func NewSerializer(opts ...Option) *Serializer {
	s := &Serializer{
		codec: &MsgpackCodec{},
		opts:  DefaultOptions(),
		log:   zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Serializer) Codec() Codec { return s.codec }

func (s *Serializer) Options() Options { return s.opts }

func (s *Serializer) Registry() *registry.Registry { return s.reg }

// Serialize encodes v after applying the envelope rules.
func (s *Serializer) Serialize(v any) ([]byte, error) {
	prepared, err := s.prepare(v)
	if err != nil {
		return nil, err
	}
	data, err := s.codec.Encode(prepared)
	if err != nil {
		return nil, errs.Wrap(errs.KindSerialization, err, "%s encode %T", s.codec.Type(), v)
	}
	return data, nil
}

// Deserialize decodes data into v, which must be a pointer, then resolves
// nested ZData through the registry. Envelopes with unknown tags stay
// *zdata.ZData.
func (s *Serializer) Deserialize(data []byte, v any) error {
	if err := s.codec.Decode(data, v); err != nil {
		return errs.Wrap(errs.KindDeserialization, err, "%s decode %T", s.codec.Type(), v)
	}
	if err := s.finish(v); err != nil {
		return err
	}
	if m, ok := v.(*message.Message); ok && s.opts.Validate {
		return message.Validate(m)
	}
	return nil
}

// DecodeMessage decodes data as a generic Message.
func (s *Serializer) DecodeMessage(data []byte) (*message.Message, error) {
	var m message.Message
	if err := s.Deserialize(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// SerializeBase64 is Serialize followed by standard base64, for text-only
// channels.
func (s *Serializer) SerializeBase64(v any) (string, error) {
	data, err := s.Serialize(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func (s *Serializer) DeserializeBase64(encoded string, v any) error {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return errs.Wrap(errs.KindDeserialization, err, "base64 decode")
	}
	return s.Deserialize(data, v)
}

// Serialize encodes v with a one-off Serializer built from opts.
func Serialize(v any, opts ...Option) ([]byte, error) {
	return NewSerializer(opts...).Serialize(v)
}

func Deserialize(data []byte, v any, opts ...Option) error {
	return NewSerializer(opts...).Deserialize(data, v)
}

func SerializeBase64(v any, opts ...Option) (string, error) {
	return NewSerializer(opts...).SerializeBase64(v)
}

func DeserializeBase64(encoded string, v any, opts ...Option) error {
	return NewSerializer(opts...).DeserializeBase64(encoded, v)
}

// ValidateMessage checks m's structure without serializing it.
func ValidateMessage(m *message.Message) error {
	return message.Validate(m)
}
