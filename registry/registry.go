// Package registry maps type tags to the conversions between application
// values and ZData envelopes.
//
// A Registry is built once at process start, filled by Register calls, and
// shared by reference with every codec that needs type lookup. Lookups take
// a read lock only, so concurrent encodes and decodes never wait on each
// other; Register takes the write lock and swaps the whole entry, so a
// lookup sees either the old conversion or the new one.
package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"vrpc/errs"
	"vrpc/zdata"
)

// TypeCodec converts values of one application type to and from envelopes.
type TypeCodec interface {
	Encode(v any) (*zdata.ZData, error)
	Decode(z *zdata.ZData) (any, error)
}

// Matcher is implemented by a TypeCodec that takes part in auto-detection
// (TryEncode). Matchers of different tags must not accept the same value.
type Matcher interface {
	Matches(v any) bool
}

// ErrAmbiguousType is wrapped by TryEncode when several detectors accept the
// same value.
var ErrAmbiguousType = errors.New("ambiguous type")

type (
	EncodeFunc func(v any) (*zdata.ZData, error)
	DecodeFunc func(z *zdata.ZData) (any, error)
	MatchFunc  func(v any) bool
)

type funcCodec struct {
	enc EncodeFunc
	dec DecodeFunc
}

func (f funcCodec) Encode(v any) (*zdata.ZData, error) { return f.enc(v) }
func (f funcCodec) Decode(z *zdata.ZData) (any, error) { return f.dec(z) }

type funcMatcher struct {
	funcCodec
	match MatchFunc
}

func (f funcMatcher) Matches(v any) bool { return f.match(v) }

// Funcs builds a TypeCodec from plain functions. match may be nil, in which
// case the codec is only reachable by tag.
func Funcs(enc EncodeFunc, dec DecodeFunc, match MatchFunc) TypeCodec {
	fc := funcCodec{enc: enc, dec: dec}
	if match == nil {
		return fc
	}
	return funcMatcher{funcCodec: fc, match: match}
}

type entry struct {
	tag     string
	codec   TypeCodec
	matcher Matcher
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	log     *zap.Logger
}

type Option func(*Registry)

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register installs c for tag, replacing any previous registration.
func (r *Registry) Register(tag string, c TypeCodec) error {
	if tag == "" {
		return errs.New(errs.KindInvalidMessage, "register: empty type tag")
	}
	if c == nil {
		return errs.New(errs.KindInvalidMessage, "register %s: nil codec", tag)
	}
	e := &entry{tag: tag, codec: c}
	if m, ok := c.(Matcher); ok {
		e.matcher = m
	}

	r.mu.Lock()
	_, replaced := r.entries[tag]
	r.entries[tag] = e
	r.mu.Unlock()

	r.log.Debug("type registered", zap.String("tag", tag), zap.Bool("replaced", replaced), zap.Bool("detector", e.matcher != nil))
	return nil
}

// RegisterFuncs is shorthand for Register(tag, Funcs(enc, dec, match)).
func (r *Registry) RegisterFuncs(tag string, enc EncodeFunc, dec DecodeFunc, match MatchFunc) error {
	if enc == nil || dec == nil {
		return errs.New(errs.KindInvalidMessage, "register %s: nil encoder or decoder", tag)
	}
	return r.Register(tag, Funcs(enc, dec, match))
}

func (r *Registry) lookup(tag string) (*entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[tag]
	r.mu.RUnlock()
	return e, ok
}

// Encode converts v with the codec registered for tag.
func (r *Registry) Encode(tag string, v any) (*zdata.ZData, error) {
	e, ok := r.lookup(tag)
	if !ok {
		return nil, errs.New(errs.KindTypeNotRegistered, "%s", tag)
	}
	return e.encode(v)
}

func (e *entry) encode(v any) (*zdata.ZData, error) {
	z, err := e.codec.Encode(v)
	if err != nil {
		if errs.KindOf(err) == errs.KindUnknown {
			err = errs.Wrap(errs.KindTypeConversion, err, "encode %s", e.tag)
		}
		return nil, err
	}
	if z == nil {
		return nil, errs.New(errs.KindTypeConversion, "encode %s: encoder returned no envelope", e.tag)
	}
	if z.Type == "" {
		z.Type = e.tag
	}
	if z.Type != e.tag {
		return nil, errs.New(errs.KindTypeConversion, "encode %s: encoder produced %s", e.tag, z.Type)
	}
	if err := z.CheckLayout(); err != nil {
		return nil, err
	}
	return z, nil
}

// Decode converts z back to an application value. An unknown tag fails with
// a type-not-registered error; callers decoding whole messages keep such
// envelopes as they are.
func (r *Registry) Decode(z *zdata.ZData) (any, error) {
	if z == nil {
		return nil, errs.New(errs.KindDeserialization, "nil envelope")
	}
	e, ok := r.lookup(z.Type)
	if !ok {
		return nil, errs.New(errs.KindTypeNotRegistered, "%s", z.Type)
	}
	v, err := e.codec.Decode(z)
	if err != nil && errs.KindOf(err) == errs.KindUnknown {
		err = errs.Wrap(errs.KindTypeConversion, err, "decode %s", z.Type)
	}
	return v, err
}

// TryEncode finds the registration whose detector accepts v and encodes v
// with it. ok is false when no detector matches or the matching encoder
// fails. More than one matching detector is a configuration error.
func (r *Registry) TryEncode(v any) (z *zdata.ZData, ok bool, err error) {
	var candidates, matched []*entry
	r.mu.RLock()
	for _, e := range r.entries {
		if e.matcher != nil {
			candidates = append(candidates, e)
		}
	}
	r.mu.RUnlock()
	for _, e := range candidates {
		if e.matcher.Matches(v) {
			matched = append(matched, e)
		}
	}

	switch len(matched) {
	case 0:
		return nil, false, nil
	case 1:
	default:
		tags := make([]string, len(matched))
		for i, e := range matched {
			tags[i] = e.tag
		}
		sort.Strings(tags)
		return nil, false, errs.Wrap(errs.KindTypeConversion, ErrAmbiguousType, "%T matches %s", v, strings.Join(tags, ", "))
	}

	z, err = matched[0].encode(v)
	if err != nil {
		r.log.Debug("detector matched but encode failed", zap.String("tag", matched[0].tag), zap.Error(err))
		return nil, false, nil
	}
	return z, true, nil
}

func (r *Registry) IsRegistered(tag string) bool {
	_, ok := r.lookup(tag)
	return ok
}

// RegisteredTypes returns the registered tags in sorted order.
func (r *Registry) RegisteredTypes() []string {
	r.mu.RLock()
	tags := make([]string, 0, len(r.entries))
	for tag := range r.entries {
		tags = append(tags, tag)
	}
	r.mu.RUnlock()
	sort.Strings(tags)
	return tags
}
