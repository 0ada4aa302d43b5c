// Package builtin provides the optional adapters for common payload types:
// numpy-style arrays ("numpy.ndarray"), tensors ("torch.Tensor"), named
// tensor sets in safetensors layout ("safetensor.dict") and encoded images
// ("image").
//
// None of them is registered implicitly. Call Register to install every
// adapter compiled into the binary, and Available to check a tag first:
//
//	reg := registry.New()
//	if err := builtin.Register(reg); err != nil { ... }
//	if !builtin.Available(builtin.TagImage) {
//	    return builtin.MissingTypeError(builtin.TagImage)
//	}
package builtin

import (
	"fmt"
	"sort"

	"vrpc/errs"
	"vrpc/registry"
)

const (
	TagNDArray = "numpy.ndarray"
	TagTensor  = "torch.Tensor"
	TagImage   = "image"
)

// adapters holds every adapter compiled in, keyed by tag. Files behind
// build tags add themselves from init.
var adapters = map[string]registry.TypeCodec{}

// buildTags names the tag that removes an optional adapter.
var buildTags = map[string]string{
	TagImage: "vrpc_noimage",
}

// Available reports whether the adapter for tag is compiled in.
func Available(tag string) bool {
	_, ok := adapters[tag]
	return ok
}

// Tags returns the tags of every available adapter in sorted order.
func Tags() []string {
	tags := make([]string, 0, len(adapters))
	for tag := range adapters {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Register installs every available adapter into r.
func Register(r *registry.Registry) error {
	for _, tag := range Tags() {
		if err := r.Register(tag, adapters[tag]); err != nil {
			return fmt.Errorf("builtin %s: %w", tag, err)
		}
	}
	return nil
}

// MissingTypeError explains why tag cannot be converted and what to do
// about it.
func MissingTypeError(tag string) error {
	if Available(tag) {
		return errs.New(errs.KindTypeNotRegistered, "%s is built in but not registered; call builtin.Register", tag)
	}
	if bt, ok := buildTags[tag]; ok {
		return errs.New(errs.KindTypeConversion, "%s support was compiled out by the %s build tag; rebuild without it", tag, bt)
	}
	return errs.New(errs.KindTypeNotRegistered, "%s is not available; register an adapter for it", tag)
}
