package zdata

// Fields is an insertion-ordered bag of named values. Values must be
// representable on the wire: nil, bool, integers, floats, string, []byte,
// []any, map[string]any, *ZData or a type the codec knows how to encode.
//
// The zero value is an empty bag ready to use.
type Fields struct {
	keys []string
	vals map[string]any
}

// Set stores v under key. A new key is appended; an existing key keeps its
// position.
func (f *Fields) Set(key string, v any) {
	if f.vals == nil {
		f.vals = make(map[string]any)
	}
	if _, ok := f.vals[key]; !ok {
		f.keys = append(f.keys, key)
	}
	f.vals[key] = v
}

func (f *Fields) Get(key string) (any, bool) {
	v, ok := f.vals[key]
	return v, ok
}

func (f *Fields) Delete(key string) {
	if _, ok := f.vals[key]; !ok {
		return
	}
	delete(f.vals, key)
	for i, k := range f.keys {
		if k == key {
			f.keys = append(f.keys[:i:i], f.keys[i+1:]...)
			break
		}
	}
}

func (f *Fields) Len() int { return len(f.keys) }

// Keys returns the keys in insertion order.
func (f *Fields) Keys() []string {
	out := make([]string, len(f.keys))
	copy(out, f.keys)
	return out
}

// Range calls fn for each entry in insertion order until fn returns false.
func (f *Fields) Range(fn func(key string, v any) bool) {
	for _, k := range f.keys {
		if !fn(k, f.vals[k]) {
			return
		}
	}
}

// Clone returns a shallow copy; values are shared.
func (f *Fields) Clone() Fields {
	var out Fields
	f.Range(func(k string, v any) bool {
		out.Set(k, v)
		return true
	})
	return out
}

// Map returns the entries as a plain map. Order is lost.
func (f *Fields) Map() map[string]any {
	out := make(map[string]any, len(f.keys))
	for _, k := range f.keys {
		out[k] = f.vals[k]
	}
	return out
}
