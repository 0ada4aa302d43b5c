package message

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"vrpc/errs"
	"vrpc/zdata"
)

const (
	keyTag      = "tag"
	keyChildren = "children"
)

// MaxDepth bounds how deeply components may nest. Deeper trees, and trees
// with cycles, fail to encode or decode.
const MaxDepth = 256

// Component is a scene-graph node. Props are flattened next to tag and
// children on the wire and keep their insertion order.
type Component struct {
	Tag      string
	Children []*Component // nil when the node has no children field
	Props    zdata.Fields
}

func NewComponent(tag string) *Component {
	return &Component{Tag: tag}
}

func (c *Component) WithChild(children ...*Component) *Component {
	if c.Children == nil {
		c.Children = make([]*Component, 0, len(children))
	}
	c.Children = append(c.Children, children...)
	return c
}

func (c *Component) WithProp(key string, v any) *Component {
	c.Props.Set(key, v)
	return c
}

func (c *Component) Prop(key string) (any, bool) {
	return c.Props.Get(key)
}

// Walk visits c and its descendants depth first until fn returns false.
func (c *Component) Walk(fn func(*Component) bool) bool {
	if !fn(c) {
		return false
	}
	for _, child := range c.Children {
		if !child.Walk(fn) {
			return false
		}
	}
	return true
}

func (c *Component) propKeys() []string {
	keys := make([]string, 0, c.Props.Len())
	c.Props.Range(func(k string, _ any) bool {
		if k != keyTag && k != keyChildren {
			keys = append(keys, k)
		}
		return true
	})
	return keys
}

// CheckTree reports nil children and nesting beyond MaxDepth below c.
func (c *Component) CheckTree() error {
	return c.checkTree(0)
}

func (c *Component) checkTree(depth int) error {
	if depth > MaxDepth {
		return errs.New(errs.KindInvalidMessage, "component %s: nested deeper than %d", c.Tag, MaxDepth)
	}
	for i, child := range c.Children {
		if child == nil {
			return errs.New(errs.KindInvalidMessage, "component %s: nil child %d", c.Tag, i)
		}
		if err := child.checkTree(depth + 1); err != nil {
			return err
		}
	}
	return nil
}

func (c Component) EncodeMsgpack(e *msgpack.Encoder) error {
	return c.encode(e, 0)
}

func (c *Component) encode(e *msgpack.Encoder, depth int) error {
	if depth > MaxDepth {
		return errs.New(errs.KindSerialization, "component %s: nested deeper than %d", c.Tag, MaxDepth)
	}
	props := c.propKeys()
	n := 1 + len(props)
	if c.Children != nil {
		n++
	}
	if err := e.EncodeMapLen(n); err != nil {
		return err
	}
	if err := e.EncodeString(keyTag); err != nil {
		return err
	}
	if err := e.EncodeString(c.Tag); err != nil {
		return err
	}
	if c.Children != nil {
		if err := e.EncodeString(keyChildren); err != nil {
			return err
		}
		if err := e.EncodeArrayLen(len(c.Children)); err != nil {
			return err
		}
		for _, child := range c.Children {
			if child == nil {
				return fmt.Errorf("component %s: nil child", c.Tag)
			}
			if err := child.encode(e, depth+1); err != nil {
				return err
			}
		}
	}
	for _, k := range props {
		v, _ := c.Props.Get(k)
		if err := e.EncodeString(k); err != nil {
			return err
		}
		if err := e.Encode(v); err != nil {
			return fmt.Errorf("component %s: prop %s: %w", c.Tag, k, err)
		}
	}
	return nil
}

func (c *Component) DecodeMsgpack(d *msgpack.Decoder) error {
	return c.decode(d, 0)
}

func (c *Component) decode(d *msgpack.Decoder, depth int) error {
	if depth > MaxDepth {
		return errs.New(errs.KindDeserialization, "component nested deeper than %d", MaxDepth)
	}
	n, err := d.DecodeMapLen()
	if err != nil {
		return err
	}
	if n == -1 && depth > 0 {
		return errs.New(errs.KindDeserialization, "component: null child")
	}
	*c = Component{}
	for i := 0; i < n; i++ {
		k, err := d.DecodeString()
		if err != nil {
			return err
		}
		switch k {
		case keyTag:
			if c.Tag, err = d.DecodeString(); err != nil {
				return fmt.Errorf("component tag: %w", err)
			}
		case keyChildren:
			l, err := d.DecodeArrayLen()
			if err != nil {
				return fmt.Errorf("component %s children: %w", c.Tag, err)
			}
			if l < 0 {
				continue
			}
			c.Children = make([]*Component, l)
			for j := range c.Children {
				c.Children[j] = &Component{}
				if err := c.Children[j].decode(d, depth+1); err != nil {
					return err
				}
			}
		default:
			v, err := zdata.DecodeValue(d)
			if err != nil {
				return fmt.Errorf("component %s prop %s: %w", c.Tag, k, err)
			}
			c.Props.Set(k, v)
		}
	}
	return nil
}

func (c Component) MarshalJSON() ([]byte, error) {
	if err := c.CheckTree(); err != nil {
		return nil, err
	}
	var f zdata.Fields
	f.Set(keyTag, c.Tag)
	if c.Children != nil {
		f.Set(keyChildren, c.Children)
	}
	for _, k := range c.propKeys() {
		v, _ := c.Props.Get(k)
		f.Set(k, v)
	}
	return f.MarshalJSON()
}

func (c *Component) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("component: expected JSON object, got %v", tok)
	}
	*c = Component{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		k, _ := tok.(string)
		switch k {
		case keyTag:
			err = dec.Decode(&c.Tag)
		case keyChildren:
			if err = dec.Decode(&c.Children); err == nil {
				err = c.CheckTree()
			}
		default:
			var v any
			if err = dec.Decode(&v); err == nil {
				c.Props.Set(k, zdata.NormalizeDeep(v))
			}
		}
		if err != nil {
			return fmt.Errorf("component %s: %s: %w", c.Tag, k, err)
		}
	}
	_, err = dec.Token()
	return err
}
