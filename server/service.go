package server

import (
	"context"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"

	"vrpc/errs"
	"vrpc/message"
)

type methodType struct {
	method  reflect.Method
	ArgType reflect.Type // struct type filled from kwargs; nil for raw methods
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// NewService 创建 service 并扫描所有合法方法
func NewService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	srv := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	srv.RegisterMethods()
	if len(srv.method) == 0 {
		return nil, fmt.Errorf("rpc: %s has no exported methods of suitable type", srv.name)
	}
	return srv, nil
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	requestType = reflect.TypeOf((*message.RPCRequest)(nil))
)

// RegisterMethods 扫描 struct 的导出方法，过滤出符合 RPC 签名的：
//
//	func (r *T) M(ctx context.Context, req *message.RPCRequest) (R, error)
//	func (r *T) M(ctx context.Context, args *Args) (R, error)
//
// The second form gets its Args struct filled from the request kwargs,
// matched by msgpack field name.
func (s *service) RegisterMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumIn() != 3 || mt.NumOut() != 2 || mt.Out(1) != errorType || mt.In(1) != contextType {
			continue
		}
		arg := mt.In(2)
		if arg == requestType {
			s.method[method.Name] = &methodType{method: method}
			continue
		}
		if arg.Kind() != reflect.Ptr || arg.Elem().Kind() != reflect.Struct {
			continue
		}
		s.method[method.Name] = &methodType{method: method, ArgType: arg.Elem()}
	}
}

// Call 通过反射调用方法
func (s *service) Call(ctx context.Context, mType *methodType, req *message.RPCRequest) (any, error) {
	var argv reflect.Value
	if mType.ArgType == nil {
		argv = reflect.ValueOf(req)
	} else {
		argv = reflect.New(mType.ArgType)
		if err := bindKwargs(req.Kwargs, argv.Interface()); err != nil {
			return nil, err
		}
	}
	results := mType.method.Func.Call([]reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv})
	if !results[1].IsNil() {
		return nil, results[1].Interface().(error)
	}
	return results[0].Interface(), nil
}

// bindKwargs fills the struct behind dst from kwargs.
func bindKwargs(kwargs map[string]any, dst any) error {
	if len(kwargs) == 0 {
		return nil
	}
	b, err := msgpack.Marshal(kwargs)
	if err != nil {
		return errs.Wrap(errs.KindTypeConversion, err, "kwargs")
	}
	if err := msgpack.Unmarshal(b, dst); err != nil {
		return errs.Wrap(errs.KindTypeConversion, err, "kwargs into %T", dst)
	}
	return nil
}
