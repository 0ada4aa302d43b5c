package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"vrpc/builtin"
	"vrpc/message"
	"vrpc/server"
	"vrpc/transport"
)

const (
	defaultFrameWidth  = 64
	defaultFrameHeight = 48
	maxFrameSide       = 4096
)

// registerDemo installs the handlers every vrpcd peer answers.
func registerDemo(s *server.Server, log *zap.Logger) {
	s.Handle("echo", echo)
	s.Handle("render_frame", renderFrame)
	s.Handle("methods", func(ctx context.Context, req *message.RPCRequest) (any, error) {
		return s.Methods(), nil
	})
	s.On(server.AnyEvent, func(c *transport.Conn, m *message.Message) {
		log.Debug("event", zap.String("etype", m.EType), zap.String("key", m.Key), zap.String("remote", c.RemoteAddr()))
	})
}

// echo returns its only argument, all its arguments, or its kwargs.
func echo(ctx context.Context, req *message.RPCRequest) (any, error) {
	switch {
	case len(req.Args) == 1 && len(req.Kwargs) == 0:
		return req.Args[0], nil
	case len(req.Args) > 0:
		return req.Args, nil
	case len(req.Kwargs) > 0:
		return req.Kwargs, nil
	}
	return nil, nil
}

// renderFrame draws an RGB test pattern of height×width×3 uint8, shifted by
// the "t" kwarg (seconds), and returns it as a numpy.ndarray.
func renderFrame(ctx context.Context, req *message.RPCRequest) (any, error) {
	w, err := intKwarg(req.Kwargs, "width", defaultFrameWidth)
	if err != nil {
		return nil, err
	}
	h, err := intKwarg(req.Kwargs, "height", defaultFrameHeight)
	if err != nil {
		return nil, err
	}
	if w <= 0 || h <= 0 || w > maxFrameSide || h > maxFrameSide {
		return nil, fmt.Errorf("frame size %dx%d out of range", w, h)
	}
	t, _ := req.Kwargs["t"].(float64)
	if t == 0 {
		t = float64(time.Now().UnixMilli()%10000) / 1000
	}

	pixels := make([]uint8, 0, w*h*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			u, v := float64(x)/float64(w), float64(y)/float64(h)
			pixels = append(pixels,
				uint8(255*u),
				uint8(255*v),
				uint8(127.5+127.5*math.Sin(2*math.Pi*(u+v)+t)))
		}
	}
	return builtin.FromSlice([]int{h, w, 3}, pixels)
}

func intKwarg(kwargs map[string]any, key string, def int) (int, error) {
	v, ok := kwargs[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case float64:
		if n == math.Trunc(n) {
			return int(n), nil
		}
	}
	return 0, fmt.Errorf("%s must be an integer, got %v", key, v)
}
