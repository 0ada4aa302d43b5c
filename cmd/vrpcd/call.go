package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"vrpc/builtin"
	"vrpc/client"
	"vrpc/codec"
	"vrpc/discovery"
	"vrpc/loadbalance"
	"vrpc/message"
	"vrpc/registry"
	"vrpc/transport"
	"vrpc/zdata"
)

type callFlags struct {
	codec    string
	kwargs   string
	timeout  time.Duration
	etcd     []string
	balancer string
	key      string
}

func callCmd() *cobra.Command {
	var f callFlags

	cmd := &cobra.Command{
		Use:   "call <addr|service> <method> [json-args]",
		Short: "Perform one RPC and print the response as JSON",
		Long: `Perform one RPC and print the response envelope as JSON.

The target is a host:port for framed TCP, a ws:// URL for websocket, or a
service name when --etcd is given. json-args is a JSON array of positional
arguments; any other JSON value is passed as the single argument.

Examples:
  vrpcd call 127.0.0.1:7070 echo '"hello"'
  vrpcd call ws://127.0.0.1:7080/ws render_frame --kwargs '{"width": 4, "height": 2}'
  vrpcd call scene render_frame --etcd 127.0.0.1:2379 --key entity-7`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rawArgs string
			if len(args) == 3 {
				rawArgs = args[2]
			}
			resp, err := runCall(cmd.Context(), args[0], args[1], rawArgs, f)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if !resp.Succeeded() {
				return fmt.Errorf("%s failed: %s", args[1], resp.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&f.codec, "codec", "msgpack", "Codec for the request: msgpack or json")
	cmd.Flags().StringVarP(&f.kwargs, "kwargs", "k", "", "Keyword arguments as a JSON object")
	cmd.Flags().DurationVarP(&f.timeout, "timeout", "t", 10*time.Second, "Call timeout")
	cmd.Flags().StringSliceVar(&f.etcd, "etcd", nil, "Resolve the target as a service through etcd")
	cmd.Flags().StringVar(&f.balancer, "balancer", "round_robin", "Peer selection with --etcd")
	cmd.Flags().StringVar(&f.key, "key", "", "Affinity key for consistent_hash")
	return cmd
}

func runCall(ctx context.Context, target, method, rawArgs string, f callFlags) (*message.RPCResponse, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	args, err := parseArgs(rawArgs)
	if err != nil {
		return nil, err
	}
	kwargs, err := parseKwargs(f.kwargs)
	if err != nil {
		return nil, err
	}
	ct, err := codec.ParseType(f.codec)
	if err != nil {
		return nil, err
	}

	types := registry.New()
	if err := builtin.Register(types); err != nil {
		return nil, err
	}
	opts := []transport.Option{
		transport.WithCodec(ct),
		transport.WithRegistry(types),
		transport.WithCallTimeout(f.timeout),
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if len(f.etcd) > 0 {
		dir, err := discovery.NewEtcdDirectory(f.etcd, nil)
		if err != nil {
			return nil, err
		}
		defer dir.Close()
		bal, err := loadbalance.New(f.balancer)
		if err != nil {
			return nil, err
		}
		c := client.NewClient(dir, client.WithBalancer(bal), client.WithConnOptions(opts...))
		defer c.Close()
		if f.key != "" {
			ctx = client.WithAffinityKey(ctx, f.key)
		}
		return c.Call(ctx, target, method, args, kwargs)
	}

	var conn *transport.Conn
	if strings.HasPrefix(target, "ws://") || strings.HasPrefix(target, "wss://") {
		conn, err = transport.DialWebsocket(ctx, target, opts...)
	} else {
		conn, err = transport.Dial(ctx, target, opts...)
	}
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.Call(ctx, method, args, kwargs)
}

// parseArgs accepts a JSON array of arguments or a single JSON value.
func parseArgs(raw string) ([]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	v, err := decodeJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("json-args: %w", err)
	}
	if list, ok := v.([]any); ok {
		return list, nil
	}
	return []any{v}, nil
}

func parseKwargs(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	v, err := decodeJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("kwargs: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("kwargs: expected a JSON object, got %T", v)
	}
	return m, nil
}

// decodeJSON keeps integers integral, the way the codecs deliver them.
func decodeJSON(raw string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return zdata.NormalizeDeep(v), nil
}
