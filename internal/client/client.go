// Package client talks to a running smsd over its session socket.
package client

import (
	"context"
	"fmt"

	"github.com/matheus3301/sms/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket.
func New(socketPath string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient("unix://"+socketPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewFromConn wraps an existing connection.
func NewFromConn(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Call invokes a unary method with the given arguments and returns the reply
// fields. Numbers come back as float64.
func (c *Client) Call(ctx context.Context, method string, args map[string]any) (map[string]any, error) {
	req, err := structpb.NewStruct(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.FullMethod(method), req, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Watch streams events whose kind starts with prefix to fn until ctx ends,
// the stream fails or fn returns false. ready, when set, is called once the
// daemon has subscribed.
func (c *Client) Watch(ctx context.Context, prefix string, ready func(), fn func(evt map[string]any) bool) error {
	desc := &api.MessagingServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, api.FullMethod(api.StreamWatchEvents))
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	req, err := structpb.NewStruct(map[string]any{"prefix": prefix})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		evt := new(structpb.Struct)
		if err := stream.RecvMsg(evt); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		m := evt.AsMap()
		if m["kind"] == api.KindStreamReady {
			if ready != nil {
				ready()
			}
			continue
		}
		if !fn(m) {
			return nil
		}
	}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
