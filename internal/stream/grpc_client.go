package stream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
)

type jsonCodec struct{}

func (jsonCodec) Name() string {
	return "json"
}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// GRPCClient sends frames over two client streams, one per frame type,
// encoded as JSON.
type GRPCClient struct {
	mu sync.Mutex

	logger         *slog.Logger
	addr           string
	tlsConfig      *tls.Config
	token          string
	snapshotMethod string
	commandMethod  string
	conn           *grpc.ClientConn
	streamCtx      context.Context
	streamCancel   context.CancelFunc
	snapshotStream grpc.ClientStream
	commandStream  grpc.ClientStream
}

func NewGRPCClient(addr string, tlsCfg *tls.Config, token, snapshotMethod, commandMethod string, logger *slog.Logger) *GRPCClient {
	return &GRPCClient{
		logger:         logger,
		addr:           addr,
		tlsConfig:      tlsCfg,
		token:          token,
		snapshotMethod: snapshotMethod,
		commandMethod:  commandMethod,
	}
}

func (c *GRPCClient) SendSnapshot(ctx context.Context, frame SnapshotFrame) error {
	return c.send(ctx, "snapshot", c.snapshotMethod, &c.snapshotStream, frame)
}

func (c *GRPCClient) SendCommandResult(ctx context.Context, frame CommandFrame) error {
	return c.send(ctx, "command", c.commandMethod, &c.commandStream, frame)
}

// send writes frame on the stream held in slot, reopening the stream once if
// the write fails.
func (c *GRPCClient) send(ctx context.Context, name, method string, slot *grpc.ClientStream, frame any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.ensureConnLocked(); err != nil {
		return err
	}
	if *slot == nil {
		s, err := c.openStreamLocked(method)
		if err != nil {
			return fmt.Errorf("open %s stream: %w", name, err)
		}
		*slot = s
	}
	if err := (*slot).SendMsg(frame); err != nil {
		c.logger.Warn("grpc send failed, reopening stream", "stream", name, "error", err)
		*slot = nil
		s, err2 := c.openStreamLocked(method)
		if err2 != nil {
			return fmt.Errorf("reopen %s stream: %w", name, err2)
		}
		*slot = s
		if err2 := s.SendMsg(frame); err2 != nil {
			return fmt.Errorf("send %s frame: %w", name, err2)
		}
	}
	return nil
}

func (c *GRPCClient) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range []grpc.ClientStream{c.snapshotStream, c.commandStream} {
		if s != nil {
			_ = s.CloseSend()
		}
	}
	c.snapshotStream = nil
	c.commandStream = nil
	if c.streamCancel != nil {
		c.streamCancel()
		c.streamCancel = nil
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	_ = ctx
	return nil
}

func (c *GRPCClient) ensureConnLocked() error {
	if c.conn != nil {
		return nil
	}
	var creds credentials.TransportCredentials
	if c.tlsConfig != nil {
		creds = credentials.NewTLS(c.tlsConfig)
	} else {
		creds = insecure.NewCredentials()
	}

	conn, err := grpc.NewClient(
		c.addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
	)
	if err != nil {
		return fmt.Errorf("grpc client %s: %w", c.addr, err)
	}
	c.conn = conn
	c.streamCtx, c.streamCancel = context.WithCancel(context.Background())
	if c.token != "" {
		c.streamCtx = metadata.AppendToOutgoingContext(c.streamCtx, "authorization", "Bearer "+c.token)
	}
	c.logger.Info("grpc stream client created", "addr", c.addr)
	return nil
}

// Streams outlive any single send, so they hang off the client's own context
// rather than the caller's.
func (c *GRPCClient) openStreamLocked(method string) (grpc.ClientStream, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("grpc conn is nil")
	}
	return c.conn.NewStream(c.streamCtx, &grpc.StreamDesc{ClientStreams: true}, method)
}
