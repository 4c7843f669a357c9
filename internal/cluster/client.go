package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	sierrors "github.com/devrev/silohost/internal/errors"
	"github.com/devrev/silohost/internal/membership"
)

// transport carries entity calls from a client to a silo
type transport interface {
	invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error)
	close() error
}

// localTransport calls into a silo of the same process
type localTransport struct {
	silo *Silo
}

func (t *localTransport) invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error) {
	result, err := t.silo.InvokeEntity(ctx, req.Entity, req.Method, req.Args)
	if err != nil {
		return nil, err
	}
	return &InvokeResponse{Result: result}, nil
}

func (t *localTransport) close() error { return nil }

// gatewayTransport calls a silo gateway over gRPC
type gatewayTransport struct {
	conn *grpc.ClientConn
}

func (t *gatewayTransport) invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error) {
	resp := new(InvokeResponse)
	if err := t.conn.Invoke(ctx, methodInvoke, req, resp); err != nil {
		return nil, sierrors.FromGRPCError(err)
	}
	return resp, nil
}

func (t *gatewayTransport) close() error { return t.conn.Close() }

// Client invokes entities on a cluster. It is safe for concurrent use.
type Client struct {
	id        string
	gateway   string
	transport transport
	logger    *zap.Logger

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
}

func newClient(id string, t transport, logger *zap.Logger) *Client {
	return &Client{
		id:        id,
		transport: t,
		logger:    logger,
	}
}

// ID returns the client id
func (c *Client) ID() string {
	return c.id
}

// Gateway returns the gateway address the client is connected through, or
// empty for an in-process client
func (c *Client) Gateway() string {
	return c.gateway
}

// IsConnected reports whether the client has not been closed
func (c *Client) IsConnected() bool {
	return !c.closed.Load()
}

// Close releases the client. Entity references obtained from it fail with a
// handle disposed error afterwards. Closing twice is a no-op.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.transport.close()
		c.logger.Debug("Cluster client closed", zap.String("client_id", c.id))
	})
	return c.closeErr
}

// Entity returns a reference to the entity kind/key
func (c *Client) Entity(kind, key string) *EntityRef {
	return &EntityRef{client: c, id: EntityID{Kind: kind, Key: key}}
}

// Invoke calls method on id with args encoded as JSON and decodes the result
// into reply, which may be nil
func (c *Client) Invoke(ctx context.Context, id EntityID, method string, args, reply interface{}) error {
	if c.closed.Load() {
		return sierrors.HandleDisposed("cluster client")
	}

	var raw json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return sierrors.InvalidArgument("cannot encode arguments", err)
		}
		raw = data
	}

	resp, err := c.transport.invoke(ctx, &InvokeRequest{Entity: id, Method: method, Args: raw})
	if err != nil {
		if c.closed.Load() {
			return sierrors.HandleDisposed("cluster client")
		}
		return err
	}
	if reply == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, reply); err != nil {
		return sierrors.InternalError("cannot decode result", err)
	}
	return nil
}

// EntityRef is a handle to one entity, valid while its client is open
type EntityRef struct {
	client *Client
	id     EntityID
}

// ID returns the referenced entity id
func (r *EntityRef) ID() EntityID {
	return r.id
}

// Call invokes method with args and decodes the result into reply
func (r *EntityRef) Call(ctx context.Context, method string, args, reply interface{}) error {
	return r.client.Invoke(ctx, r.id, method, args, reply)
}

// JoinOptions describes how a client reaches a cluster
type JoinOptions struct {
	ClusterID string
	ServiceID string
	Gateways  membership.GatewayLister
	// Timeout bounds the whole join; 0 leaves only ctx
	Timeout time.Duration
	Logger  *zap.Logger
}

// Join connects to the first gateway that accepts the client. It makes a
// single pass over the gateway list and does not retry.
func Join(ctx context.Context, opts JoinOptions) (*Client, error) {
	if opts.Gateways == nil {
		return nil, sierrors.ArgumentNull("gateways")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	gateways, err := opts.Gateways.Gateways(ctx)
	if err != nil {
		return nil, err
	}
	if len(gateways) == 0 {
		return nil, sierrors.ConnectionRejected("no gateway available", nil)
	}

	clientID := "client-" + uuid.NewString()
	var errs error
	for _, gw := range gateways {
		c, err := connect(ctx, gw, clientID, opts, logger)
		if err == nil {
			return c, nil
		}
		logger.Debug("Gateway rejected client", zap.String("gateway", gw), zap.Error(err))
		errs = multierr.Append(errs, err)

		if ctx.Err() != nil {
			break
		}
	}

	if errors.Is(errs, context.Canceled) {
		return nil, context.Canceled
	}
	return nil, sierrors.ConnectionRejected(fmt.Sprintf("no gateway accepted the connection (tried %d)", len(gateways)), errs).
		WithDetail("gateways", gateways)
}

func connect(ctx context.Context, gateway, clientID string, opts JoinOptions, logger *zap.Logger) (*Client, error) {
	conn, err := grpc.NewClient(gateway, dialOptions()...)
	if err != nil {
		return nil, err
	}

	req := &ConnectRequest{ClientID: clientID, ClusterID: opts.ClusterID, ServiceID: opts.ServiceID}
	resp := new(ConnectResponse)
	if err := conn.Invoke(ctx, methodConnect, req, resp); err != nil {
		conn.Close()
		return nil, sierrors.FromGRPCError(err)
	}

	logger.Info("Connected to cluster",
		zap.String("client_id", clientID),
		zap.String("gateway", gateway),
		zap.String("silo_id", resp.SiloID))

	c := newClient(clientID, &gatewayTransport{conn: conn}, logger)
	c.gateway = gateway
	return c, nil
}
