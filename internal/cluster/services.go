package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	sierrors "github.com/devrev/silohost/internal/errors"
	"github.com/devrev/silohost/internal/membership"
	"github.com/devrev/silohost/internal/metrics"
)

// gatewayService serves clients
type gatewayService struct {
	silo *Silo
}

// Connect accepts a client of the same cluster
func (g *gatewayService) Connect(ctx context.Context, req *ConnectRequest) (*ConnectResponse, error) {
	s := g.silo
	if !s.IsRunning() {
		return nil, toStatus(sierrors.ConnectionRejected("silo is not accepting clients", nil))
	}
	if req.ClusterID != "" && req.ClusterID != s.opts.ClusterID {
		return nil, toStatus(sierrors.ConnectionRejected(
			fmt.Sprintf("cluster id mismatch: silo is in '%s', client asked for '%s'", s.opts.ClusterID, req.ClusterID), nil))
	}
	if req.ServiceID != "" && s.opts.ServiceID != "" && req.ServiceID != s.opts.ServiceID {
		return nil, toStatus(sierrors.ConnectionRejected(
			fmt.Sprintf("service id mismatch: silo serves '%s', client asked for '%s'", s.opts.ServiceID, req.ServiceID), nil))
	}

	members, err := s.opts.Membership.Members(ctx)
	if err != nil {
		return nil, toStatus(sierrors.InternalError("failed to read membership table", err))
	}

	s.logger.Info("Client connected", zap.String("client_id", req.ClientID))
	return &ConnectResponse{
		SiloID:   s.id,
		Gateways: membership.ActiveGateways(members),
	}, nil
}

// Invoke runs a client call
func (g *gatewayService) Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error) {
	result, err := g.silo.InvokeEntity(ctx, req.Entity, req.Method, req.Args)
	if err != nil {
		return nil, toStatus(err)
	}
	return &InvokeResponse{Result: result}, nil
}

// controlService serves other silos
type controlService struct {
	silo *Silo
}

// Ping answers a liveness probe from a silo of the same cluster
func (c *controlService) Ping(ctx context.Context, req *PingRequest) (*PingResponse, error) {
	s := c.silo
	if req.ClusterID != s.opts.ClusterID {
		return nil, toStatus(sierrors.ConnectionRejected(
			fmt.Sprintf("cluster id mismatch: silo is in '%s', caller is in '%s'", s.opts.ClusterID, req.ClusterID), nil))
	}
	state := "joining"
	if s.IsRunning() {
		state = "active"
	}
	return &PingResponse{SiloID: s.id, Status: state}, nil
}

// Forward runs a call placed on this silo by another one
func (c *controlService) Forward(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error) {
	result, err := c.silo.invokeLocal(ctx, req.Entity, req.Method, req.Args)
	if err != nil {
		return nil, toStatus(err)
	}
	return &InvokeResponse{Result: result}, nil
}

// toStatus converts an error into a gRPC status error
func toStatus(err error) error {
	var se *sierrors.SiloError
	if errors.As(err, &se) {
		return se.ToGRPCStatus().Err()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Unknown, err.Error())
}

// recoveryInterceptor turns handler panics into Internal errors
func recoveryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Panic recovered",
					zap.String("method", info.FullMethod),
					zap.Any("panic", r))
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

// loggingInterceptor logs each RPC and counts it by status code
func loggingInterceptor(logger *zap.Logger, m *metrics.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)

		m.RecordGatewayRequest(info.FullMethod, code.String())
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("duration", time.Since(start)),
		}
		if err != nil && code != codes.NotFound && code != codes.InvalidArgument {
			logger.Warn("RPC failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("RPC completed", fields...)
		}
		return resp, err
	}
}

// dialOptions are shared by clients and silo-to-silo connections
func dialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}
}

// peer returns a cached connection to another silo
func (s *Silo) peer(addr string) (*grpc.ClientConn, error) {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()

	if conn, ok := s.peers[addr]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr, dialOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to silo %s: %w", addr, err)
	}
	s.peers[addr] = conn
	return conn, nil
}

func (s *Silo) ping(ctx context.Context, addr string) (*PingResponse, error) {
	conn, err := s.peer(addr)
	if err != nil {
		return nil, err
	}
	resp := new(PingResponse)
	if err := conn.Invoke(ctx, methodPing, &PingRequest{ClusterID: s.opts.ClusterID, From: s.id}, resp); err != nil {
		return nil, sierrors.FromGRPCError(err)
	}
	return resp, nil
}

func (s *Silo) forward(ctx context.Context, addr string, req *InvokeRequest) (json.RawMessage, error) {
	conn, err := s.peer(addr)
	if err != nil {
		return nil, err
	}
	resp := new(InvokeResponse)
	if err := conn.Invoke(ctx, methodForward, req, resp); err != nil {
		return nil, sierrors.FromGRPCError(err)
	}
	return resp.Result, nil
}
