package cluster

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content subtype silos and clients speak
const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec encodes gRPC messages as JSON
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return codecName }

// ConnectRequest opens a client session on a gateway
type ConnectRequest struct {
	ClientID  string `json:"client_id"`
	ClusterID string `json:"cluster_id"`
	ServiceID string `json:"service_id"`
}

// ConnectResponse acknowledges a client session
type ConnectResponse struct {
	SiloID   string   `json:"silo_id"`
	Gateways []string `json:"gateways"`
}

// InvokeRequest is one entity call
type InvokeRequest struct {
	Entity EntityID        `json:"entity"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
	// Forwarded is set on silo-to-silo hops so the receiver runs the call
	// locally instead of placing it again
	Forwarded bool `json:"forwarded,omitempty"`
}

// InvokeResponse carries an entity call result
type InvokeResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
}

// PingRequest checks a silo
type PingRequest struct {
	ClusterID string `json:"cluster_id"`
	From      string `json:"from"`
}

// PingResponse reports a silo's identity and status
type PingResponse struct {
	SiloID string `json:"silo_id"`
	Status string `json:"status"`
}

const (
	gatewayServiceName = "silohost.Gateway"
	controlServiceName = "silohost.SiloControl"

	methodConnect = "/" + gatewayServiceName + "/Connect"
	methodInvoke  = "/" + gatewayServiceName + "/Invoke"
	methodPing    = "/" + controlServiceName + "/Ping"
	methodForward = "/" + controlServiceName + "/Forward"
)

// gatewayServer is the client-facing service
type gatewayServer interface {
	Connect(ctx context.Context, req *ConnectRequest) (*ConnectResponse, error)
	Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error)
}

// controlServer is the silo-to-silo service
type controlServer interface {
	Ping(ctx context.Context, req *PingRequest) (*PingResponse, error)
	Forward(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error)
}

// unaryHandler adapts a typed method to a grpc.MethodDesc handler
func unaryHandler[Req any, Resp any](fullMethod string, call func(srv interface{}, ctx context.Context, req *Req) (*Resp, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv, ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var gatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: gatewayServiceName,
	HandlerType: (*gatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Connect",
			Handler: unaryHandler(methodConnect, func(srv interface{}, ctx context.Context, req *ConnectRequest) (*ConnectResponse, error) {
				return srv.(gatewayServer).Connect(ctx, req)
			}),
		},
		{
			MethodName: "Invoke",
			Handler: unaryHandler(methodInvoke, func(srv interface{}, ctx context.Context, req *InvokeRequest) (*InvokeResponse, error) {
				return srv.(gatewayServer).Invoke(ctx, req)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "silohost/gateway",
}

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: controlServiceName,
	HandlerType: (*controlServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Ping",
			Handler: unaryHandler(methodPing, func(srv interface{}, ctx context.Context, req *PingRequest) (*PingResponse, error) {
				return srv.(controlServer).Ping(ctx, req)
			}),
		},
		{
			MethodName: "Forward",
			Handler: unaryHandler(methodForward, func(srv interface{}, ctx context.Context, req *InvokeRequest) (*InvokeResponse, error) {
				return srv.(controlServer).Forward(ctx, req)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "silohost/control",
}
