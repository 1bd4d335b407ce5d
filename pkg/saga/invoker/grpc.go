// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package invoker

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/innovationmech/sagaflow/pkg/saga"
)

// idempotencyKeyMetadata carries the idempotency key on gRPC calls.
const idempotencyKeyMetadata = "idempotency-key"

// JSONCodec marshals gRPC messages as JSON so participants need no
// generated stubs.
type JSONCodec struct{}

// Marshal implements encoding.Codec.
func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal implements encoding.Codec.
func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Name implements encoding.Codec.
func (JSONCodec) Name() string {
	return "json"
}

// GRPCParticipant invokes the full method named by the target, for example
// "/inventory.v1.Inventory/Reserve", with a Request and expects a Response.
type GRPCParticipant struct {
	conn grpc.ClientConnInterface
}

var _ Participant = (*GRPCParticipant)(nil)

// NewGRPCParticipant creates an adapter on conn.
func NewGRPCParticipant(conn grpc.ClientConnInterface) *GRPCParticipant {
	return &GRPCParticipant{conn: conn}
}

// DialGRPC creates a client connection suitable for NewGRPCParticipant.
func DialGRPC(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(JSONCodec{})),
	}
	return grpc.NewClient(target, append(base, opts...)...)
}

// Execute implements Participant.
func (p *GRPCParticipant) Execute(ctx context.Context, method string, req *Request) (*Response, error) {
	return p.invoke(ctx, method, req)
}

// Compensate implements Participant.
func (p *GRPCParticipant) Compensate(ctx context.Context, method string, req *Request) (*Response, error) {
	return p.invoke(ctx, method, req)
}

func (p *GRPCParticipant) invoke(ctx context.Context, method string, req *Request) (*Response, error) {
	if p == nil || p.conn == nil {
		return nil, saga.NewTransientError("grpc participant is not connected")
	}
	ctx = metadata.AppendToOutgoingContext(ctx, idempotencyKeyMetadata, req.IdempotencyKey)

	var resp Response
	if err := p.conn.Invoke(ctx, method, req, &resp, grpc.ForceCodec(JSONCodec{})); err != nil {
		return nil, mapGRPCError(method, err)
	}
	if resp.Outcome == "" {
		resp.Outcome = OutcomeSuccess
	}
	return &resp, nil
}

// mapGRPCError classifies a failed call by its status code.
func mapGRPCError(method string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return saga.NewTransientError(fmt.Sprintf("%s: %v", method, err))
	}
	msg := fmt.Sprintf("%s: %s: %s", method, st.Code(), st.Message())
	switch st.Code() {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return saga.NewTransientError(msg)
	default:
		return saga.NewPermanentError(msg)
	}
}

// GRPCServerOptions returns server options that serve handlers, keyed by
// full method name, with the JSON codec. Handler errors become Unavailable
// when transient and FailedPrecondition otherwise.
func GRPCServerOptions(handlers map[string]HandlerFunc) []grpc.ServerOption {
	stream := func(_ any, ss grpc.ServerStream) error {
		method, ok := grpc.MethodFromServerStream(ss)
		if !ok {
			return status.Error(codes.Internal, "method not found in stream")
		}
		fn, ok := handlers[method]
		if !ok {
			return status.Errorf(codes.Unimplemented, "no handler for %s", method)
		}

		var req Request
		if err := ss.RecvMsg(&req); err != nil {
			return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
		}
		if md, ok := metadata.FromIncomingContext(ss.Context()); ok && req.IdempotencyKey == "" {
			if keys := md.Get(idempotencyKeyMetadata); len(keys) > 0 {
				req.IdempotencyKey = keys[0]
			}
		}

		resp, err := fn(ss.Context(), &req)
		if err != nil {
			if !saga.IsTransient(err) {
				return status.Error(codes.FailedPrecondition, err.Error())
			}
			return status.Error(codes.Unavailable, err.Error())
		}
		if resp == nil {
			resp = Success(nil)
		}
		return ss.SendMsg(resp)
	}
	return []grpc.ServerOption{
		grpc.ForceServerCodec(JSONCodec{}),
		grpc.UnknownServiceHandler(stream),
	}
}
