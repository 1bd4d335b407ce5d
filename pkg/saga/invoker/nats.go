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
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/innovationmech/sagaflow/pkg/saga"
)

// NATSParticipant sends the request to the target subject and waits for the
// reply, which must be a JSON Response.
type NATSParticipant struct {
	conn *nats.Conn
}

var _ Participant = (*NATSParticipant)(nil)

// NewNATSParticipant creates a request-reply adapter on conn.
func NewNATSParticipant(conn *nats.Conn) *NATSParticipant {
	return &NATSParticipant{conn: conn}
}

// Execute implements Participant.
func (p *NATSParticipant) Execute(ctx context.Context, subject string, req *Request) (*Response, error) {
	return p.request(ctx, subject, req)
}

// Compensate implements Participant.
func (p *NATSParticipant) Compensate(ctx context.Context, subject string, req *Request) (*Response, error) {
	return p.request(ctx, subject, req)
}

func (p *NATSParticipant) request(ctx context.Context, subject string, req *Request) (*Response, error) {
	if p == nil || p.conn == nil {
		return nil, saga.NewTransientError("nats participant is not connected")
	}
	msg, err := newNATSRequest(subject, req)
	if err != nil {
		return nil, err
	}

	reply, err := p.conn.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return nil, mapNATSError(subject, err)
	}
	return decodeNATSReply(subject, reply.Data)
}

func newNATSRequest(subject string, req *Request) (*nats.Msg, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, saga.NewPermanentError(fmt.Sprintf("encode request: %v", err))
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(IdempotencyKeyHeader, req.IdempotencyKey)
	return msg, nil
}

func mapNATSError(subject string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, nats.ErrTimeout):
		return context.DeadlineExceeded
	case errors.Is(err, nats.ErrNoResponders):
		return saga.NewTransientError(fmt.Sprintf("no responders on %s", subject))
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrInvalidConnection):
		return saga.NewTransientError(fmt.Sprintf("nats connection unavailable: %v", err))
	default:
		return saga.NewTransientError(fmt.Sprintf("nats request on %s failed: %v", subject, err))
	}
}

func decodeNATSReply(subject string, data []byte) (*Response, error) {
	if len(data) == 0 {
		return nil, saga.NewTransientError(fmt.Sprintf("empty reply on %s", subject))
	}
	resp, ok := decodeResponse(data)
	if !ok {
		return nil, saga.NewPermanentError(fmt.Sprintf("malformed reply on %s", subject))
	}
	return resp, nil
}

// ServeNATS answers requests on subject with fn. It lets a Go service act as
// a participant for the nats capability.
func ServeNATS(conn *nats.Conn, subject, queue string, fn HandlerFunc, logger *zap.Logger) (*nats.Subscription, error) {
	if conn == nil {
		return nil, saga.NewValidationError("nats connection is required")
	}
	if subject == "" || fn == nil {
		return nil, saga.NewValidationError("subject and handler are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	handle := func(msg *nats.Msg) {
		resp := handleNATSMessage(context.Background(), msg.Data, fn)
		data, err := json.Marshal(resp)
		if err != nil {
			logger.Error("encode nats reply", zap.String("subject", subject), zap.Error(err))
			return
		}
		if err := msg.Respond(data); err != nil {
			logger.Warn("respond to nats request", zap.String("subject", subject), zap.Error(err))
		}
	}
	if queue != "" {
		return conn.QueueSubscribe(subject, queue, handle)
	}
	return conn.Subscribe(subject, handle)
}

// handleNATSMessage decodes a request and runs fn, converting handler
// errors into failure responses.
func handleNATSMessage(ctx context.Context, data []byte, fn HandlerFunc) *Response {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return PermanentFailure(fmt.Sprintf("decode request: %v", err))
	}
	resp, err := fn(ctx, &req)
	if err != nil {
		if saga.IsTransient(err) {
			return TransientFailure(err.Error())
		}
		return PermanentFailure(err.Error())
	}
	if resp == nil {
		return Success(nil)
	}
	return resp
}
