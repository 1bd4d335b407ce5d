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

package events

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// natsConn is the subset of nats.Conn the publisher needs.
type natsConn interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSPublisher publishes each event on "<prefix>.<event type>".
type NATSPublisher struct {
	conn   natsConn
	prefix string
}

var _ Publisher = (*NATSPublisher)(nil)

// NewNATSPublisher creates a publisher on conn. An empty prefix defaults to
// "sagaflow".
func NewNATSPublisher(conn *nats.Conn, prefix string) *NATSPublisher {
	return newNATSPublisher(conn, prefix)
}

func newNATSPublisher(conn natsConn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "sagaflow"
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Subject returns the subject an event of typ is published on.
func (p *NATSPublisher) Subject(typ Type) string {
	return p.prefix + "." + string(typ)
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := e.Encode()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := nats.NewMsg(p.Subject(e.Type))
	msg.Data = payload
	msg.Header.Set(nats.MsgIdHdr, e.ID)
	msg.Header.Set("Saga-Instance-Id", e.InstanceID)
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s to nats: %w", e.Type, err)
	}
	return nil
}

// Close implements Publisher. The connection belongs to the caller.
func (p *NATSPublisher) Close() error { return nil }
