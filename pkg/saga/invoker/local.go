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
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/innovationmech/sagaflow/pkg/saga"
)

// LocalParticipant dispatches to handlers registered in the same process.
// Forward actions and compensations share one namespace of targets.
type LocalParticipant struct {
	handlers *xsync.MapOf[string, HandlerFunc]
}

var _ Participant = (*LocalParticipant)(nil)

// NewLocalParticipant creates an empty LocalParticipant.
func NewLocalParticipant() *LocalParticipant {
	return &LocalParticipant{handlers: xsync.NewMapOf[string, HandlerFunc]()}
}

// Handle registers fn for target, replacing any previous handler.
func (l *LocalParticipant) Handle(target string, fn HandlerFunc) *LocalParticipant {
	l.handlers.Store(target, fn)
	return l
}

// Execute implements Participant.
func (l *LocalParticipant) Execute(ctx context.Context, target string, req *Request) (*Response, error) {
	return l.dispatch(ctx, target, req)
}

// Compensate implements Participant.
func (l *LocalParticipant) Compensate(ctx context.Context, target string, req *Request) (*Response, error) {
	return l.dispatch(ctx, target, req)
}

func (l *LocalParticipant) dispatch(ctx context.Context, target string, req *Request) (resp *Response, err error) {
	fn, ok := l.handlers.Load(target)
	if !ok {
		return nil, saga.NewPermanentError(fmt.Sprintf("no local handler registered for %q", target))
	}
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, saga.NewTransientError(fmt.Sprintf("local handler %q panicked: %v", target, r))
		}
	}()
	return fn(ctx, req)
}
