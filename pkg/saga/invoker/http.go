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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/innovationmech/sagaflow/pkg/saga"
)

// IdempotencyKeyHeader carries the request's idempotency key on HTTP calls.
const IdempotencyKeyHeader = "Idempotency-Key"

// maxResponseBody bounds how much of a participant reply is read.
const maxResponseBody = 4 << 20

// HTTPParticipant POSTs the request as JSON to the target URL.
//
// A 2xx reply carrying an outcome field is taken as is; any other 2xx body
// is the step result. 202 Accepted without a body means pending. 408, 429
// and 5xx are transient, other 4xx are permanent.
type HTTPParticipant struct {
	client   *http.Client
	headers  http.Header
	resolver URLResolver
}

// URLResolver maps a step target to the URL that is called. It lets targets
// name a service that is looked up at call time.
type URLResolver func(ctx context.Context, target string) (string, error)

var _ Participant = (*HTTPParticipant)(nil)

// HTTPOption configures an HTTPParticipant.
type HTTPOption func(*HTTPParticipant)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(p *HTTPParticipant) {
		if c != nil {
			p.client = c
		}
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) HTTPOption {
	return func(p *HTTPParticipant) {
		p.headers.Add(key, value)
	}
}

// WithResolver resolves every target through r before posting.
func WithResolver(r URLResolver) HTTPOption {
	return func(p *HTTPParticipant) {
		p.resolver = r
	}
}

// NewHTTPParticipant creates an HTTP adapter.
func NewHTTPParticipant(opts ...HTTPOption) *HTTPParticipant {
	p := &HTTPParticipant{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		headers: make(http.Header),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute implements Participant.
func (p *HTTPParticipant) Execute(ctx context.Context, target string, req *Request) (*Response, error) {
	return p.post(ctx, target, req)
}

// Compensate implements Participant.
func (p *HTTPParticipant) Compensate(ctx context.Context, target string, req *Request) (*Response, error) {
	return p.post(ctx, target, req)
}

func (p *HTTPParticipant) post(ctx context.Context, target string, req *Request) (*Response, error) {
	url := target
	if p.resolver != nil {
		resolved, err := p.resolver(ctx, target)
		if err != nil {
			return nil, saga.NewTransientError(fmt.Sprintf("resolve %s: %v", target, err))
		}
		url = resolved
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, saga.NewPermanentError(fmt.Sprintf("encode request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, saga.NewPermanentError(fmt.Sprintf("build request for %s: %v", url, err))
	}
	for k, vs := range p.headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(IdempotencyKeyHeader, req.IdempotencyKey)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, saga.NewTransientError(fmt.Sprintf("POST %s: %v", url, err))
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody+1))
	if err != nil {
		return nil, saga.NewTransientError(fmt.Sprintf("read reply from %s: %v", url, err))
	}
	if len(raw) > maxResponseBody {
		return nil, saga.NewTransientError(fmt.Sprintf("reply from %s exceeds %d bytes", url, maxResponseBody))
	}
	return decodeHTTPReply(httpResp.StatusCode, raw)
}

func decodeHTTPReply(status int, raw []byte) (*Response, error) {
	switch {
	case status >= 200 && status < 300:
		if resp, ok := decodeResponse(raw); ok {
			return resp, nil
		}
		if status == http.StatusAccepted && len(bytes.TrimSpace(raw)) == 0 {
			return Pending(), nil
		}
		if len(bytes.TrimSpace(raw)) == 0 {
			return Success(nil), nil
		}
		if !json.Valid(raw) {
			return nil, saga.NewPermanentError("participant replied with a non-JSON body")
		}
		return &Response{Outcome: OutcomeSuccess, Result: json.RawMessage(raw)}, nil
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return TransientFailure(replyMessage(status, raw)), nil
	default:
		return PermanentFailure(replyMessage(status, raw)), nil
	}
}

// decodeResponse accepts raw only when it is a Response with an outcome.
func decodeResponse(raw []byte) (*Response, bool) {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Outcome == "" {
		return nil, false
	}
	return &resp, true
}

func replyMessage(status int, raw []byte) string {
	if resp, ok := decodeResponse(raw); ok && resp.Error != "" {
		return resp.Error
	}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Error != "" {
			return fmt.Sprintf("%d %s: %s", status, http.StatusText(status), body.Error)
		}
		if body.Message != "" {
			return fmt.Sprintf("%d %s: %s", status, http.StatusText(status), body.Message)
		}
	}
	return fmt.Sprintf("%d %s", status, http.StatusText(status))
}
