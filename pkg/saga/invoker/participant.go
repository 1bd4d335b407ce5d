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

	"github.com/innovationmech/sagaflow/pkg/saga"
)

// Outcome is the participant's verdict on one call.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeTransientFailure Outcome = "transient_failure"
	OutcomePermanentFailure Outcome = "permanent_failure"
	// OutcomePending means the participant accepted the work and will report
	// the result later through a callback carrying the idempotency key.
	OutcomePending Outcome = "pending"
)

// ParseOutcome parses the wire name of an outcome.
func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(s); o {
	case OutcomeSuccess, OutcomeTransientFailure, OutcomePermanentFailure, OutcomePending:
		return o, nil
	default:
		return "", saga.NewValidationError(fmt.Sprintf("unknown outcome %q", s))
	}
}

// Request is what a participant receives for a forward action or a
// compensation. IdempotencyKey is identical across retries of the same call.
type Request struct {
	InstanceID     string `json:"instanceId"`
	DefinitionID   string `json:"definitionId"`
	Step           string `json:"step"`
	StepIndex      int    `json:"stepIndex"`
	Attempt        int    `json:"attempt"`
	IdempotencyKey string `json:"idempotencyKey"`
	Compensation   bool   `json:"compensation,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`

	// Results holds the results of the steps named in DependsOn.
	Results map[string]json.RawMessage `json:"results,omitempty"`

	// ForwardResult is the result of the step being compensated.
	ForwardResult json.RawMessage `json:"forwardResult,omitempty"`
}

// Response is a participant's reply.
type Response struct {
	Outcome Outcome         `json:"outcome"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Err converts a non-success outcome into the matching classified error.
// It returns nil for success.
func (r *Response) Err() error {
	if r == nil {
		return saga.NewTransientError("participant returned no response")
	}
	switch r.Outcome {
	case OutcomeSuccess:
		return nil
	case OutcomePending:
		return ErrPending
	case OutcomeTransientFailure:
		return saga.NewTransientError(messageOr(r.Error, "participant reported a transient failure"))
	case OutcomePermanentFailure:
		return saga.NewPermanentError(messageOr(r.Error, "participant rejected the request"))
	default:
		return saga.NewPermanentError(fmt.Sprintf("participant returned unknown outcome %q", r.Outcome))
	}
}

func messageOr(msg, fallback string) string {
	if msg == "" {
		return fallback
	}
	return msg
}

// Success builds a successful response carrying result encoded as JSON.
func Success(result any) *Response {
	if result == nil {
		return &Response{Outcome: OutcomeSuccess}
	}
	if raw, ok := result.(json.RawMessage); ok {
		return &Response{Outcome: OutcomeSuccess, Result: raw}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return PermanentFailure(fmt.Sprintf("encode result: %v", err))
	}
	return &Response{Outcome: OutcomeSuccess, Result: raw}
}

// TransientFailure builds a retryable failure response.
func TransientFailure(msg string) *Response {
	return &Response{Outcome: OutcomeTransientFailure, Error: msg}
}

// PermanentFailure builds a business rejection response.
func PermanentFailure(msg string) *Response {
	return &Response{Outcome: OutcomePermanentFailure, Error: msg}
}

// Pending builds a response deferring the result to a callback.
func Pending() *Response {
	return &Response{Outcome: OutcomePending}
}

// Participant is an adapter for one capability. Target is the ActionRef
// target: a handler name, URL, subject or gRPC method.
type Participant interface {
	Execute(ctx context.Context, target string, req *Request) (*Response, error)
	Compensate(ctx context.Context, target string, req *Request) (*Response, error)
}

// HandlerFunc handles one request in-process or behind a server helper.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// NoopParticipant succeeds without doing anything. It backs the noop
// capability used for steps with nothing to undo.
type NoopParticipant struct{}

// Execute implements Participant.
func (NoopParticipant) Execute(context.Context, string, *Request) (*Response, error) {
	return Success(nil), nil
}

// Compensate implements Participant.
func (NoopParticipant) Compensate(context.Context, string, *Request) (*Response, error) {
	return Success(nil), nil
}
