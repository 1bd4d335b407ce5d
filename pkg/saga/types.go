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

package saga

import (
	"encoding/json"
	"fmt"
	"time"
)

// SagaStatus represents the overall status of a Saga instance.
type SagaStatus int

const (
	// StatusRunning indicates the Saga is driving its forward steps.
	StatusRunning SagaStatus = iota

	// StatusCompleted indicates every forward step succeeded.
	StatusCompleted

	// StatusCompensating indicates the Saga is rolling back succeeded steps.
	StatusCompensating

	// StatusCompensated indicates every succeeded step was compensated.
	StatusCompensated

	// StatusFailed indicates a compensation failed permanently and an
	// operator has to intervene.
	StatusFailed
)

// String returns the string representation of the SagaStatus.
func (s SagaStatus) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusCompensating:
		return "compensating"
	case StatusCompensated:
		return "compensated"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseSagaStatus converts the String form back into a SagaStatus.
func ParseSagaStatus(s string) (SagaStatus, error) {
	switch s {
	case "running":
		return StatusRunning, nil
	case "completed":
		return StatusCompleted, nil
	case "compensating":
		return StatusCompensating, nil
	case "compensated":
		return StatusCompensated, nil
	case "failed":
		return StatusFailed, nil
	default:
		return 0, fmt.Errorf("unknown saga status %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s SagaStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SagaStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseSagaStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsTerminal returns true for Completed, Compensated and Failed. A terminal
// instance never transitions again.
func (s SagaStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCompensated || s == StatusFailed
}

// StepStatus represents the state of one forward or compensation record.
type StepStatus int

const (
	// StepPending indicates the step has not been attempted yet.
	StepPending StepStatus = iota

	// StepInFlight indicates an attempt was started and no outcome is known.
	StepInFlight

	// StepSucceeded indicates the participant reported success.
	StepSucceeded

	// StepFailed indicates the attempt failed.
	StepFailed
)

// String returns the string representation of the StepStatus.
func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepInFlight:
		return "in_flight"
	case StepSucceeded:
		return "succeeded"
	case StepFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseStepStatus converts the String form back into a StepStatus.
func ParseStepStatus(s string) (StepStatus, error) {
	switch s {
	case "pending":
		return StepPending, nil
	case "in_flight":
		return StepInFlight, nil
	case "succeeded":
		return StepSucceeded, nil
	case "failed":
		return StepFailed, nil
	default:
		return 0, fmt.Errorf("unknown step status %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s StepStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *StepStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseStepStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// RecordKind distinguishes forward step records from compensation records.
type RecordKind string

const (
	KindStep         RecordKind = "step"
	KindCompensation RecordKind = "compensation"
)

// Capabilities understood by the invoker. CapabilityNoop marks an explicit
// no-op compensation.
const (
	CapabilityLocal = "local"
	CapabilityHTTP  = "http"
	CapabilityNATS  = "nats"
	CapabilityGRPC  = "grpc"
	CapabilityNoop  = "noop"
)

// ActionRef points at a participant operation. Capability selects the
// adapter and Target is interpreted by it (handler name, URL, subject or
// gRPC method).
type ActionRef struct {
	Capability string `json:"capability" yaml:"capability" validate:"required,oneof=local http nats grpc noop"`
	Target     string `json:"target,omitempty" yaml:"target,omitempty" validate:"required_unless=Capability noop"`

	// Timeout and MaxRetry override the step values for compensations.
	Timeout  time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"gte=0"`
	MaxRetry *int          `json:"max_retry,omitempty" yaml:"max_retry,omitempty" validate:"omitempty,gte=0"`
}

// IsNoop reports whether the action is an explicit no-op.
func (a *ActionRef) IsNoop() bool {
	return a != nil && a.Capability == CapabilityNoop
}

// StepSpec is one step of a SagaDefinition.
type StepSpec struct {
	Name         string     `json:"name" yaml:"name" validate:"required"`
	Action       ActionRef  `json:"action" yaml:"action"`
	Compensation *ActionRef `json:"compensation,omitempty" yaml:"compensation,omitempty"`

	Timeout  time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"gte=0"`
	MaxRetry int           `json:"max_retry" yaml:"max_retry" validate:"gte=0,lte=100"`

	// IdempotencyKeyTemplate is a text/template rendered with KeyData.
	// Empty means DefaultIdempotencyKeyTemplate.
	IdempotencyKeyTemplate string `json:"idempotency_key_template,omitempty" yaml:"idempotency_key_template,omitempty"`

	// DependsOn lists earlier steps whose results this step consumes.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// CompensationTimeout returns the deadline applied to the compensation call.
func (s *StepSpec) CompensationTimeout() time.Duration {
	if s.Compensation != nil && s.Compensation.Timeout > 0 {
		return s.Compensation.Timeout
	}
	return s.Timeout
}

// CompensationMaxRetry returns the retry budget of the compensation call.
func (s *StepSpec) CompensationMaxRetry() int {
	if s.Compensation != nil && s.Compensation.MaxRetry != nil {
		return *s.Compensation.MaxRetry
	}
	return s.MaxRetry
}

// SagaDefinition is the immutable template instances execute against.
type SagaDefinition struct {
	ID          string     `json:"id" yaml:"id" validate:"required,max=200"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []StepSpec `json:"steps" yaml:"steps" validate:"required,min=1,dive"`
}

// HasCompensations reports whether the definition declares compensations.
func (d *SagaDefinition) HasCompensations() bool {
	for i := range d.Steps {
		if d.Steps[i].Compensation != nil {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the definition.
func (d *SagaDefinition) Clone() *SagaDefinition {
	if d == nil {
		return nil
	}
	out := &SagaDefinition{ID: d.ID, Description: d.Description}
	out.Steps = make([]StepSpec, len(d.Steps))
	for i, s := range d.Steps {
		c := s
		if s.Compensation != nil {
			comp := *s.Compensation
			if s.Compensation.MaxRetry != nil {
				v := *s.Compensation.MaxRetry
				comp.MaxRetry = &v
			}
			c.Compensation = &comp
		}
		if s.DependsOn != nil {
			c.DependsOn = append([]string(nil), s.DependsOn...)
		}
		out.Steps[i] = c
	}
	return out
}

// SagaInstance is one execution of a definition. The store owns the durable
// copy; executors only hold a working copy while they own the lease.
type SagaInstance struct {
	ID               string     `json:"id"`
	DefinitionID     string     `json:"definition_id"`
	DefinitionDigest string     `json:"definition_digest"`
	Status           SagaStatus `json:"status"`
	CurrentStepIndex int        `json:"current_step_index"`
	Version          int64      `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Payload json.RawMessage `json:"payload,omitempty"`

	LastError       *SagaError `json:"last_error,omitempty"`
	FailedStep      string     `json:"failed_step,omitempty"`
	FailedStepIndex int        `json:"failed_step_index"`

	CancelRequested  bool      `json:"cancel_requested"`
	AwaitingCallback bool      `json:"awaiting_callback"`
	NextAttemptAt    time.Time `json:"next_attempt_at"`
}

// Clone returns a deep copy of the instance.
func (i *SagaInstance) Clone() *SagaInstance {
	if i == nil {
		return nil
	}
	out := *i
	if i.Payload != nil {
		out.Payload = append(json.RawMessage(nil), i.Payload...)
	}
	if i.LastError != nil {
		out.LastError = i.LastError.Clone()
	}
	return &out
}

// StepRecord is one entry of the append-only execution log. The latest entry
// per (InstanceID, StepIndex, Kind) is the current state of that step.
type StepRecord struct {
	InstanceID     string          `json:"instance_id"`
	StepIndex      int             `json:"step_index"`
	Kind           RecordKind      `json:"kind"`
	Seq            int64           `json:"seq"`
	Attempt        int             `json:"attempt"`
	Status         StepStatus      `json:"status"`
	IdempotencyKey string          `json:"idempotency_key"`
	Result         json.RawMessage `json:"result,omitempty"`
	LastError      *SagaError      `json:"last_error,omitempty"`
	RecordedAt     time.Time       `json:"recorded_at"`
}

// CompensationRecord mirrors StepRecord for rollback execution.
type CompensationRecord = StepRecord

// Lease is a time-bounded ownership claim over an instance.
type Lease struct {
	InstanceID string    `json:"instance_id"`
	Owner      string    `json:"owner"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Live reports whether the lease is still valid at now.
func (l *Lease) Live(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

// StepLog indexes a slice of records by step for quick lookups.
type StepLog struct {
	latest   map[logKey]StepRecord
	attempts map[logKey]int
}

type logKey struct {
	index int
	kind  RecordKind
}

// NewStepLog builds a StepLog from records in append order.
func NewStepLog(records []StepRecord) *StepLog {
	l := &StepLog{
		latest:   make(map[logKey]StepRecord),
		attempts: make(map[logKey]int),
	}
	for _, r := range records {
		k := logKey{r.StepIndex, r.Kind}
		if cur, ok := l.latest[k]; !ok || r.Seq >= cur.Seq {
			l.latest[k] = r
		}
		if r.Attempt > l.attempts[k] {
			l.attempts[k] = r.Attempt
		}
	}
	return l
}

// Latest returns the newest record for the step and kind.
func (l *StepLog) Latest(index int, kind RecordKind) (StepRecord, bool) {
	r, ok := l.latest[logKey{index, kind}]
	return r, ok
}

// Attempts returns the highest attempt number recorded for the step and kind.
func (l *StepLog) Attempts(index int, kind RecordKind) int {
	return l.attempts[logKey{index, kind}]
}

// Succeeded reports whether the latest record for the step and kind succeeded.
func (l *StepLog) Succeeded(index int, kind RecordKind) bool {
	r, ok := l.Latest(index, kind)
	return ok && r.Status == StepSucceeded
}
