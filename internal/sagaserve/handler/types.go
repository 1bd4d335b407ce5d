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

package handler

import (
	"encoding/json"
	"time"

	"github.com/innovationmech/sagaflow/pkg/saga"
)

// StartRequest is the body of POST /sagas/{definitionId}.
type StartRequest struct {
	InstanceID string          `json:"instanceId" binding:"required"`
	Payload    json.RawMessage `json:"payload"`
}

// CallbackRequest is the body of POST /callbacks/{key}.
type CallbackRequest struct {
	Outcome string          `json:"outcome" binding:"required"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// SagaStatus is the public view of an instance.
type SagaStatus struct {
	InstanceID       string          `json:"instanceId"`
	DefinitionID     string          `json:"definitionId"`
	Status           string          `json:"status"`
	CurrentStepIndex int             `json:"currentStepIndex"`
	Version          int64           `json:"version"`
	LastError        *saga.SagaError `json:"lastError,omitempty"`
	FailedStep       string          `json:"failedStep,omitempty"`
	FailedStepIndex  *int            `json:"failedStepIndex,omitempty"`
	CancelRequested  bool            `json:"cancelRequested"`
	AwaitingCallback bool            `json:"awaitingCallback"`
	NextAttemptAt    *time.Time      `json:"nextAttemptAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// NewSagaStatus builds the view of inst.
func NewSagaStatus(inst *saga.SagaInstance) *SagaStatus {
	s := &SagaStatus{
		InstanceID:       inst.ID,
		DefinitionID:     inst.DefinitionID,
		Status:           inst.Status.String(),
		CurrentStepIndex: inst.CurrentStepIndex,
		Version:          inst.Version,
		LastError:        inst.LastError,
		FailedStep:       inst.FailedStep,
		CancelRequested:  inst.CancelRequested,
		AwaitingCallback: inst.AwaitingCallback,
		CreatedAt:        inst.CreatedAt,
		UpdatedAt:        inst.UpdatedAt,
	}
	if inst.FailedStepIndex >= 0 {
		idx := inst.FailedStepIndex
		s.FailedStepIndex = &idx
	}
	if !inst.NextAttemptAt.IsZero() {
		at := inst.NextAttemptAt
		s.NextAttemptAt = &at
	}
	return s
}

// StepRecordView is one entry of the audit log.
type StepRecordView struct {
	StepIndex      int             `json:"stepIndex"`
	Step           string          `json:"step,omitempty"`
	Kind           string          `json:"kind"`
	Seq            int64           `json:"seq"`
	Attempt        int             `json:"attempt"`
	Status         string          `json:"status"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Result         json.RawMessage `json:"result,omitempty"`
	LastError      *saga.SagaError `json:"lastError,omitempty"`
	RecordedAt     time.Time       `json:"recordedAt"`
}

// RecordsResponse is the body of GET /sagas/{id}/records.
type RecordsResponse struct {
	InstanceID string           `json:"instanceId"`
	Records    []StepRecordView `json:"records"`
}

// ErrorDetail represents detailed error information
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Type    string                 `json:"type,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorResponse wraps an ErrorDetail.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}
