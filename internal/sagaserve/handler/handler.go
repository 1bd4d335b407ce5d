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

// Package handler implements the control API routes.
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/innovationmech/sagaflow/pkg/saga"
	"github.com/innovationmech/sagaflow/pkg/saga/invoker"
)

// Engine is the part of the saga engine the control API drives.
type Engine interface {
	StartSaga(ctx context.Context, definitionID, instanceID string, payload json.RawMessage) (*saga.SagaInstance, bool, error)
	GetSaga(ctx context.Context, instanceID string) (*saga.SagaInstance, error)
	CancelSaga(ctx context.Context, instanceID string) (*saga.SagaInstance, error)
	Records(ctx context.Context, instanceID string) ([]saga.StepRecord, error)
	HandleCallback(ctx context.Context, key string, resp *invoker.Response) (*saga.SagaInstance, error)
	Definitions() []*saga.SagaDefinition
	Definition(id string) (*saga.SagaDefinition, error)
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the control API.
type Handler struct {
	engine Engine
	health Pinger
	logger *zap.Logger
}

// New creates a handler. health may be nil.
func New(engine Engine, health Pinger, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: engine, health: health, logger: logger}
}

// Register mounts the routes on r.
func (h *Handler) Register(r gin.IRouter) {
	sagas := r.Group("/sagas")
	{
		sagas.POST("/:id", h.StartSaga)
		sagas.GET("/:id", h.GetSaga)
		sagas.POST("/:id/cancel", h.CancelSaga)
		sagas.GET("/:id/records", h.Records)
	}
	r.POST("/callbacks/:key", h.Callback)

	defs := r.Group("/definitions")
	{
		defs.GET("", h.ListDefinitions)
		defs.GET("/:id", h.GetDefinition)
	}
	r.GET("/health", h.Health)
}

// StartSaga starts an instance of a definition.
//
//	@Summary		Start a saga
//	@Description	Creates an instance of the definition. Starting a known instance ID returns its current status.
//	@Tags			sagas
//	@Accept			json
//	@Produce		json
//	@Param			definitionId	path		string			true	"Definition ID"
//	@Param			request			body		StartRequest	true	"Instance ID and payload"
//	@Success		202				{object}	SagaStatus		"Saga started"
//	@Success		200				{object}	SagaStatus		"Saga already exists"
//	@Failure		400				{object}	ErrorResponse	"Invalid body"
//	@Failure		404				{object}	ErrorResponse	"Unknown definition"
//	@Router			/sagas/{definitionId} [post]
func (h *Handler) StartSaga(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	inst, created, err := h.engine.StartSaga(c.Request.Context(), c.Param("id"), req.InstanceID, req.Payload)
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	c.JSON(status, NewSagaStatus(inst))
}

// GetSaga returns the status of an instance.
//
//	@Summary		Get saga status
//	@Tags			sagas
//	@Produce		json
//	@Param			instanceId	path		string			true	"Instance ID"
//	@Success		200			{object}	SagaStatus		"Saga status"
//	@Failure		404			{object}	ErrorResponse	"Unknown instance"
//	@Router			/sagas/{instanceId} [get]
func (h *Handler) GetSaga(c *gin.Context) {
	inst, err := h.engine.GetSaga(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewSagaStatus(inst))
}

// CancelSaga requests cancellation of a running instance.
//
//	@Summary		Cancel a saga
//	@Description	Cancellation takes effect between steps; the saga then compensates.
//	@Tags			sagas
//	@Produce		json
//	@Param			instanceId	path		string			true	"Instance ID"
//	@Success		202			{object}	SagaStatus		"Cancellation accepted"
//	@Failure		404			{object}	ErrorResponse	"Unknown instance"
//	@Failure		409			{object}	ErrorResponse	"Saga is not running"
//	@Router			/sagas/{instanceId}/cancel [post]
func (h *Handler) CancelSaga(c *gin.Context) {
	inst, err := h.engine.CancelSaga(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, NewSagaStatus(inst))
}

// Records returns the append-only step log of an instance.
//
//	@Summary		Get saga audit log
//	@Tags			sagas
//	@Produce		json
//	@Param			instanceId	path		string			true	"Instance ID"
//	@Success		200			{object}	RecordsResponse	"Step and compensation records in order"
//	@Failure		404			{object}	ErrorResponse	"Unknown instance"
//	@Router			/sagas/{instanceId}/records [get]
func (h *Handler) Records(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	inst, err := h.engine.GetSaga(ctx, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	records, err := h.engine.Records(ctx, id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	var def *saga.SagaDefinition
	if d, err := h.engine.Definition(inst.DefinitionID); err == nil {
		def = d
	}

	views := make([]StepRecordView, 0, len(records))
	for _, rec := range records {
		view := StepRecordView{
			StepIndex:      rec.StepIndex,
			Kind:           string(rec.Kind),
			Seq:            rec.Seq,
			Attempt:        rec.Attempt,
			Status:         rec.Status.String(),
			IdempotencyKey: rec.IdempotencyKey,
			Result:         rec.Result,
			LastError:      rec.LastError,
			RecordedAt:     rec.RecordedAt,
		}
		if def != nil && rec.StepIndex >= 0 && rec.StepIndex < len(def.Steps) {
			view.Step = def.Steps[rec.StepIndex].Name
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, RecordsResponse{InstanceID: id, Records: views})
}

// Callback completes a step that an asynchronous participant left pending.
//
//	@Summary		Report an asynchronous step outcome
//	@Tags			callbacks
//	@Accept			json
//	@Produce		json
//	@Param			idempotencyKey	path		string			true	"Idempotency key of the pending step"
//	@Param			request			body		CallbackRequest	true	"Outcome"
//	@Success		200				{object}	SagaStatus		"Outcome applied"
//	@Failure		400				{object}	ErrorResponse	"Invalid body"
//	@Failure		404				{object}	ErrorResponse	"No step uses the key"
//	@Failure		409				{object}	ErrorResponse	"Step is not waiting for a callback"
//	@Router			/callbacks/{idempotencyKey} [post]
func (h *Handler) Callback(c *gin.Context) {
	var req CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	outcome, err := invoker.ParseOutcome(req.Outcome)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if len(req.Result) > 0 && !json.Valid(req.Result) {
		badRequest(c, "result is not valid JSON")
		return
	}

	inst, err := h.engine.HandleCallback(c.Request.Context(), c.Param("key"), &invoker.Response{
		Outcome: outcome,
		Result:  req.Result,
		Error:   req.Error,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewSagaStatus(inst))
}

// ListDefinitions returns every registered definition.
//
//	@Summary		List saga definitions
//	@Tags			definitions
//	@Produce		json
//	@Success		200	{array}	saga.SagaDefinition	"Definitions ordered by ID"
//	@Router			/definitions [get]
func (h *Handler) ListDefinitions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"definitions": h.engine.Definitions()})
}

// GetDefinition returns one definition.
//
//	@Summary		Get a saga definition
//	@Tags			definitions
//	@Produce		json
//	@Param			id	path		string				true	"Definition ID"
//	@Success		200	{object}	saga.SagaDefinition	"Definition"
//	@Failure		404	{object}	ErrorResponse		"Unknown definition"
//	@Router			/definitions/{id} [get]
func (h *Handler) GetDefinition(c *gin.Context) {
	def, err := h.engine.Definition(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

// Health reports whether the store is reachable.
//
//	@Summary	Health check
//	@Tags		health
//	@Produce	json
//	@Success	200	{object}	map[string]interface{}	"Healthy"
//	@Failure	503	{object}	map[string]interface{}	"Store unreachable"
//	@Router		/health [get]
func (h *Handler) Health(c *gin.Context) {
	if h.health != nil {
		if err := h.health.Ping(c.Request.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
