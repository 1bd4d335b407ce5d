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
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/innovationmech/sagaflow/pkg/saga"
)

// StatusFor maps an engine error to its HTTP status.
func StatusFor(err error) int {
	se := saga.AsSagaError(err)
	switch se.Code {
	case saga.ErrCodeValidationError:
		return http.StatusBadRequest
	case saga.ErrCodeCoordinatorStopped:
		return http.StatusServiceUnavailable
	}
	switch se.Type {
	case saga.ErrorTypeNotFound:
		return http.StatusNotFound
	case saga.ErrorTypeAlreadyExists, saga.ErrorTypeConflict, saga.ErrorTypeConcurrency:
		return http.StatusConflict
	case saga.ErrorTypeDefinition:
		return http.StatusBadRequest
	case saga.ErrorTypeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err. Internal failures are logged and their message is
// not exposed.
func (h *Handler) writeError(c *gin.Context, err error) {
	status := StatusFor(err)
	se := saga.AsSagaError(err)
	detail := ErrorDetail{
		Code:    se.Code,
		Message: se.Message,
		Type:    string(se.Type),
		Details: se.Details,
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		if status == http.StatusInternalServerError {
			detail = ErrorDetail{Code: "INTERNAL_ERROR", Message: "internal server error", Type: string(saga.ErrorTypeSystem)}
		}
	}
	c.JSON(status, ErrorResponse{Error: detail})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{
		Code:    saga.ErrCodeValidationError,
		Message: message,
		Type:    string(saga.ErrorTypePermanent),
	}})
}
