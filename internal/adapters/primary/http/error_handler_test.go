package http

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	apperrors "github.com/lorrc/workshop-sync/internal/core/errors"
	"github.com/lorrc/workshop-sync/internal/infrastructure/logging"
	"github.com/stretchr/testify/assert"
)

func TestErrorHandler_Handle(t *testing.T) {
	h := NewErrorHandler(logging.Discard())

	verrs := apperrors.NewValidationErrors()
	verrs.Add("role", "Must be one of: manager technician customer")

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "unauthorized", err: apperrors.ErrUnauthorized, status: http.StatusUnauthorized, code: "UNAUTHORIZED"},
		{name: "auth sync error", err: apperrors.NewAuthError("job", "token rejected"), status: http.StatusUnauthorized, code: "UNAUTHORIZED"},
		{name: "forbidden", err: fmt.Errorf("join: %w", apperrors.ErrForbidden), status: http.StatusForbidden, code: "FORBIDDEN"},
		{name: "unknown connection", err: apperrors.ErrUnknownConnection, status: http.StatusNotFound, code: "UNKNOWN_CONNECTION"},
		{name: "connection gone", err: apperrors.ErrConnectionGone, status: http.StatusGone, code: "CONNECTION_GONE"},
		{name: "not found", err: apperrors.ErrNotFound, status: http.StatusNotFound, code: "NOT_FOUND"},
		{name: "bad request", err: errors.Join(apperrors.ErrBadRequest, errors.New("id is required")), status: http.StatusBadRequest, code: "BAD_REQUEST"},
		{name: "validation", err: verrs, status: http.StatusUnprocessableEntity, code: "VALIDATION_ERROR"},
		{name: "unexpected", err: errors.New("disk on fire"), status: http.StatusInternalServerError, code: "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.Handle(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)

			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), `"code":"`+tt.code+`"`)
		})
	}
}

func TestErrorHandler_HidesInternalDetails(t *testing.T) {
	h := NewErrorHandler(logging.Discard())
	rec := httptest.NewRecorder()

	h.Handle(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("badger: value log corrupt"))

	assert.NotContains(t, rec.Body.String(), "badger")
}

func TestHandleError(t *testing.T) {
	h := NewErrorHandler(logging.Discard())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	assert.False(t, HandleError(rec, req, nil, h))
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.True(t, HandleError(rec, req, apperrors.ErrNotFound, h))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
