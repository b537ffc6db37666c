package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/platinummonkey/accessgrid/pkg/rbac"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"not found", fmt.Errorf("%w: role 7", rbac.ErrNotFound), http.StatusNotFound},
		{"conflict", fmt.Errorf("%w: role manager exists", rbac.ErrConflict), http.StatusForbidden},
		{"immutable", fmt.Errorf("%w: system role", rbac.ErrImmutable), http.StatusConflict},
		{"validation sentinel", rbac.ErrValidation, http.StatusUnprocessableEntity},
		{"validation error", &rbac.ValidationError{Field: "scope", Message: "bad segment"}, http.StatusUnprocessableEntity},
		{"wrapped twice", fmt.Errorf("apply: %w", fmt.Errorf("%w: template 3", rbac.ErrNotFound)), http.StatusNotFound},
		{"other", errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusCode(tt.err))
		})
	}
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"message": "success"}

	err := WriteJSON(w, http.StatusOK, data)

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "success")
}

func TestWriteError(t *testing.T) {
	t.Run("validation carries field", func(t *testing.T) {
		w := httptest.NewRecorder()

		WriteError(w, &rbac.ValidationError{Field: "template_id", Message: "template is inactive"})

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "validation", resp.Category)
		assert.Equal(t, "template_id", resp.Field)
		assert.Contains(t, resp.Error, "template is inactive")
	})

	t.Run("immutable", func(t *testing.T) {
		w := httptest.NewRecorder()

		WriteError(w, fmt.Errorf("%w: permission settings:manage:global is a system permission", rbac.ErrImmutable))

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Contains(t, w.Body.String(), "system permission")
	})

	t.Run("internal errors are masked", func(t *testing.T) {
		w := httptest.NewRecorder()

		WriteError(w, errors.New("pq: password authentication failed"))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "password")
		assert.Contains(t, w.Body.String(), "Internal Server Error")
	})
}

func TestWriteErrorMessage(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorMessage(w, http.StatusNotFound, "resource not found")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "resource not found")
}
