package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/change-control/backend/services"
	"github.com/upb/change-control/backend/utils"
	"go.uber.org/zap"
)

func TestHandleServiceError(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedError  string
	}{
		{
			name:           "not found error",
			err:            services.ErrChangeRequestNotFound,
			expectedStatus: http.StatusNotFound,
			expectedError:  "not_found",
		},
		{
			name:           "validation error",
			err:            services.ErrInvalidPriority,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "bad_request",
		},
		{
			name:           "invalid transition",
			err:            services.ErrInvalidTransition,
			expectedStatus: http.StatusConflict,
			expectedError:  "conflict",
		},
		{
			name:           "voting not open is a transition error",
			err:            services.ErrVotingNotOpen,
			expectedStatus: http.StatusConflict,
			expectedError:  "conflict",
		},
		{
			name:           "not authorized",
			err:            services.ErrNotCommitteeMember,
			expectedStatus: http.StatusForbidden,
			expectedError:  "forbidden",
		},
		{
			name:           "precondition failed",
			err:            services.ErrNoLeadAssigned,
			expectedStatus: http.StatusUnprocessableEntity,
			expectedError:  "precondition_failed",
		},
		{
			name:           "persistence",
			err:            services.WrapError(services.ErrorTypePersistence, "request store unavailable", errors.New("connection refused")),
			expectedStatus: http.StatusServiceUnavailable,
			expectedError:  "service_unavailable",
		},
		{
			name:           "internal error",
			err:            services.ErrInternal,
			expectedStatus: http.StatusInternalServerError,
			expectedError:  "internal_error",
		},
		{
			name:           "wrapped domain error",
			err:            fmt.Errorf("route: %w", services.ErrNoCommitteeAssigned),
			expectedStatus: http.StatusUnprocessableEntity,
			expectedError:  "precondition_failed",
		},
		{
			name:           "unknown error",
			err:            errors.New("boom"),
			expectedStatus: http.StatusInternalServerError,
			expectedError:  "internal_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			HandleServiceError(w, tt.err, logger)

			assert.Equal(t, tt.expectedStatus, w.Code)

			var response utils.ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.expectedError, response.Error)
			assert.NotEmpty(t, response.Message)
		})
	}
}

func TestHandleServiceError_AlreadyFinalizedIsBenign(t *testing.T) {
	w := httptest.NewRecorder()
	HandleServiceError(w, services.ErrAlreadyFinalized, zap.NewNop())

	assert.Equal(t, http.StatusOK, w.Code)

	var response struct {
		Data    map[string]bool `json:"data"`
		Message string          `json:"message"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.True(t, response.Data["benign"])
	assert.NotEmpty(t, response.Message)
}

func TestHandleServiceErrorWithDetails(t *testing.T) {
	err := services.ErrInvalidTransition.WithDetail("from", "closed").WithDetail("to", "in_progress")

	w := httptest.NewRecorder()
	HandleServiceError(w, err, zap.NewNop())

	assert.Equal(t, http.StatusConflict, w.Code)

	var response utils.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "closed", response.Details["from"])
	assert.Equal(t, "in_progress", response.Details["to"])
}

func TestHandleServiceErrorNil(t *testing.T) {
	w := httptest.NewRecorder()

	HandleServiceError(w, nil, zap.NewNop())

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestHandleValidationError(t *testing.T) {
	logger := zap.NewNop()

	t.Run("custom validation error", func(t *testing.T) {
		err := &utils.ValidationError{
			Message: "Validation failed",
			Fields: map[string]string{
				"title":    "title is required",
				"priority": "priority must be one of: baja media alta critica",
			},
		}

		w := httptest.NewRecorder()
		HandleValidationError(w, err, logger)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response utils.ErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "bad_request", response.Error)
		assert.Equal(t, "Validation failed", response.Message)
		assert.Equal(t, "title is required", response.Details["title"])
	})

	t.Run("generic error", func(t *testing.T) {
		w := httptest.NewRecorder()
		HandleValidationError(w, errors.New("request body is empty"), logger)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response utils.ErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "request body is empty", response.Message)
	})
}
