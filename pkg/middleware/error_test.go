package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/atlas/pkg/merging"
)

func invokeErrorHandler(t *testing.T, err error) (*httptest.ResponseRecorder, ErrorResponse) {
	t.Helper()

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/merges", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := Error(zapadapter.NewZapEctoLogger(zap.NewNop(), nil))
	handler(err, c)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestErrorHandlerMapsMergeConflicts(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "cycle", err: fmt.Errorf("%w: target a resolves into source b", merging.ErrInvalidMergeCycle)},
		{name: "double revert", err: fmt.Errorf("%w: merge m1", merging.ErrAlreadyReverted)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := invokeErrorHandler(t, tt.err)
			assert.Equal(t, http.StatusConflict, rec.Code)
			assert.Equal(t, tt.err.Error(), body.Message)
		})
	}
}

func TestErrorHandlerKeepsHTTPErrorStatus(t *testing.T) {
	rec, body := invokeErrorHandler(t, httperror.NewHTTPError(http.StatusNotFound, "entity e1 not found"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, body.Message, "entity e1 not found")
}

func TestErrorHandlerDefaultsToInternal(t *testing.T) {
	rec, body := invokeErrorHandler(t, fmt.Errorf("connection refused"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal Server Error", body.Message)
}
