package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"appbench-orchestrator/pkg/errutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

var errMissing = errors.New("missing")

func serve(t *testing.T, handler gin.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(Error())
	engine.GET("/x", handler)

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	return rec
}

func TestErrorRendersCodedError(t *testing.T) {
	rec := serve(t, func(c *gin.Context) {
		_ = c.Error(errutil.Wrap(errutil.StatusNotFound, errMissing, "thing not found", nil, errutil.WithDetail("id", "7")))
	})
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body struct {
		Error struct {
			Code    string           `json:"code"`
			Details []errutil.Detail `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "NOT_FOUND", body.Error.Code)
	require.Equal(t, "id", body.Error.Details[0].Field)
}

func TestErrorFallsBackToInternal(t *testing.T) {
	rec := serve(t, func(c *gin.Context) {
		_ = c.Error(errors.New("boom"))
	})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestErrorLeavesSuccessAlone(t *testing.T) {
	rec := serve(t, func(c *gin.Context) {
		c.String(http.StatusOK, "fine")
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "fine", rec.Body.String())
}
