package errutil

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

var errKind = errors.New("kind")

func TestWrapMatchesKindAndCode(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(StatusServiceUnavailable, errKind, "analyzer unreachable", cause)

	require.ErrorIs(t, err, errKind)
	require.ErrorIs(t, err, cause)

	var be BaseError
	require.ErrorAs(t, err, &be)
	require.Equal(t, StatusServiceUnavailable, be.Code)
	require.Equal(t, http.StatusServiceUnavailable, StatusOf(err).HTTPStatus())
	require.Contains(t, err.Error(), "dial tcp: refused")
}

func TestHelpersKeepCause(t *testing.T) {
	cause := errors.New("boom")
	err := NotFound("task not found", cause, WithDetail("task_id", "42"))

	require.ErrorIs(t, err, cause)
	require.Equal(t, StatusNotFound, StatusOf(err))

	var be BaseError
	require.ErrorAs(t, err, &be)
	require.Len(t, be.Details, 1)
	require.Contains(t, be.URL(), "details%5Btask_id%5D=42")
}

func TestStatusOfPlainError(t *testing.T) {
	require.Equal(t, StatusUnknown, StatusOf(errors.New("x")))
	require.Equal(t, http.StatusInternalServerError, StatusUnknown.HTTPStatus())
}
