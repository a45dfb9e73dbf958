package analyzer

import (
	"errors"

	"appbench-orchestrator/pkg/errutil"
)

var (
	// ErrConnection means the analyzer could not be reached or dropped the
	// connection before its terminal frame. Retried.
	ErrConnection = errors.New("analyzer connection error")
	// ErrTimeout means no terminal frame arrived before the service deadline. Retried.
	ErrTimeout = errors.New("analyzer timeout")
	// ErrProtocol means a frame could not be parsed or had an unknown type.
	ErrProtocol = errors.New("analyzer protocol error")
	// ErrUnknownService means the service name is not configured. Never retried.
	ErrUnknownService = errors.New("unknown analyzer service")
)

func connectionError(service string, cause error) error {
	return errutil.Wrap(errutil.StatusServiceUnavailable, ErrConnection, "analyzer unreachable", cause, errutil.WithDetail("service", service))
}

func timeoutError(service string, cause error) error {
	return errutil.Wrap(errutil.StatusGatewayTimeout, ErrTimeout, "no terminal frame before deadline", cause, errutil.WithDetail("service", service))
}

func protocolError(service string, cause error) error {
	return errutil.Wrap(errutil.StatusBadGateway, ErrProtocol, "malformed analyzer frame", cause, errutil.WithDetail("service", service))
}

func unknownService(service string) error {
	return errutil.Wrap(errutil.StatusValidationFailed, ErrUnknownService, "analyzer service is not configured", nil, errutil.WithDetail("service", service))
}

// Retryable reports whether err is a transient analyzer failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrConnection) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrProtocol)
}
