package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"appbench-orchestrator/pkg/health"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Client performs one request/response exchange per call against a named
// analyzer service over a websocket connection.
type Client struct {
	registry *Registry
	dialer   *websocket.Dialer
}

func NewClient(registry *Registry) *Client {
	return &Client{
		registry: registry,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  16 * 1024,
		},
	}
}

func (c *Client) Registry() *Registry { return c.registry }

// ProgressFunc receives progress frames. It must not block for long.
type ProgressFunc func(Progress)

// Execute sends one analyze request to service and waits for its terminal
// frame. Progress frames are passed to onProgress, which may be nil.
func (c *Client) Execute(ctx context.Context, service string, job Job, onProgress ProgressFunc) (*Result, error) {
	svc, err := c.registry.Lookup(service)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, svc.Timeout)
	defer cancel()

	id := job.CorrelationID
	if id == "" {
		id = uuid.NewString()
	}
	log := zap.L().With(zap.String("service", service), zap.String("correlation_id", id))

	conn, err := c.dial(ctx, svc)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stop := closeOnDone(ctx, conn)
	defer stop()

	req := Request{
		Type:      svc.RequestType(),
		ModelSlug: job.Model,
		AppNumber: job.AppNumber,
		Tools:     job.Tools,
		ID:        id,
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	}
	if err := conn.WriteJSON(req); err != nil {
		return nil, c.classify(ctx, service, err)
	}
	log.Debug("analyzer request sent", zap.String("type", req.Type))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return nil, c.classify(ctx, service, err)
		}

		var frame envelope
		if err := json.Unmarshal(msg, &frame); err != nil {
			return nil, protocolError(service, err)
		}

		switch {
		case frame.Type == TypeProgressUpdate:
			var p Progress
			if len(frame.Data) > 0 {
				if err := json.Unmarshal(frame.Data, &p); err != nil {
					// progress is advisory, the exchange goes on
					log.Debug("ignoring malformed progress update", zap.Error(err))
					continue
				}
			}
			if onProgress != nil {
				onProgress(p)
			}
		case frame.Type == svc.ResultType():
			return terminalResult(service, frame)
		case frame.Type == TypeError:
			msg := frame.Error
			if msg == "" {
				msg = frame.Message
			}
			return &Result{Service: service, Status: StatusError, Error: msg}, nil
		case ignoredTypes[frame.Type]:
			continue
		default:
			return nil, protocolError(service, fmt.Errorf("unexpected frame type %q", frame.Type))
		}
	}
}

func terminalResult(service string, frame envelope) (*Result, error) {
	switch frame.Status {
	case StatusSuccess, StatusError:
	default:
		return nil, protocolError(service, fmt.Errorf("unknown result status %q", frame.Status))
	}
	res := &Result{Service: service, Status: frame.Status, Analysis: frame.Analysis, Error: frame.Error}
	if res.Error == "" && frame.Status == StatusError {
		res.Error = frame.Message
	}
	return res, nil
}

func (c *Client) dial(ctx context.Context, svc Service) (*websocket.Conn, error) {
	endpoint := c.registry.Endpoint(ctx, svc)
	conn, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, c.classify(ctx, svc.Name, err)
		}
		return nil, connectionError(svc.Name, err)
	}
	conn.SetReadLimit(64 << 20)
	return conn, nil
}

// classify maps a transport error to the analyzer error taxonomy. A caller
// cancellation is returned as the context error so it is never retried.
func (c *Client) classify(ctx context.Context, service string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return timeoutError(service, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return timeoutError(service, err)
	}
	return connectionError(service, err)
}

// closeOnDone closes conn when ctx ends so blocked reads return.
func closeOnDone(ctx context.Context, conn *websocket.Conn) func() {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// HealthCheck sends a health_check frame and waits for a status reply within
// the service's health timeout.
func (c *Client) HealthCheck(ctx context.Context, service string) (*Health, error) {
	svc, err := c.registry.Lookup(service)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, svc.HealthTimeout)
	defer cancel()

	h := &Health{Service: service, Status: "unreachable"}
	conn, err := c.dial(ctx, svc)
	if err != nil {
		h.Error = err.Error()
		return h, err
	}
	defer conn.Close()
	stop := closeOnDone(ctx, conn)
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}
	if err := conn.WriteJSON(healthRequest{Type: TypeHealthCheck, ID: uuid.NewString()}); err != nil {
		err = c.classify(ctx, service, err)
		h.Error = err.Error()
		return h, err
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			err = c.classify(ctx, service, err)
			h.Error = err.Error()
			return h, err
		}
		var details map[string]any
		if err := json.Unmarshal(msg, &details); err != nil {
			err = protocolError(service, err)
			h.Error = err.Error()
			return h, err
		}
		status, _ := details["status"].(string)
		if status == "" {
			continue
		}
		h.Status = status
		h.Healthy = status == StatusHealthy
		h.Details = details
		return h, nil
	}
}

// HealthCheckAll probes every configured service concurrently.
func (c *Client) HealthCheckAll(ctx context.Context) map[string]Health {
	names := c.registry.Names()
	results := make([]Health, len(names))

	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			h, _ := c.HealthCheck(ctx, name)
			if h == nil {
				h = &Health{Service: name, Status: "unknown"}
			}
			results[i] = *h
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]Health, len(names))
	for i, name := range names {
		out[name] = results[i]
	}
	return out
}

// Probe adapts HealthCheckAll to the health endpoint.
func (c *Client) Probe(ctx context.Context) []health.Dependency {
	all := c.HealthCheckAll(ctx)
	deps := make([]health.Dependency, 0, len(all))
	for _, name := range c.registry.Names() {
		deps = append(deps, dependency(name, all[name]))
	}
	return deps
}

// ProbeService checks one service. Unknown names are an error, an
// unreachable service is not.
func (c *Client) ProbeService(ctx context.Context, name string) (health.Dependency, error) {
	if _, err := c.registry.Lookup(name); err != nil {
		return health.Dependency{}, err
	}
	h, _ := c.HealthCheck(ctx, name)
	if h == nil {
		h = &Health{Service: name, Status: "unknown"}
	}
	return dependency(name, *h), nil
}

func dependency(name string, h Health) health.Dependency {
	dep := health.Dependency{Name: name, Status: health.StatusHealthy, Message: "OK"}
	if !h.Healthy {
		dep.Status = health.StatusUnhealthy
		dep.Message = h.Status
		if h.Error != "" {
			dep.Message = h.Error
		}
	}
	return dep
}
