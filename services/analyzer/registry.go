package analyzer

import (
	"context"
	"sort"
	"strings"
	"time"

	"appbench-orchestrator/pkg/config"

	"go.uber.org/zap"
)

// Service is one configured analyzer endpoint.
type Service struct {
	Name          string
	URL           string
	Category      string
	Timeout       time.Duration
	HealthTimeout time.Duration
	Tools         []string
}

func (s Service) RequestType() string { return s.Category + "_analyze" }
func (s Service) ResultType() string  { return s.Category + "_analysis_result" }

// Resolver finds a live endpoint for a service, e.g. through Consul.
type Resolver interface {
	Resolve(ctx context.Context, service string) (string, error)
}

type Registry struct {
	services map[string]Service
	resolver Resolver
}

func NewRegistry(analyzers map[string]config.Analyzer, resolver Resolver) *Registry {
	r := &Registry{services: make(map[string]Service, len(analyzers)), resolver: resolver}
	for name, a := range analyzers {
		category := a.Category
		if category == "" {
			category, _, _ = strings.Cut(name, "-")
		}
		r.services[name] = Service{
			Name:          name,
			URL:           a.URL,
			Category:      category,
			Timeout:       a.Timeout,
			HealthTimeout: a.HealthTimeout,
			Tools:         a.Tools,
		}
	}
	return r
}

func (r *Registry) Has(name string) bool {
	_, ok := r.services[name]
	return ok
}

func (r *Registry) Lookup(name string) (Service, error) {
	svc, ok := r.services[name]
	if !ok {
		return Service{}, unknownService(name)
	}
	return svc, nil
}

// Names returns the configured service names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.services))
	for n := range r.services {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Endpoint prefers a resolver answer and falls back to the static URL.
func (r *Registry) Endpoint(ctx context.Context, svc Service) string {
	if r.resolver == nil {
		return svc.URL
	}
	endpoint, err := r.resolver.Resolve(ctx, svc.Name)
	if err != nil || endpoint == "" {
		zap.L().Debug("analyzer discovery failed, using static url", zap.String("service", svc.Name), zap.Error(err))
		return svc.URL
	}
	return endpoint
}
