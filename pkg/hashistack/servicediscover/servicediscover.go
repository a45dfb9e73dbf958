package servicediscover

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"appbench-orchestrator/pkg/config"

	"github.com/hashicorp/consul/api"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides a Consul-backed Resolver when CONSUL.ADDR is configured.
var Module = fx.Module("servicediscover",
	fx.Provide(NewConsulResolver),
)

var ErrNoInstance = fmt.Errorf("no healthy instance")

func NewConfig(cfg *config.Config) *api.Config {
	config := api.DefaultConfig()
	config.Address = cfg.Consul.Addr
	return config
}

// ConsulResolver looks up a healthy instance of a named analyzer service and
// returns its websocket endpoint.
type ConsulResolver struct {
	health *api.Health
	scheme string
}

func NewConsulResolver(cfg *config.Config) (*ConsulResolver, error) {
	if cfg.Consul.Addr == "" {
		return nil, nil
	}
	client, err := api.NewClient(NewConfig(cfg))
	if err != nil {
		return nil, err
	}
	return &ConsulResolver{health: client.Health(), scheme: "ws"}, nil
}

func (r *ConsulResolver) Resolve(ctx context.Context, service string) (string, error) {
	entries, _, err := r.health.Service(service, "", true, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("%w for %s", ErrNoInstance, service)
	}

	svc := entries[0].Service
	host := svc.Address
	if host == "" {
		host = entries[0].Node.Address
	}
	endpoint := fmt.Sprintf("%s://%s", r.scheme, net.JoinHostPort(host, strconv.Itoa(svc.Port)))
	zap.L().Debug("resolved analyzer via consul", zap.String("service", service), zap.String("endpoint", endpoint))
	return endpoint, nil
}

type ConsulRegistry struct {
	client    *api.Client
	serviceID string
	service   *api.AgentServiceRegistration
}

func NewConsulRegistry(address, serviceName, serviceID, host string, port int) (*ConsulRegistry, error) {
	config := api.DefaultConfig()
	config.Address = address

	client, err := api.NewClient(config)
	if err != nil {
		return nil, err
	}

	service := &api.AgentServiceRegistration{
		ID:      serviceID,
		Name:    serviceName,
		Address: host,
		Port:    port,
		Check: &api.AgentServiceCheck{
			HTTP:     fmt.Sprintf("http://%s/health/readiness", net.JoinHostPort(host, strconv.Itoa(port))),
			Interval: "10s",
			Timeout:  "5s",
		},
	}

	return &ConsulRegistry{
		client:    client,
		serviceID: serviceID,
		service:   service,
	}, nil
}

func (r *ConsulRegistry) Register(ctx context.Context) error {
	return r.client.Agent().ServiceRegisterOpts(r.service, api.ServiceRegisterOpts{}.WithContext(ctx))
}

func (r *ConsulRegistry) Deregister(ctx context.Context) error {
	return r.client.Agent().ServiceDeregisterOpts(r.serviceID, (&api.QueryOptions{}).WithContext(ctx))
}
