package analyzer

import (
	"appbench-orchestrator/pkg/config"
	"appbench-orchestrator/pkg/hashistack/servicediscover"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("analyzer",
	fx.Provide(
		provideRegistry,
		NewClient,
		provideProgressSink,
	),
)

type registryParams struct {
	fx.In
	Config *config.Config
	Consul *servicediscover.ConsulResolver `optional:"true"`
}

func provideRegistry(p registryParams) *Registry {
	var resolver Resolver
	if p.Consul != nil {
		resolver = p.Consul
	}
	return NewRegistry(p.Config.Analyzers, resolver)
}

type sinkParams struct {
	fx.In
	Redis *redis.Client `optional:"true"`
}

func provideProgressSink(p sinkParams) ProgressSink {
	if p.Redis == nil {
		return NopProgressSink{}
	}
	return NewRedisProgressSink(p.Redis)
}
