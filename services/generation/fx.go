package generation

import (
	"appbench-orchestrator/pkg/config"

	"go.uber.org/fx"
)

var Module = fx.Module("generation",
	fx.Provide(provideClient),
)

func provideClient(cfg *config.Config) *Client {
	return NewClient(cfg.Generator.URL, cfg.Generator.Timeout)
}
