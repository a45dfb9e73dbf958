package featureflags

import (
	"context"

	"appbench-orchestrator/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("featureflags", fx.Provide(ProvideFeatureFlag))

// FeatureFlag answers on/off questions. Unknown flags and lookup failures
// resolve to the caller's fallback.
type FeatureFlag interface {
	Enabled(ctx context.Context, name string, fallback bool) bool
}

type flagsource interface {
	GetEnvironmentFlags() (flagsmith.Flags, error)
}

type featureflag struct {
	client flagsource
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

func ProvideFeatureFlag(p FeatureParams) FeatureFlag {
	if p.Config.Flagsmith.ApiKey == "" {
		return Static(nil)
	}

	opts := []flagsmith.Option{
		flagsmith.WithAnalytics(),
	}
	if p.Config.Flagsmith.Addr != "" {
		opts = append(opts, flagsmith.WithBaseURL(p.Config.Flagsmith.Addr))
	}

	return &featureflag{
		client: flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...),
	}
}

func (s *featureflag) Enabled(ctx context.Context, name string, fallback bool) bool {
	flags, err := s.client.GetEnvironmentFlags()
	if err != nil {
		zap.L().Warn("failed to fetch feature flags", zap.String("flag", name), zap.Error(err))
		return fallback
	}
	for _, f := range flags.AllFlags() {
		if f.FeatureName == name {
			return f.Enabled
		}
	}
	return fallback
}

// Static is a fixed flag set, used when no flag service is configured.
type Static map[string]bool

func (s Static) Enabled(_ context.Context, name string, fallback bool) bool {
	if v, ok := s[name]; ok {
		return v
	}
	return fallback
}

// AnalyzerFlag names the flag that switches a service out of the default
// fan-out.
func AnalyzerFlag(service string) string {
	return "analyzer_" + service
}
