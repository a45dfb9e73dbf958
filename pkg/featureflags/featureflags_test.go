package featureflags

import (
	"context"
	"errors"
	"testing"

	"appbench-orchestrator/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"github.com/stretchr/testify/require"
)

type failingSource struct{}

func (failingSource) GetEnvironmentFlags() (flagsmith.Flags, error) {
	return flagsmith.Flags{}, errors.New("flagsmith unreachable")
}

func TestStatic(t *testing.T) {
	flags := Static{AnalyzerFlag("ai-analyzer"): false}
	require.False(t, flags.Enabled(context.Background(), "analyzer_ai-analyzer", true))
	require.True(t, flags.Enabled(context.Background(), "analyzer_static-analyzer", true))
}

func TestLookupFailureFallsBack(t *testing.T) {
	ff := &featureflag{client: failingSource{}}
	require.True(t, ff.Enabled(context.Background(), "anything", true))
	require.False(t, ff.Enabled(context.Background(), "anything", false))
}

func TestProvideWithoutKeyIsStatic(t *testing.T) {
	ff := ProvideFeatureFlag(FeatureParams{Config: config.Default()})
	_, ok := ff.(Static)
	require.True(t, ok)
}
