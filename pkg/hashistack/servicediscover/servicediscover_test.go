package servicediscover

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"appbench-orchestrator/pkg/config"

	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/require"
)

func TestResolveHealthyInstance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/health/service/static-analyzer", r.URL.Path)
		require.Equal(t, "1", r.URL.Query().Get("passing"))
		_ = json.NewEncoder(w).Encode([]api.ServiceEntry{{
			Node:    &api.Node{Address: "10.0.0.5"},
			Service: &api.AgentService{Service: "static-analyzer", Port: 2001},
		}})
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Consul.Addr = srv.Listener.Addr().String()

	resolver, err := NewConsulResolver(cfg)
	require.NoError(t, err)

	endpoint, err := resolver.Resolve(context.Background(), "static-analyzer")
	require.NoError(t, err)
	require.Equal(t, "ws://10.0.0.5:2001", endpoint)
}

func TestResolveNoInstance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("[]"))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Consul.Addr = srv.Listener.Addr().String()

	resolver, err := NewConsulResolver(cfg)
	require.NoError(t, err)

	_, err = resolver.Resolve(context.Background(), "ai-analyzer")
	require.ErrorIs(t, err, ErrNoInstance)
}
