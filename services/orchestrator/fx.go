package orchestrator

import (
	pkgasynq "appbench-orchestrator/pkg/asynq"
	"appbench-orchestrator/pkg/config"
	"appbench-orchestrator/pkg/db"
	"appbench-orchestrator/pkg/featureflags"
	"appbench-orchestrator/pkg/gen"
	"appbench-orchestrator/pkg/hashistack/secretmanager"
	"appbench-orchestrator/pkg/hashistack/servicediscover"
	"appbench-orchestrator/pkg/health"
	"appbench-orchestrator/pkg/logger"
	"appbench-orchestrator/pkg/minio"
	"appbench-orchestrator/pkg/otelcol"
	"appbench-orchestrator/pkg/profiling"
	"appbench-orchestrator/pkg/redis"
	"appbench-orchestrator/pkg/sequence"
	"appbench-orchestrator/pkg/server"
	"appbench-orchestrator/services/aggregator"
	"appbench-orchestrator/services/analyzer"
	"appbench-orchestrator/services/dispatcher"
	"appbench-orchestrator/services/events"
	"appbench-orchestrator/services/generation"
	"appbench-orchestrator/services/pipeline"
	"appbench-orchestrator/services/task"

	"github.com/facebookgo/clock"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// Core wires the stores and domain components without starting any loop.
var Core = fx.Options(
	secretmanager.Module,
	config.Module,
	logger.Module,
	db.Module,
	gen.Module,
	redis.Module,
	minio.Client,
	servicediscover.Module,
	featureflags.Module,
	fx.Provide(
		clock.New,
		provideIDs,
		provideCatalog,
	),
	task.Module,
	analyzer.Module,
	aggregator.Module,
	events.Module,
	generation.Module,
	dispatcher.Module,
	sequence.Module,
	pipeline.Module,
	pkgasynq.Client,
	fx.Provide(NewService),
	fxLogger,
)

// Server runs the dispatcher, pipeline driver, reconciler, queue workers and
// the ops endpoints.
var Server = fx.Options(
	Core,
	otelcol.Module,
	profiling.Module,
	fx.Provide(
		provideDispatcherCanceller,
		provideProber,
	),
	pkgasynq.Server,
	dispatcher.Runner,
	pipeline.Runner,
	server.ProvideHTTPServer,
	health.Module,
)

// Command is for one-shot CLI invocations. Task cancellation goes straight
// to the store since no executor runs in this process.
var Command = fx.Options(
	Core,
	fx.Provide(provideStoreCanceller),
)

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.Log.Level == "debug" {
		return &fxevent.ZapLogger{Logger: logger}
	}
	return fxevent.NopLogger
})

func provideIDs(n *gen.SnowflakeNode) task.IDGenerator { return n }

func provideCatalog(r *analyzer.Registry) task.ServiceCatalog { return r }

func provideDispatcherCanceller(d *dispatcher.Dispatcher) pipeline.TaskCanceller { return d }

func provideStoreCanceller(s *task.Store) pipeline.TaskCanceller { return s }

func provideProber(c *analyzer.Client) health.Prober { return c }
