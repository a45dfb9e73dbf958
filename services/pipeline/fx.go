package pipeline

import (
	"context"

	"appbench-orchestrator/pkg/config"
	"appbench-orchestrator/pkg/sequence"
	"appbench-orchestrator/services/analyzer"
	"appbench-orchestrator/services/events"
	"appbench-orchestrator/services/generation"
	"appbench-orchestrator/services/task"

	"github.com/facebookgo/clock"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("pipeline",
	fx.Provide(
		NewStore,
		provideLocker,
		provideMachine,
		provideReconciler,
		provideDriver,
		NewHandler,
	),
	fx.Invoke(migrate),
)

// Runner starts the driver loop and serves queued pipeline commands.
var Runner = fx.Module("pipeline.runner",
	fx.Invoke(registerHandlers, startDriver),
)

type lockerParams struct {
	fx.In
	Config *config.Config
	Redis  *redis.Client `optional:"true"`
}

func provideLocker(p lockerParams) Locker {
	if p.Redis == nil {
		zap.L().Info("redis not configured, pipeline locks are process local")
		return NewLocalLocker()
	}
	return NewRedisLocker(p.Redis, p.Config.Orchestrator.PipelineLockTTL)
}

type machineParams struct {
	fx.In
	Config    *config.Config
	Store     *Store
	Tasks     *task.Store
	Canceller TaskCanceller
	Generator *generation.Client
	Locker    Locker
	Publisher events.Publisher
	Clock     clock.Clock
	IDs       task.IDGenerator
	Registry  *analyzer.Registry
	Namer     sequence.Generator `optional:"true"`
}

func provideMachine(p machineParams) *Machine {
	d := Deps{
		Store:      p.Store,
		Tasks:      p.Tasks,
		Canceller:  p.Canceller,
		Generator:  p.Generator,
		Locker:     p.Locker,
		Publisher:  p.Publisher,
		Clock:      p.Clock,
		IDs:        p.IDs,
		Services:   p.Registry.Names(),
		MaxRetries: p.Config.Orchestrator.MaxRetries,
	}
	if p.Namer != nil {
		d.Namer = p.Namer
	}
	return NewMachine(d)
}

func provideReconciler(cfg *config.Config, m *Machine, tasks *task.Store) *Reconciler {
	return NewReconciler(m, tasks, cfg.Orchestrator.StuckGracePeriod)
}

func provideDriver(cfg *config.Config, m *Machine, r *Reconciler, clk clock.Clock) *Driver {
	return NewDriver(m, r, clk, DriverOptions{
		Interval:          cfg.Orchestrator.PipelineInterval,
		ReconcileInterval: cfg.Orchestrator.ReconcileInterval,
		Workers:           cfg.Orchestrator.Workers,
	})
}

func migrate(lc fx.Lifecycle, s *Store) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return s.Migrate(ctx)
		},
	})
}

type handlerParams struct {
	fx.In
	Mux     *asynq.ServeMux `optional:"true"`
	Handler *Handler
}

func registerHandlers(p handlerParams) {
	if p.Mux == nil {
		return
	}
	p.Handler.Register(p.Mux)
}

func startDriver(lc fx.Lifecycle, d *Driver) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := d.Run(ctx); err != nil {
					zap.L().Error("pipeline driver exited", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
				zap.L().Warn("pipeline driver did not stop in time")
			}
			return nil
		},
	})
}
