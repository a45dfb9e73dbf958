package dispatcher

import (
	"context"

	"appbench-orchestrator/pkg/config"
	"appbench-orchestrator/services/analyzer"
	"appbench-orchestrator/services/task"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("dispatcher",
	fx.Provide(
		provideExecutor,
		provideOptions,
		NewFinalizer,
		New,
		provideHandler,
	),
)

// Runner starts the poll loop and serves queued task commands.
var Runner = fx.Module("dispatcher.runner",
	fx.Invoke(registerHandlers, startDispatcher),
)

func provideExecutor(c *analyzer.Client) Executor { return c }

func provideOptions(cfg *config.Config) Options {
	o := cfg.Orchestrator
	return Options{
		PollInterval:    o.PollInterval,
		Workers:         o.Workers,
		MaxConcurrent:   o.MaxConcurrentTasks,
		ProtocolRetries: o.ProtocolRetries,
		BackoffBase:     o.BackoffBase,
		BackoffMax:      o.BackoffMax,

		HeartbeatInterval: o.HeartbeatInterval,
	}
}

func provideHandler(cfg *config.Config, store *task.Store, d *Dispatcher, f *Finalizer) *Handler {
	return NewHandler(store, d, f, cfg.Orchestrator.MaxRetries)
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

func startDispatcher(lc fx.Lifecycle, d *Dispatcher) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := d.Run(ctx); err != nil {
					zap.L().Error("dispatcher exited", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
				zap.L().Warn("dispatcher did not stop in time", zap.Int("in_flight", d.InFlight()))
			}
			return nil
		},
	})
}
