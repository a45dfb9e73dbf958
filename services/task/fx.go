package task

import (
	"context"

	"github.com/facebookgo/clock"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("task.store",
	fx.Provide(NewStoreFromParams),
	fx.Invoke(migrate),
)

type Params struct {
	fx.In
	DB      *gorm.DB
	Clock   clock.Clock
	Catalog ServiceCatalog
	IDs     IDGenerator
}

func NewStoreFromParams(p Params) *Store {
	return NewStore(p.DB, p.Clock, p.Catalog, p.IDs)
}

func migrate(lc fx.Lifecycle, s *Store) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return s.Migrate(ctx)
		},
	})
}
