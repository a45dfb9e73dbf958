package aggregator

import (
	"appbench-orchestrator/pkg/config"

	"github.com/facebookgo/clock"
	"github.com/minio/minio-go/v7"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("aggregator",
	fx.Provide(
		provideBlobStore,
		New,
		provideResultWriter,
	),
)

type blobParams struct {
	fx.In

	Config *config.Config
	Minio  *minio.Client `optional:"true"`
}

func provideBlobStore(p blobParams) BlobStore {
	if p.Minio != nil {
		return NewMinioBlobStore(p.Minio, p.Config.Minio.BucketName)
	}
	zap.L().Info("minio not configured, storing blobs on disk", zap.String("dir", p.Config.Orchestrator.BlobDir))
	return NewFileBlobStore(p.Config.Orchestrator.BlobDir)
}

func provideResultWriter(cfg *config.Config, clk clock.Clock) *ResultWriter {
	return NewResultWriter(cfg.Orchestrator.ResultsDir, clk)
}
