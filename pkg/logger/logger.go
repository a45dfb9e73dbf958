package logger

import (
	"os"

	"appbench-orchestrator/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var Module = fx.Module("zap",
	fx.Provide(
		New,
	),
)

type ConfigParams struct {
	fx.In
	Cfg *config.Config
}

func New(p ConfigParams) *zap.Logger {
	log := Build(p.Cfg)
	zap.ReplaceGlobals(log)
	return log
}

func productionEncoder() zapcore.EncoderConfig {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.StacktraceKey = "stacktrace"
	enc.LevelKey = "severity"
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	enc.CallerKey = "caller"
	enc.EncodeCaller = zapcore.ShortCallerEncoder
	return enc
}

// Build returns a development logger unless APP_ENV is production. When
// LOG.FILE is set, a JSON core writing to a rotated file is teed in.
func Build(cfg *config.Config) *zap.Logger {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if cfg != nil && cfg.Log.Level != "" {
		if lvl, err := zapcore.ParseLevel(cfg.Log.Level); err == nil {
			level.SetLevel(lvl)
		}
	}

	var core zapcore.Core
	if cfg != nil && cfg.AppEnv == "production" {
		core = zapcore.NewCore(zapcore.NewJSONEncoder(productionEncoder()), zapcore.Lock(os.Stdout), level)
	} else {
		dev := zap.NewDevelopmentEncoderConfig()
		dev.EncodeLevel = zapcore.CapitalColorLevelEncoder
		core = zapcore.NewCore(zapcore.NewConsoleEncoder(dev), zapcore.Lock(os.Stdout), zap.NewAtomicLevelAt(zapcore.DebugLevel))
	}

	if cfg != nil && cfg.Log.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		}
		fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(productionEncoder()), zapcore.AddSync(rotator), level)
		core = zapcore.NewTee(core, fileCore)
	}

	log := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if cfg != nil {
		log = log.With(
			zap.String("env", cfg.AppEnv),
			zap.String("service_name", cfg.AppName),
		)
	}
	return log
}
