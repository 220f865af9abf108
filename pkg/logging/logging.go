package logging

import (
	"github.com/callwatch/callwatch/pkg/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. LOG_LEVEL selects the minimum level
// (debug also enables development mode) and LOG_ENCODING picks json or
// console output. Everything goes to stdout; zap internals to stderr.
func New() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = utils.Env("LOG_ENCODING", "json")

	switch utils.Env("LOG_LEVEL", "debug") {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		cfg.Development = true
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
