package cli

import "go.uber.org/zap"

// newLogger builds the process-wide structured logger. Production JSON
// encoding so agent logs can be shipped and grepped; verbose drops the
// level to debug.
func newLogger(verbose bool) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	cfg.Encoding = "json"
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}
