package hubctl

import (
	"os"

	"github.com/common-fate/clio/clierr"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds the structured logger handed to every component.
// Terminals get coloured console output; anything else gets JSON.
func newLogger(verbose bool) (*zap.SugaredLogger, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if v := os.Getenv("HUBCTL_LOG"); v != "" {
		if err := level.UnmarshalText([]byte(v)); err != nil {
			return nil, clierr.New("invalid HUBCTL_LOG level "+v, clierr.Info("Use one of debug, info, warn or error"))
		}
	}
	if verbose {
		level.SetLevel(zap.DebugLevel)
	}

	cfg := zap.NewProductionConfig()
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = level
	cfg.Sampling = nil
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	log, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return log.Sugar(), nil
}
