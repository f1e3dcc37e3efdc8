package logging

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

// NewZapLogger returns a new [*zap.Logger] with the given preset and log level.
//
// The available presets are:
//
//   - "console" (default): Reasonable defaults for production console environments.
//   - "console-nocolor": Same as "console", but without color.
//   - "console-notime": Same as "console", but without timestamps.
//   - "systemd": Same as "console", but without color and timestamps.
//   - "production": Zap's built-in production preset.
//   - "development": Zap's built-in development preset.
//
// If the preset is not recognized, it is treated as a path to a YAML zap
// configuration file.
//
// The log level does not apply to the "production", "development", or custom presets.
func NewZapLogger(preset string, level zapcore.Level) (*zap.Logger, error) {
	switch preset {
	case "", "console":
		return NewProductionConsoleZapLogger(level, false, false, false), nil
	case "console-nocolor":
		return NewProductionConsoleZapLogger(level, true, false, false), nil
	case "console-notime":
		return NewProductionConsoleZapLogger(level, false, true, false), nil
	case "systemd":
		return NewProductionConsoleZapLogger(level, true, true, false), nil
	}

	var cfg zap.Config
	switch preset {
	case "production":
		cfg = zap.NewProductionConfig()
	case "development":
		cfg = zap.NewDevelopmentConfig()
	default:
		b, err := os.ReadFile(preset)
		if err != nil {
			return nil, fmt.Errorf("failed to read zap logger config file %q: %w", preset, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse zap logger config file %q: %w", preset, err)
		}
	}
	return cfg.Build()
}

// NewProductionConsoleZapLogger creates a new [*zap.Logger] with reasonable defaults for production console environments.
//
// See [NewProductionConsoleEncoderConfig] for information on the default encoder configuration.
func NewProductionConsoleZapLogger(level zapcore.Level, noColor, noTime, addCaller bool) *zap.Logger {
	cfg := NewProductionConsoleEncoderConfig(noColor, noTime)
	enc := zapcore.NewConsoleEncoder(cfg)
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	var opts []zap.Option
	if noTime {
		opts = append(opts, zap.WithClock(fakeClock{})) // Note that the sampler requires a real clock.
	}
	if addCaller {
		opts = append(opts, zap.AddCaller())
	}
	return zap.New(core, opts...)
}

// NewProductionConsoleEncoderConfig returns an opinionated [zapcore.EncoderConfig] for production console environments.
func NewProductionConsoleEncoderConfig(noColor, noTime bool) zapcore.EncoderConfig {
	ec := zapcore.EncoderConfig{
		TimeKey:          "T",
		LevelKey:         "L",
		NameKey:          "N",
		CallerKey:        "C",
		FunctionKey:      zapcore.OmitKey,
		MessageKey:       "M",
		StacktraceKey:    "S",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalColorLevelEncoder,
		EncodeTime:       zapcore.ISO8601TimeEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeCaller:     zapcore.ShortCallerEncoder,
		ConsoleSeparator: " ",
	}

	if noColor {
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	if noTime {
		ec.TimeKey = zapcore.OmitKey
		ec.EncodeTime = nil
	}

	return ec
}

// FileConfig configures a rotated log file.
type FileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxAgeDays int    `yaml:"max-age-days"`
	MaxBackups int    `yaml:"max-backups"`
	Compress   bool   `yaml:"compress"`
}

// Tee returns a logger that also writes JSON lines at level and above to
// the rotated file described by fc. The returned close function flushes
// and closes the file.
func Tee(logger *zap.Logger, fc FileConfig, level zapcore.Level) (*zap.Logger, func() error) {
	rotator := &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.MaxSizeMB,
		MaxAge:     fc.MaxAgeDays,
		MaxBackups: fc.MaxBackups,
		Compress:   fc.Compress,
	}
	enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	fileCore := zapcore.NewCore(enc, zapcore.AddSync(rotator), level)
	tee := logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, fileCore)
	}))
	return tee, func() error {
		_ = tee.Sync()
		return rotator.Close()
	}
}

// fakeClock is a fake clock that always returns the zero-value time.
//
// fakeClock implements [zapcore.Clock].
type fakeClock struct{}

// Now implements [zapcore.Clock.Now].
func (fakeClock) Now() time.Time {
	return time.Time{}
}

// NewTicker implements [zapcore.Clock.NewTicker].
func (fakeClock) NewTicker(d time.Duration) *time.Ticker {
	return time.NewTicker(d)
}
