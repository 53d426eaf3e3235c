package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config contains logging configuration.
type Config struct {
	// Output settings
	OutputPath string `mapstructure:"output_path"`

	// Log level: debug, info, warn, error
	Level string `mapstructure:"level"`

	// Format settings
	Encoding    string `mapstructure:"encoding"` // json or console
	Development bool   `mapstructure:"development"`

	// Rotation settings
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	return Config{
		OutputPath: "stdout",
		Level:      "info",
		Encoding:   "json",
		MaxSizeMB:  100,
		MaxBackups: 7,
		MaxAgeDays: 30,
		Compress:   true,
	}
}

// Factory builds module-named loggers from a shared core.
type Factory struct {
	root      *zap.Logger
	loggers   map[string]*zap.Logger
	loggersMu sync.RWMutex
}

// NewFactory builds the root logger and installs it globally.
func NewFactory(config Config) (*Factory, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if config.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	var encoder zapcore.Encoder
	if config.Encoding == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	writers := []zapcore.WriteSyncer{}
	if config.OutputPath != "" && config.OutputPath != "stdout" {
		if err := os.MkdirAll(filepath.Dir(config.OutputPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		writers = append(writers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   config.OutputPath,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   config.Compress,
		}))
	}
	if config.OutputPath == "stdout" || config.Development {
		writers = append(writers, zapcore.AddSync(os.Stdout))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(writers...), level)

	options := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if config.Development {
		options = append(options, zap.Development())
	}

	root := zap.New(core, options...)
	zap.ReplaceGlobals(root)

	return &Factory{
		root:    root,
		loggers: make(map[string]*zap.Logger),
	}, nil
}

// GetLogger returns a named logger for the given module.
func (f *Factory) GetLogger(module string) *zap.Logger {
	f.loggersMu.RLock()
	if logger, ok := f.loggers[module]; ok {
		f.loggersMu.RUnlock()
		return logger
	}
	f.loggersMu.RUnlock()

	f.loggersMu.Lock()
	defer f.loggersMu.Unlock()

	if logger, ok := f.loggers[module]; ok {
		return logger
	}
	logger := f.root.Named(module)
	f.loggers[module] = logger
	return logger
}

// Sync flushes buffered log entries.
func (f *Factory) Sync() error {
	return f.root.Sync()
}

// WithEvent adds event identification fields.
func WithEvent(logger *zap.Logger, eventID, eventType string) *zap.Logger {
	return logger.With(
		zap.String("event_id", eventID),
		zap.String("event_type", eventType),
	)
}

// WithSource adds event source fields.
func WithSource(logger *zap.Logger, ip string) *zap.Logger {
	return logger.With(zap.String("source_ip", ip))
}
