package observability

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
)

// LogConfig configures NewLogger.
type LogConfig struct {
	// Level is debug, info, warn or error. Default: info.
	Level string `mapstructure:"level" yaml:"level"`

	// Format is json or console. Default: json.
	Format string `mapstructure:"format" yaml:"format"`

	// Stdout also writes to standard output when File is set.
	Stdout bool `mapstructure:"stdout" yaml:"stdout"`

	// File enables rotated file output.
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// NewLogger builds a zap logger from cfg. Without a File it logs to stdout.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if cfg.Level == "" {
		level = zapcore.InfoLevel
	} else if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.MillisDurationEncoder

	var enc zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "console":
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("log format %q: want json or console", cfg.Format)
	}

	var sinks []zapcore.WriteSyncer
	if cfg.File != "" {
		sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}))
	}
	if cfg.File == "" || cfg.Stdout {
		sinks = append(sinks, zapcore.Lock(os.Stdout))
	}

	core := zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(sinks...), level)
	return zap.New(core, zap.AddCaller()), nil
}

// EventFields returns the standard log fields for an envelope.
func EventFields(env *event.Envelope) []zap.Field {
	if env == nil {
		return nil
	}
	fields := []zap.Field{
		zap.String("event_id", env.EventID()),
		zap.String("event_type", env.EventType()),
		zap.String("tenant_id", env.TenantID()),
	}
	if env.Event != nil {
		fields = append(fields,
			zap.String("aggregate_id", env.Event.AggregateID()),
			zap.Int64("sequence", env.Event.Sequence()),
		)
	} else {
		fields = append(fields, zap.Bool("legacy", true))
	}
	return fields
}

// PayloadField returns the payload as a log field, redacted for sensitive types.
func PayloadField(env *event.Envelope) zap.Field {
	if env == nil || event.IsSensitive(env.EventType()) {
		return zap.String("payload", "[redacted]")
	}
	if env.Event != nil {
		return zap.ByteString("payload", env.Event.Payload())
	}
	if env.Legacy == nil {
		return zap.Skip()
	}
	return zap.Any("payload", env.Legacy.Data)
}

// EnrichLogger adds event, handler and attempt fields to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, env, "billing", 2)
//	enriched.Info("retrying") // includes event_id, handler, attempt
func EnrichLogger(logger *zap.Logger, env *event.Envelope, handler string, attempt int) *zap.Logger {
	if logger == nil {
		return nil
	}
	fields := EventFields(env)
	if handler != "" {
		fields = append(fields, zap.String("handler", handler))
	}
	if attempt > 0 {
		fields = append(fields, zap.Int("attempt", attempt))
	}
	return logger.With(fields...)
}

// LogPublish logs a successful broker write.
func LogPublish(logger *zap.Logger, env *event.Envelope, topic string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("event published", append(EventFields(env),
		zap.String("topic", topic),
		zap.String("priority", env.Priority.String()),
		zap.Float64("duration_ms", durationMs),
	)...)
}

// LogPublishError logs a rejected or failed publish.
func LogPublishError(logger *zap.Logger, env *event.Envelope, err error) {
	if logger == nil {
		return
	}
	logger.Warn("publish failed", append(EventFields(env), zap.Error(err))...)
}

// LogDuplicate logs a suppressed duplicate.
func LogDuplicate(logger *zap.Logger, env *event.Envelope, handler string) {
	if logger == nil {
		return
	}
	fields := EventFields(env)
	if handler != "" {
		fields = append(fields, zap.String("handler", handler))
	}
	logger.Debug("duplicate suppressed", fields...)
}

// LogDeadLetter logs an envelope moved to the dead-letter store.
// An empty handler means the publisher gave up on the broker write.
func LogDeadLetter(logger *zap.Logger, env *event.Envelope, handler string, attempts int, err error) {
	if logger == nil {
		return
	}
	logger.Error("event dead-lettered", append(EventFields(env),
		zap.String("handler", handler),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)...)
}

// LogDispatchError logs a failed handler attempt.
func LogDispatchError(logger *zap.Logger, env *event.Envelope, handler string, attempt int, err error) {
	if logger == nil {
		return
	}
	logger.Warn("handler attempt failed", append(EventFields(env),
		zap.String("handler", handler),
		zap.Int("attempt", attempt),
		zap.Error(err),
	)...)
}

// LogCorruptEvent logs a delivery that failed decoding or integrity checks.
func LogCorruptEvent(logger *zap.Logger, topic string, env *event.Envelope, err error) {
	if logger == nil {
		return
	}
	logger.Error("corrupt event discarded", append(EventFields(env),
		zap.String("topic", topic),
		zap.Error(err),
	)...)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
