// Package applog builds the process logger: a zap core exposed through
// log/slog, so library packages only depend on *slog.Logger.
package applog

import (
	"io"
	"log/slog"
	"os"
	"strings"

	slogzap "github.com/samber/slog-zap/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Level     string
	Format    string // text | json
	AddSource bool
	Output    io.Writer
}

func (c Config) output() io.Writer {
	if c.Output == nil {
		return os.Stdout
	}
	return c.Output
}

// New returns a slog logger backed by a dedicated zap core.
func New(cfg Config) *slog.Logger {
	return slog.New(newHandler(cfg, buildZapLogger(cfg)))
}

// Init installs the logger as the process default for both zap and slog, and
// returns a flush func for shutdown.
func Init(cfg Config) func() {
	z := buildZapLogger(cfg)
	zap.ReplaceGlobals(z)
	slog.SetDefault(slog.New(newHandler(cfg, z)))
	return func() { _ = z.Sync() }
}

func newHandler(cfg Config, z *zap.Logger) slog.Handler {
	return slogzap.Option{
		Level:     parseSlogLevel(cfg.Level),
		Logger:    z,
		AddSource: cfg.AddSource,
	}.NewZapHandler()
}

func buildZapLogger(cfg Config) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.TimeKey = "time"

	var encoder zapcore.Encoder
	if strings.EqualFold(cfg.Format, "json") {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(cfg.output()), parseZapLevel(cfg.Level))

	options := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.AddSource {
		options = append(options, zap.AddCaller())
	}
	return zap.New(core, options...)
}

func parseSlogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseZapLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// OrDefault returns l, or slog.Default() when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
