package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TraceLevel sits below Debug and is used for per-token and per-slot detail.
const TraceLevel = zapcore.Level(-8)

const (
	EnvLogLevel  = "CAPTIONER_LOG_LEVEL"
	EnvLogFormat = "LOG_FORMAT"
	EnvLogFile   = "LOG_FILE"
)

func lowercaseLevelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	if level == TraceLevel {
		enc.AppendString("trace")
		return
	}
	zapcore.LowercaseLevelEncoder(level, enc)
}

func capitalLevelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	if level == TraceLevel {
		enc.AppendString("TRACE")
		return
	}
	zapcore.CapitalLevelEncoder(level, enc)
}

func colorLevelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	if level == TraceLevel {
		enc.AppendString("\x1b[90mTRACE\x1b[0m")
		return
	}
	zapcore.CapitalColorLevelEncoder(level, enc)
}

// Logger wraps zap.Logger with a Trace level.
type Logger struct {
	*zap.Logger
}

// SugaredLogger wraps zap.SugaredLogger with a Trace level.
type SugaredLogger struct {
	*zap.SugaredLogger
}

// New builds the process logger from the environment and names it.
//
// LOG_FORMAT=development|console switches to a console encoder, colored
// when stdout is a terminal. CAPTIONER_LOG_LEVEL (falling back to
// LOG_LEVEL) sets the level and LOG_FILE redirects all output to a file.
func New(name string) *Logger {
	tty := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	cfg := buildConfig(os.Getenv, tty)

	zapLogger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("Failed to build logger: %v", err))
	}
	return &Logger{Logger: zapLogger.Named(name)}
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

func buildConfig(getenv func(string) string, tty bool) zap.Config {
	var cfg zap.Config
	switch getenv(EnvLogFormat) {
	case "development", "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		cfg.EncoderConfig.EncodeLevel = capitalLevelEncoder
		if tty && getenv(EnvLogFile) == "" {
			cfg.EncoderConfig.EncodeLevel = colorLevelEncoder
		}
	default:
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		cfg.EncoderConfig.EncodeLevel = lowercaseLevelEncoder
	}

	logLevel := getenv(EnvLogLevel)
	if logLevel == "" {
		logLevel = getenv("LOG_LEVEL")
	}
	if logLevel != "" {
		level, err := parseLevel(logLevel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to parse log level %q: %s\n", logLevel, err) //nolint:forbidigo // logger setup error reporting
		} else {
			cfg.Level = zap.NewAtomicLevelAt(level)
		}
	}

	if logFile := getenv(EnvLogFile); logFile != "" {
		cfg.OutputPaths = []string{logFile}
		cfg.ErrorOutputPaths = []string{logFile}
	} else {
		cfg.OutputPaths = []string{"stdout"}
		cfg.ErrorOutputPaths = []string{"stderr"}
	}

	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.LevelKey = "severity"
	cfg.EncoderConfig.NameKey = "logger"
	cfg.EncoderConfig.CallerKey = "caller"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.StacktraceKey = "stacktrace"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	cfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.Sampling = nil

	return cfg
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "trace":
		return TraceLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level: %s", level)
	}
}

func (l *Logger) Sugar() *SugaredLogger {
	return &SugaredLogger{SugaredLogger: l.Logger.Sugar()}
}

func (l *Logger) Named(name string) *Logger {
	return &Logger{Logger: l.Logger.Named(name)}
}

func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

func (l *Logger) Trace(msg string, fields ...zap.Field) {
	l.Log(TraceLevel, msg, fields...)
}

func (s *SugaredLogger) Trace(args ...any) {
	s.Log(TraceLevel, args...)
}

func (s *SugaredLogger) Tracew(msg string, keysAndValues ...any) {
	s.Logw(TraceLevel, msg, keysAndValues...)
}

func (s *SugaredLogger) With(args ...any) *SugaredLogger {
	return &SugaredLogger{SugaredLogger: s.SugaredLogger.With(args...)}
}

func (s *SugaredLogger) Named(name string) *SugaredLogger {
	return &SugaredLogger{SugaredLogger: s.SugaredLogger.Named(name)}
}
