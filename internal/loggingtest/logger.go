package loggingtest

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/replicate/captioner/internal/logging"
)

func levelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	if level == logging.TraceLevel {
		enc.AppendString("TRACE")
		return
	}
	zapcore.CapitalLevelEncoder(level, enc)
}

// NewTestLogger returns a logger writing every level, trace included, to t.Log.
func NewTestLogger(t *testing.T) *logging.Logger {
	t.Helper()

	encoder := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "L",
		NameKey:        "N",
		CallerKey:      "C",
		MessageKey:     "M",
		StacktraceKey:  "S",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    levelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	})
	zapLogger := zaptest.NewLogger(t,
		zaptest.Level(logging.TraceLevel),
		zaptest.WrapOptions(zap.WrapCore(func(zapcore.Core) zapcore.Core {
			return zapcore.NewCore(encoder, zapcore.AddSync(zaptest.NewTestingWriter(t)), logging.TraceLevel)
		})),
	)
	return &logging.Logger{Logger: zapLogger}
}
