package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestBuildConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		env      map[string]string
		level    zapcore.Level
		encoding string
	}{
		{name: "defaults", env: nil, level: zapcore.InfoLevel, encoding: "json"},
		{name: "development format", env: map[string]string{EnvLogFormat: "development"}, level: zapcore.DebugLevel, encoding: "console"},
		{name: "console format", env: map[string]string{EnvLogFormat: "console"}, level: zapcore.DebugLevel, encoding: "console"},
		{name: "service level", env: map[string]string{EnvLogLevel: "warn"}, level: zapcore.WarnLevel, encoding: "json"},
		{name: "fallback level", env: map[string]string{"LOG_LEVEL": "error"}, level: zapcore.ErrorLevel, encoding: "json"},
		{name: "service level wins", env: map[string]string{EnvLogLevel: "trace", "LOG_LEVEL": "error"}, level: TraceLevel, encoding: "json"},
		{name: "invalid level keeps default", env: map[string]string{EnvLogLevel: "loud"}, level: zapcore.InfoLevel, encoding: "json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := buildConfig(envFrom(tt.env), false)
			assert.Equal(t, tt.level, cfg.Level.Level())
			assert.Equal(t, tt.encoding, cfg.Encoding)
			assert.Equal(t, []string{"stdout"}, cfg.OutputPaths)
			assert.Nil(t, cfg.Sampling)
		})
	}
}

func TestBuildConfigLogFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "captioner.log")
	cfg := buildConfig(envFrom(map[string]string{EnvLogFile: path}), true)
	assert.Equal(t, []string{path}, cfg.OutputPaths)
	assert.Equal(t, []string{path}, cfg.ErrorOutputPaths)

	logger, err := cfg.Build()
	require.NoError(t, err)
	l := &Logger{Logger: logger}
	l.Trace("not written at info level")
	l.Sugar().Infow("written", "key", "value")
	require.NoError(t, l.Sync())
	assert.FileExists(t, path)
}

func TestConsoleColorFollowsTerminal(t *testing.T) {
	t.Parallel()

	render := func(cfg zap.Config) string {
		enc := zapcore.NewConsoleEncoder(cfg.EncoderConfig)
		buf, err := enc.EncodeEntry(zapcore.Entry{Level: zapcore.InfoLevel, Message: "hello"}, nil)
		require.NoError(t, err)
		return buf.String()
	}

	env := map[string]string{EnvLogFormat: "console"}
	assert.Contains(t, render(buildConfig(envFrom(env), true)), "\x1b[")
	assert.NotContains(t, render(buildConfig(envFrom(env), false)), "\x1b[")

	env[EnvLogFile] = filepath.Join(t.TempDir(), "captioner.log")
	assert.NotContains(t, render(buildConfig(envFrom(env), true)), "\x1b[")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]zapcore.Level{
		"trace":   TraceLevel,
		"DEBUG":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"Error":   zapcore.ErrorLevel,
	} {
		got, err := parseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := parseLevel("verbose")
	require.Error(t, err)
}

func TestNamedAndWith(t *testing.T) {
	t.Parallel()

	l := NewNop().Named("handler").With()
	require.NotNil(t, l)
	s := l.Sugar().Named("analyze").With("request_id", "abc")
	s.Trace("trace message")
	s.Tracew("trace message", "k", 1)
}
