package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger_Defaults(t *testing.T) {
	logger, err := NewLogger(nil)
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	_, err := NewLogger(&Config{Level: "info", Format: "xml"})
	assert.Error(t, err)

	_, err = NewLogger(&Config{Level: "loudest", Format: "json"})
	assert.Error(t, err)
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		input string
		want  zapcore.Level
	}{
		{input: "trace", want: TraceLevel},
		{input: "debug", want: zapcore.DebugLevel},
		{input: "info", want: zapcore.InfoLevel},
		{input: "warn", want: zapcore.WarnLevel},
		{input: "error", want: zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := LevelFromString(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, level)
		})
	}

	_, err := LevelFromString("verbose")
	assert.Error(t, err)
}

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "rivald", cfg.Fields["service"])
	assert.NoError(t, cfg.Validate())
}
