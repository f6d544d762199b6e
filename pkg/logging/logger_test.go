package logging_test

import (
	"os"
	"path/filepath"
	"testing"

	"funding_arb/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"debug", zapcore.DebugLevel, false},
		{"INFO", zapcore.InfoLevel, false},
		{"Warn", zapcore.WarnLevel, false},
		{"ERROR", zapcore.ErrorLevel, false},
		{"verbose", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := logging.ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_WritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")

	logger, err := logging.New(logging.Options{Level: "DEBUG", File: path})
	require.NoError(t, err)

	logger.WithField("component", "test").Info("hello", "symbol", "ETH")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, string(data), `"symbol":"ETH"`)
	assert.Contains(t, string(data), `"component":"test"`)
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, err := logging.New(logging.Options{Level: "LOUD"})
	assert.Error(t, err)
}
