package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogger_KeyValues(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewLogger(zap.New(core), "processor").With("jobId", "job-1")

	logger.Info("document processed", "lineItems", 3)
	logger.Warn("row skipped", "reason", "no description")
	logger.Debug("spacing", "px", 40.0)
	logger.Error("store failed")

	entries := logs.All()
	require.Len(t, entries, 4)

	assert.Equal(t, "processor", entries[0].LoggerName)
	assert.Equal(t, "document processed", entries[0].Message)
	assert.Equal(t, map[string]interface{}{"jobId": "job-1", "lineItems": int64(3)}, entries[0].ContextMap())
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
}

func TestNewZap(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"defaults", Options{}, false},
		{"console debug", Options{Level: "debug", Format: "console"}, false},
		{"json warn", Options{Level: "warn", Format: "json"}, false},
		{"bad level", Options{Level: "loud"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewZap(tt.opts)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop().Info("ignored", "k", "v")
		NewLogger(nil, "nil-base").Warn("ignored")
	})
}
