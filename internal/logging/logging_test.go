package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"", zapcore.InfoLevel},
		{"debug", zapcore.DebugLevel},
		{" WARN ", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		got, err := parseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := parseLevel("chatty")
	require.Error(t, err)
}

func TestNewHonorsVerbosity(t *testing.T) {
	t.Parallel()

	log, flush, err := New(Options{Level: "info"})
	require.NoError(t, err)
	defer flush()
	assert.True(t, log.Enabled())
	assert.False(t, log.V(1).Enabled())

	log, flush2, err := New(Options{Level: "info", Verbosity: 2})
	require.NoError(t, err)
	defer flush2()
	assert.True(t, log.V(1).Enabled())
	assert.True(t, log.V(2).Enabled())
	assert.False(t, log.V(3).Enabled())

	_, _, err = New(Options{Level: "loud"})
	require.Error(t, err)
}
