package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewBuildsBothFormats(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		logger, err := New("debug", format, "healthsync-test")
		require.NoError(t, err)
		require.True(t, logger.Core().Enabled(zapcore.DebugLevel))
	}
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	require.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
	require.Equal(t, zapcore.WarnLevel, parseLevel("warn"))
}
