package logger

import (
	"bytes"
	"regexp"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNewVariants(t *testing.T) {
	t.Run("json format logs expected fields", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWithWriter(&buf, int(zerolog.InfoLevel), "json", false)

		logger.Info().Str("key", "value").Msg("json_test")

		out := buf.String()
		require.Contains(t, out, `"message":"json_test"`)
		require.Contains(t, out, `"key":"value"`)
		require.Contains(t, out, `"time"`)
	})

	t.Run("console format logs human readable output", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWithWriter(&buf, int(zerolog.DebugLevel), "console", false)

		logger.Debug().Str("env", "test").Msg("console_log")

		out := stripANSI(buf.String())
		require.Contains(t, out, "console_log")
		require.Contains(t, out, "env=test")
	})

	t.Run("level filters lower events", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWithWriter(&buf, int(zerolog.WarnLevel), "json", false)

		logger.Info().Msg("hidden")
		logger.Warn().Msg("shown")

		out := buf.String()
		require.NotContains(t, out, "hidden")
		require.Contains(t, out, "shown")
	})

	t.Run("sampler drops most events", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewWithWriter(&buf, int(zerolog.InfoLevel), "json", true)

		for i := 0; i < 10; i++ {
			logger.Info().Msg("sampled")
		}

		require.Equal(t, 2, strings.Count(buf.String(), "sampled"))
	})
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(&buf, int(zerolog.InfoLevel), "json", false)

	l := Component(base, "rpcrouter")
	l.Info().Msg("hello")

	require.Contains(t, buf.String(), `"component":"rpcrouter"`)
}

func stripANSI(s string) string {
	re := regexp.MustCompile(`\x1b\[[0-9;]*m`)
	return re.ReplaceAllString(s, "")
}
