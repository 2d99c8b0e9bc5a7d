package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	require.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	require.Equal(t, slog.LevelWarn, ParseLevel(" WARN "))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel("loud"))
}

func TestPrettyHandler(t *testing.T) {
	t.Parallel()

	t.Run("writes message and attributes", func(t *testing.T) {
		var buf bytes.Buffer
		log := slog.New(New(&buf, "pretty", slog.LevelInfo))

		log.With("request_id", "r-1").WithGroup("auth").Info("request", "user_id", "u1")

		out := buf.String()
		require.Contains(t, out, "request")
		require.Contains(t, out, " "+cyan+"request_id"+reset+"=r-1")
		require.Contains(t, out, "auth.user_id"+reset+"=u1")
	})

	t.Run("filters below the configured level", func(t *testing.T) {
		var buf bytes.Buffer
		log := slog.New(New(&buf, "pretty", slog.LevelWarn))

		log.Info("hidden")
		require.Empty(t, buf.String())
	})

	t.Run("redacts credentials", func(t *testing.T) {
		var buf bytes.Buffer
		log := slog.New(New(&buf, "pretty", slog.LevelInfo))

		log.Info("login", "password", "hunter22", "refreshToken", "eyJ...")

		require.NotContains(t, buf.String(), "hunter22")
		require.NotContains(t, buf.String(), "eyJ")
		require.Contains(t, buf.String(), redacted)
	})
}

func TestJSONHandlerRedacts(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(New(&buf, "json", slog.LevelInfo))

	log.Warn("refresh token rejected", "refresh_token", "abc.def.ghi", "reason", "expired")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, redacted, line["refresh_token"])
	require.Equal(t, "expired", line["reason"])
	require.Equal(t, "WARN", line["level"])
}
