package testutil

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureHandler(t *testing.T) {
	t.Run("captures records and levels", func(t *testing.T) {
		logger, h := NewTestLogger(t)

		logger.Info("device registered", slog.Int("credits", 3))
		logger.Error("lookup failed", slog.String("error", "boom"))

		require.Len(t, h.Records(), 2)
		assert.Len(t, h.ByLevel(slog.LevelError), 1)

		rec, ok := h.Find("registered")
		require.True(t, ok)
		assert.Equal(t, int64(3), rec.Attrs["credits"])
	})

	t.Run("derived loggers share the sink", func(t *testing.T) {
		logger, h := NewTestLogger(nil)

		logger.With(slog.String("component", "license")).
			WithGroup("req").
			Info("activate", slog.String("key", "ABCD-****"))

		rec, ok := h.Find("activate")
		require.True(t, ok)
		assert.Equal(t, "license", rec.Attrs["component"])
		assert.Equal(t, "ABCD-****", rec.Attrs["req.key"])
	})

	t.Run("finds secrets in attributes", func(t *testing.T) {
		logger, h := NewTestLogger(nil)

		logger.Info("ok", slog.Group("license", slog.String("key", "ABCD-EFGH-IJKL-MNOP")))

		assert.Len(t, h.Containing("EFGH-IJKL"), 1)
		assert.Empty(t, h.Containing("ZZZZ"))

		h.Reset()
		assert.Empty(t, h.Records())
	})
}
