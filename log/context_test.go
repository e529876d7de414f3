package log_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opengit/wireproto/log"
)

type recordingLogger struct {
	lastMsg string
}

func (r *recordingLogger) Debug(msg string, keysAndValues ...any) { r.lastMsg = msg }
func (r *recordingLogger) Info(msg string, keysAndValues ...any)  { r.lastMsg = msg }
func (r *recordingLogger) Warn(msg string, keysAndValues ...any)  { r.lastMsg = msg }
func (r *recordingLogger) Error(msg string, keysAndValues ...any) { r.lastMsg = msg }

func TestContextLogger(t *testing.T) {
	t.Run("adds logger to context", func(t *testing.T) {
		custom := &recordingLogger{}
		ctx := log.ToContext(context.Background(), custom)

		got := log.FromContext(ctx)
		require.Equal(t, custom, got)
	})

	t.Run("returns noop when absent", func(t *testing.T) {
		got := log.FromContext(context.Background())
		require.NotNil(t, got)
		require.NotPanics(t, func() {
			got.Debug("hello")
		})
	})
}
