package logrusadapter_test

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/opengit/wireproto/log/logrusadapter"
)

func TestAdapterLogsWithFields(t *testing.T) {
	var buf bytes.Buffer
	base := logrus.New()
	base.SetOutput(&buf)
	base.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	adapter := logrusadapter.New(base)
	adapter.Info("session opened", "phase", "advertise", "session", "abc123")

	out := buf.String()
	require.Contains(t, out, "session opened")
	require.Contains(t, out, "phase=advertise")
	require.Contains(t, out, "session=abc123")
}

func TestAdapterHandlesOddArgs(t *testing.T) {
	var buf bytes.Buffer
	base := logrus.New()
	base.SetOutput(&buf)
	base.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	adapter := logrusadapter.New(base)
	require.NotPanics(t, func() {
		adapter.Warn("dangling", "onlykey")
	})
}
