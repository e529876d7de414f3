// Package logrusadapter adapts a *logrus.Logger (or *logrus.Entry) to the
// ambient log.Logger interface, for callers that already standardize on
// logrus the way runZeroInc's tcpinfo tooling and storj/storj do.
package logrusadapter

import (
	"github.com/sirupsen/logrus"

	"github.com/opengit/wireproto/log"
)

// Adapter implements log.Logger over a logrus.FieldLogger.
type Adapter struct {
	entry logrus.FieldLogger
}

var _ log.Logger = (*Adapter)(nil)

// New wraps a logrus.FieldLogger (accepting both *logrus.Logger and
// *logrus.Entry) as a log.Logger.
func New(entry logrus.FieldLogger) *Adapter {
	return &Adapter{entry: entry}
}

// fields converts the alternating key/value pairs used by log.Logger into a
// logrus.Fields map. An odd trailing key with no value is logged under "extra".
func fields(keysAndValues ...any) logrus.Fields {
	f := make(logrus.Fields, len(keysAndValues)/2+1)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		f[key] = keysAndValues[i+1]
	}
	if len(keysAndValues)%2 == 1 {
		f["extra"] = keysAndValues[len(keysAndValues)-1]
	}
	return f
}

func (a *Adapter) Debug(msg string, keysAndValues ...any) {
	a.entry.WithFields(fields(keysAndValues...)).Debug(msg)
}

func (a *Adapter) Info(msg string, keysAndValues ...any) {
	a.entry.WithFields(fields(keysAndValues...)).Info(msg)
}

func (a *Adapter) Warn(msg string, keysAndValues ...any) {
	a.entry.WithFields(fields(keysAndValues...)).Warn(msg)
}

func (a *Adapter) Error(msg string, keysAndValues ...any) {
	a.entry.WithFields(fields(keysAndValues...)).Error(msg)
}
