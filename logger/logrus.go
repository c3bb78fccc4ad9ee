package logger

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/alexhholmes/pmart"
)

// Logrus wraps a logrus.Logger to implement pmart.Logger.
type Logrus struct {
	entry *logrus.Entry
}

// NewLogrus creates a pmart.Logger from a logrus.Logger. Log entries carry
// a "component" field set to "pmart".
func NewLogrus(logger *logrus.Logger) pmart.Logger {
	return &Logrus{entry: logger.WithField("component", "pmart")}
}

func (l *Logrus) Error(msg string, args ...any) {
	l.entry.WithFields(argsToFields(args)).Error(msg)
}

func (l *Logrus) Warn(msg string, args ...any) {
	l.entry.WithFields(argsToFields(args)).Warn(msg)
}

func (l *Logrus) Info(msg string, args ...any) {
	l.entry.WithFields(argsToFields(args)).Info(msg)
}

// argsToFields pairs up slog-style key/value args. A non-string key is
// formatted with %v; a trailing key without a value is dropped.
func argsToFields(args []any) logrus.Fields {
	fields := make(logrus.Fields, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		fields[key] = args[i+1]
	}
	return fields
}
