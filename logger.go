package pmart

// Logger receives region lifecycle events: creation, reopen, unclean
// shutdown, recovery results and close failures. Args are slog-style
// key/value pairs, so *slog.Logger can be passed to WithLogger as is;
// package logger adapts zap and logrus.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

// DiscardLogger drops every event. It is the default.
type DiscardLogger struct{}

func (DiscardLogger) Error(string, ...any) {}
func (DiscardLogger) Warn(string, ...any)  {}
func (DiscardLogger) Info(string, ...any)  {}
