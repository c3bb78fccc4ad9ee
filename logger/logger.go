// Package logger provides adapters for popular logger libraries to work with pmart's Logger interface.
//
// The standard library's slog.Logger already implements pmart.Logger directly.
//
// Example with zap:
//
//	zapLogger, _ := zap.NewProduction()
//	t, err := pmart.Open("data.pmart", pmart.WithLogger(logger.NewZap(zapLogger)))
//	if err != nil {
//	    panic(err)
//	}
//	defer t.Close()
package logger
