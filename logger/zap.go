package logger

import (
	"go.uber.org/zap"

	"github.com/alexhholmes/pmart"
)

// Zap wraps a zap.Logger to implement pmart.Logger.
type Zap struct {
	sugar *zap.SugaredLogger
}

// NewZap creates a pmart.Logger from a zap.Logger. Log entries carry a
// "component" field set to "pmart".
func NewZap(logger *zap.Logger) pmart.Logger {
	return &Zap{sugar: logger.Sugar().With("component", "pmart")}
}

func (z *Zap) Error(msg string, args ...any) {
	z.sugar.Errorw(msg, args...)
}

func (z *Zap) Warn(msg string, args ...any) {
	z.sugar.Warnw(msg, args...)
}

func (z *Zap) Info(msg string, args ...any) {
	z.sugar.Infow(msg, args...)
}
