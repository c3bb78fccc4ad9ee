package pmart

import (
	"errors"

	"github.com/alexhholmes/pmart/internal/base"
)

var (
	ErrInvalidKeySize = errors.New("key length does not match the tree key size")
	ErrValueTooLarge  = errors.New("value too large")
	ErrInvalidOption  = errors.New("invalid option")

	ErrTreeClosed   = errors.New("tree is closed")
	ErrWorkerClosed = errors.New("worker is closed")
	ErrStaleWorker  = errors.New("worker outlived its tree")

	ErrConflict            = base.ErrConflict
	ErrAllocationExhausted = base.ErrAllocationExhausted
	ErrCorruptedRecovery   = base.ErrCorruptedRecovery
	ErrTooManyWorkers      = base.ErrTooManyWorkers
	ErrWorkerInUse         = base.ErrWorkerInUse
	ErrInvalidMagic        = base.ErrInvalidMagic
	ErrInvalidVersion      = base.ErrInvalidVersion
	ErrHeadChecksum        = base.ErrHeadChecksum
	ErrLocked              = base.ErrLocked
)
