package base

import "errors"

var (
	ErrAllocationExhausted = errors.New("persistent region exhausted")
	ErrCorruptedRecovery   = errors.New("recovery found an inconsistent node graph")
	ErrTooManyWorkers      = errors.New("worker id exceeds configured maximum")
	ErrWorkerInUse         = errors.New("worker slot already owned")
	ErrInvalidMagic        = errors.New("invalid region magic")
	ErrInvalidVersion      = errors.New("invalid region format version")
	ErrHeadChecksum        = errors.New("region head checksum mismatch")
	ErrLocked              = errors.New("region is locked by another process")
	ErrRegionClosed        = errors.New("region is closed")
	ErrConflict            = errors.New("optimistic validation failed beyond retry budget")
)
