//go:build !unix

package region

import (
	"errors"
	"os"
)

var errUnsupported = errors.New("persistent regions require a unix platform")

func mapFile(*os.File, int) ([]byte, error) { return nil, errUnsupported }

func unmapFile([]byte) error { return nil }

func msync([]byte) error { return errUnsupported }

func syncFile([]byte) error { return nil }

func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
