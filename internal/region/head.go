package region

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/cespare/xxhash/v2"

	"github.com/alexhholmes/pmart/internal/base"
)

const (
	// statusMagic in the status word marks a fully formatted region.
	statusMagic uint32 = 0x50415254 // "PART"

	// cleanShutdown in the clean word marks a region closed through Close.
	cleanShutdown uint32 = 1

	formatVersion uint32 = 1
)

// head is the fixed part of the region head, cast over offset zero of the
// mapping. The per-block type bitmap follows at headFixed.
//
// Layout:
//   - 0:  root slot (Ref)
//   - 8:  generation, bumped on every reopen
//   - 16: free-bit frontier, index of the next never-allocated block
//   - 24: status (statusMagic once formatted)
//   - 28: live worker slots
//   - 32: clean shutdown flag
//   - 40: geometry (40 bytes, xxhash checksummed)
type head struct {
	root       atomic.Uint64
	generation atomic.Uint64
	freeBit    atomic.Uint64
	status     atomic.Uint32
	threads    atomic.Int32
	clean      atomic.Uint32
	_          uint32
	geometry   geometry
}

// geometry is written once when the region is formatted.
type geometry struct {
	Version     uint32
	KeySize     uint32
	BlockSize   uint64
	MaxBlocks   uint64
	MaxWorkers  uint32
	ScratchSize uint32
	Checksum    uint64
}

func (g geometry) sum() uint64 {
	var buf [32]byte
	binary.LittleEndian.PutUint32(buf[0:4], g.Version)
	binary.LittleEndian.PutUint32(buf[4:8], g.KeySize)
	binary.LittleEndian.PutUint64(buf[8:16], g.BlockSize)
	binary.LittleEndian.PutUint64(buf[16:24], g.MaxBlocks)
	binary.LittleEndian.PutUint32(buf[24:28], g.MaxWorkers)
	binary.LittleEndian.PutUint32(buf[28:32], g.ScratchSize)
	return xxhash.Sum64(buf[:])
}

func (g geometry) headSize() uint64 {
	return alignUp(headFixed+g.MaxBlocks, pageSize)
}

func (g geometry) dataStart() uint64 {
	return alignUp(g.headSize()+uint64(g.MaxWorkers)*uint64(g.ScratchSize), pageSize)
}

func (g geometry) fileSize() uint64 {
	return g.dataStart() + g.MaxBlocks*g.BlockSize
}

func (g geometry) validate() error {
	if g.Version != formatVersion {
		return fmt.Errorf("%w: %d", base.ErrInvalidVersion, g.Version)
	}
	if g.Checksum != g.sum() {
		return base.ErrHeadChecksum
	}
	cfg := Config{
		KeySize:     int(g.KeySize),
		BlockSize:   int(g.BlockSize),
		MaxBlocks:   int(g.MaxBlocks),
		MaxWorkers:  int(g.MaxWorkers),
		ScratchSize: int(g.ScratchSize),
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", base.ErrHeadChecksum, err)
	}
	return nil
}

// readGeometry reads the head of an existing file. initialized is false for
// empty files and for files whose formatting never completed.
func readGeometry(file *os.File, size int64) (geometry, bool, error) {
	if size < headFixed {
		return geometry{}, false, nil
	}

	buf := make([]byte, headFixed)
	if _, err := file.ReadAt(buf, 0); err != nil {
		return geometry{}, false, err
	}
	h := (*head)(unsafe.Pointer(&buf[0]))

	switch h.status.Load() {
	case statusMagic:
	case 0:
		return geometry{}, false, nil
	default:
		return geometry{}, false, base.ErrInvalidMagic
	}

	geo := h.geometry
	if err := geo.validate(); err != nil {
		return geometry{}, false, err
	}
	return geo, true, nil
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) / align * align
}
