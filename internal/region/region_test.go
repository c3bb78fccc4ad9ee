package region

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/pmart/internal/base"
)

func testConfig() Config {
	return Config{
		KeySize:     8,
		BlockSize:   4096,
		MaxBlocks:   16,
		MaxWorkers:  4,
		ScratchSize: 256,
	}
}

func openTest(t *testing.T, path string, cfg Config) *Region {
	t.Helper()
	r, _, err := Open(path, cfg)
	require.NoError(t, err)
	return r
}

func TestOpenCreatesRegion(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "region")
	r, first, err := Open(path, testConfig())
	require.NoError(t, err)
	defer r.Close()

	assert.True(t, first)
	assert.True(t, r.FirstCreated())
	assert.False(t, r.WasClean())
	assert.Equal(t, uint64(1), r.Generation())
	assert.Equal(t, 8, r.KeySize())
	assert.Equal(t, base.Ref(0), r.Root())
	assert.Equal(t, uint64(0), r.Frontier())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(r.geo.fileSize()), info.Size())
}

func TestReopenBumpsGeneration(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "region")
	r := openTest(t, path, testConfig())
	ref, err := r.AllocBlock(0, base.TypeN256)
	require.NoError(t, err)
	r.SetRoot(ref)
	require.NoError(t, r.Close())

	other := testConfig()
	other.KeySize = 16
	r, first, err := Open(path, other)
	require.NoError(t, err)
	defer r.Close()

	assert.False(t, first)
	assert.True(t, r.WasClean())
	assert.Equal(t, uint64(2), r.Generation())
	assert.Equal(t, ref, r.Root())
	assert.Equal(t, 8, r.KeySize(), "persisted geometry must win over the new config")
	assert.Equal(t, base.TypeN256, r.BlockType(0))
}

func TestUncleanReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "region")
	r := openTest(t, path, testConfig())
	require.NoError(t, r.Sync())

	// Simulate a crash: drop the mapping without Close.
	require.NoError(t, unmapFile(r.data))
	require.NoError(t, unlockFile(r.file))
	require.NoError(t, r.file.Close())

	r = openTest(t, path, testConfig())
	defer r.Close()
	assert.False(t, r.WasClean())
	assert.Equal(t, uint64(2), r.Generation())
}

func TestOpenLocked(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "region")
	r := openTest(t, path, testConfig())
	defer r.Close()

	_, _, err := Open(path, testConfig())
	assert.ErrorIs(t, err, base.ErrLocked)
}

func TestOpenRejectsBadConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.BlockSize = 1000
	_, _, err := Open(filepath.Join(t.TempDir(), "region"), cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.KeySize = base.MaxKeySize + 1
	_, _, err = Open(filepath.Join(t.TempDir(), "region"), cfg)
	assert.Error(t, err)
}

func TestOpenDetectsCorruptHead(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "region")
	r := openTest(t, path, testConfig())
	require.NoError(t, r.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	require.NoError(t, err)
	// Flip a byte inside the geometry (KeySize at offset 44).
	_, err = f.WriteAt([]byte{0x7f}, 44)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, _, err = Open(path, testConfig())
	assert.ErrorIs(t, err, base.ErrHeadChecksum)
}

func TestAllocBlockMonotonic(t *testing.T) {
	t.Parallel()

	r := openTest(t, filepath.Join(t.TempDir(), "region"), testConfig())
	defer r.Close()

	var prev base.Ref
	for i := 0; i < 16; i++ {
		ref, err := r.AllocBlock(0, base.TypeLeaf)
		require.NoError(t, err)
		assert.Greater(t, ref, prev)
		prev = ref

		idx, ok := r.BlockIndex(ref)
		require.True(t, ok)
		assert.Equal(t, uint64(i), idx)
		assert.Equal(t, base.TypeLeaf, r.BlockType(idx))
		assert.True(t, r.Contains(ref, base.LeafSize))
	}

	_, err := r.AllocBlock(1, base.TypeLeaf)
	assert.ErrorIs(t, err, base.ErrAllocationExhausted)
	assert.Equal(t, uint64(16), r.Stats().BlocksUsed)
}

func TestAllocBlockZeroes(t *testing.T) {
	t.Parallel()

	r := openTest(t, filepath.Join(t.TempDir(), "region"), testConfig())
	defer r.Close()

	ref, err := r.AllocBlock(0, base.TypeN4)
	require.NoError(t, err)
	block := r.data[ref : uint64(ref)+r.BlockSize()]
	for i := range block {
		require.Zero(t, block[i])
	}
}

func TestAllocScratch(t *testing.T) {
	t.Parallel()

	r := openTest(t, filepath.Join(t.TempDir(), "region"), testConfig())
	defer r.Close()

	_, err := r.AllocScratch(4)
	assert.ErrorIs(t, err, base.ErrTooManyWorkers)
	_, err = r.AllocScratch(-1)
	assert.ErrorIs(t, err, base.ErrTooManyWorkers)

	s, err := r.AllocScratch(2)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, 1, r.Stats().Workers)

	_, err = r.AllocScratch(2)
	assert.ErrorIs(t, err, base.ErrWorkerInUse)

	r.ReleaseScratch(2)
	assert.Equal(t, 0, r.Stats().Workers)
	_, err = r.AllocScratch(2)
	assert.NoError(t, err)
}

func TestReconcile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "region")
	r := openTest(t, path, testConfig())

	for i := 0; i < 3; i++ {
		_, err := r.AllocBlock(0, base.TypeN4)
		require.NoError(t, err)
	}
	// An untagged block below the frontier that is reachable gets adopted.
	r.bitmap[1] = byte(base.TypeFree)
	// A tag beyond the frontier is a torn allocation.
	r.bitmap[5] = byte(base.TypeLeaf)

	_, err := r.AllocScratch(3)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	r = openTest(t, path, testConfig())
	defer r.Close()

	reachable := roaring.BitmapOf(0, 1)
	rec := r.Reconcile(reachable, map[uint32]base.NodeType{1: base.TypeN16})

	assert.Equal(t, 1, rec.Adopted)
	assert.Equal(t, 1, rec.Cleared)
	assert.Equal(t, 1, rec.Released)
	assert.Equal(t, []uint32{2}, rec.Reclaimed.ToArray())

	assert.Equal(t, base.TypeN4, r.BlockType(0))
	assert.Equal(t, base.TypeN16, r.BlockType(1))
	assert.Equal(t, base.TypeFree, r.BlockType(2))
	assert.Equal(t, base.TypeFree, r.BlockType(5))
	assert.Equal(t, uint64(3), r.Frontier(), "frontier never moves backward")

	_, err = r.AllocScratch(3)
	assert.NoError(t, err)
}

type recordingFlusher struct {
	ranges [][2]int
}

func (f *recordingFlusher) Flush(_ []byte, off, n int) error {
	f.ranges = append(f.ranges, [2]int{off, n})
	return nil
}

func TestPersistRoutesThroughFlusher(t *testing.T) {
	t.Parallel()

	rec := &recordingFlusher{}
	cfg := testConfig()
	cfg.Flusher = rec
	r := openTest(t, filepath.Join(t.TempDir(), "region"), cfg)
	defer r.Close()

	before := len(rec.ranges)
	r.SetRoot(base.Ref(r.dataStart))
	require.Len(t, rec.ranges, before+1)
	assert.Equal(t, [2]int{0, 8}, rec.ranges[before])
}
