package art

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/pmart/internal/base"
	"github.com/alexhholmes/pmart/internal/region"
)

func testRegionConfig(keySize int) region.Config {
	return region.Config{
		KeySize:     keySize,
		BlockSize:   16 * 1024,
		MaxBlocks:   512,
		MaxWorkers:  16,
		ScratchSize: 256,
		Flusher:     region.NopFlusher{},
	}
}

// openTree opens (or reopens) a region at path and attaches a tree,
// recovering it when the region already existed.
func openTree(t *testing.T, path string, cfg region.Config) (*Tree, *region.Region) {
	t.Helper()
	r, first, err := region.Open(path, cfg)
	require.NoError(t, err)
	tree, err := New(r, DefaultConfig())
	require.NoError(t, err)
	if !first {
		_, err := tree.Recover(context.Background())
		require.NoError(t, err)
	}
	return tree, r
}

// setup creates a fresh tree with 8-byte keys and a worker 0.
func setup(t *testing.T) (*Tree, *Worker) {
	t.Helper()
	return setupKeySize(t, 8)
}

func setupKeySize(t *testing.T, keySize int) (*Tree, *Worker) {
	t.Helper()
	tree, r := openTree(t, filepath.Join(t.TempDir(), "tree.pmart"), testRegionConfig(keySize))
	t.Cleanup(func() { _ = r.Close() })

	w, err := tree.NewWorker(0)
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return tree, w
}

func key64(i uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, i)
}

func val64(i uint64) []byte {
	return []byte{'v', byte(i >> 8), byte(i)}
}

// typeUnder returns the type of the root's child for byte b.
func typeUnder(tree *Tree, b byte) base.NodeType {
	ref := tree.rootNode().child(b)
	if ref == 0 {
		return base.TypeFree
	}
	return nodeType(tree.region.Pointer(ref))
}

func scanAll(t *testing.T, w *Worker, start []byte, limit int) [][]byte {
	t.Helper()
	var keys [][]byte
	_, err := w.Scan(start, limit, func(k, _ []byte) {
		keys = append(keys, append([]byte(nil), k...))
	})
	require.NoError(t, err)
	return keys
}

func mustFind(t *testing.T, w *Worker, key, want []byte) {
	t.Helper()
	got, found, err := w.Find(key, nil)
	require.NoError(t, err)
	require.True(t, found, "key %x missing", key)
	require.Equal(t, want, got)
}

// recordingFlusher logs the contents of every flushed range.
type recordingFlusher struct {
	mu     sync.Mutex
	events []flushEvent
}

type flushEvent struct {
	off  int
	data []byte
}

func (f *recordingFlusher) Flush(data []byte, off, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, flushEvent{off: off, data: append([]byte(nil), data[off:off+n]...)})
	return nil
}
