package art

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/pmart/internal/base"
	"github.com/alexhholmes/pmart/internal/region"
)

// populate fills a fresh tree at path with n keys and closes it.
func populate(t *testing.T, path string, cfg region.Config, n int) {
	t.Helper()
	tree, r := openTree(t, path, cfg)
	w, err := tree.NewWorker(0)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := w.Insert(key64(uint64(i)*2654435761), val64(uint64(i)))
		require.NoError(t, err)
	}
	w.Close()
	require.NoError(t, r.Close())
}

func reopen(t *testing.T, path string, cfg region.Config) (*Tree, *region.Region) {
	t.Helper()
	r, first, err := region.Open(path, cfg)
	require.NoError(t, err)
	require.False(t, first)
	t.Cleanup(func() { _ = r.Close() })
	tree, err := New(r, DefaultConfig())
	require.NoError(t, err)
	return tree, r
}

func TestRecoverCleanReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tree.pmart")
	cfg := testRegionConfig(8)
	populate(t, path, cfg, 3000)

	tree, r := reopen(t, path, cfg)
	assert.True(t, r.WasClean())

	rep, err := tree.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3000, rep.Leaves)
	assert.Positive(t, rep.Inner)
	assert.Positive(t, rep.Blocks)
	assert.Zero(t, rep.LocksReset)
	assert.Zero(t, rep.Committed+rep.RolledBack)

	w, err := tree.NewWorker(0)
	require.NoError(t, err)
	defer w.Close()
	for i := 0; i < 3000; i++ {
		mustFind(t, w, key64(uint64(i)*2654435761), val64(uint64(i)))
	}

	// The tree keeps working after recovery.
	_, err = w.Insert(key64(1), []byte("after"))
	require.NoError(t, err)
	mustFind(t, w, key64(1), []byte("after"))
}

func TestRecoverResetsLocksAndCounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tree.pmart")
	cfg := testRegionConfig(8)
	populate(t, path, cfg, 64)

	tree, _ := reopen(t, path, cfg)
	// Leave the root locked and a child with a wrong count, as a crash
	// in the middle of an insert would.
	root := tree.rootNode().hdr()
	root.version.Store(root.version.Load() | lockedBit)
	child := tree.node(tree.rootNode().child(0))
	require.NotNil(t, child)
	child.hdr().setCounts(child.hdr().count()+3, child.hdr().compact())

	rep, err := tree.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.LocksReset)
	assert.GreaterOrEqual(t, rep.Recounted, 1)

	_, ok := root.readLock()
	assert.True(t, ok)

	w, err := tree.NewWorker(0)
	require.NoError(t, err)
	defer w.Close()
	assert.Len(t, scanAll(t, w, key64(0), 100), 64)
}

func TestRecoverDropsUnindexedN48Slots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tree.pmart")
	cfg := testRegionConfig(8)
	tree, r := openTree(t, path, cfg)
	w, err := tree.NewWorker(0)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		_, err := w.Insert(fanKey(i), val64(uint64(i)))
		require.NoError(t, err)
	}
	w.Close()

	n48, ok := tree.node(tree.rootNode().child(0)).(*node48)
	require.True(t, ok)
	// A child written without its index entry, as a crash between the two
	// writes leaves it.
	n48.slots[20].Store(n48.slots[0].Load())
	require.NoError(t, r.Close())

	tree, _ = reopen(t, path, cfg)
	rep, err := tree.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Dropped)
	assert.Equal(t, 20, rep.Leaves)
}

func TestRecoverDetectsCorruption(t *testing.T) {
	cases := []struct {
		name    string
		corrupt func(tree *Tree)
	}{
		{
			name: "child outside pool",
			corrupt: func(tree *Tree) {
				root := tree.rootNode().(*node256)
				root.slots[200].Store(uint64(tree.region.BlockRef(tree.region.MaxBlocks() - 1)))
			},
		},
		{
			name: "misaligned child",
			corrupt: func(tree *Tree) {
				root := tree.rootNode().(*node256)
				root.slots[200].Store(root.slots[0].Load() + base.CacheLine)
			},
		},
		{
			name: "type does not match block tag",
			corrupt: func(tree *Tree) {
				root := tree.rootNode().(*node256)
				leaf := tree.leafAt(base.Ref(root.slots[0].Load()))
				require.True(t, tree.isLeaf(base.Ref(root.slots[0].Load())))
				leaf.meta.Store(uint64(base.TypeKey))
			},
		},
		{
			name: "child level not below parent",
			corrupt: func(tree *Tree) {
				root := tree.rootNode().(*node256)
				for b := range root.slots {
					ref := base.Ref(root.slots[b].Load())
					if ref == 0 || tree.isLeaf(ref) {
						continue
					}
					h := tree.node(ref).hdr()
					h.meta.Store(packMeta(h.typ(), 0, h.count(), h.compact(), 0))
					return
				}
				t.Fatal("no inner child under the root")
			},
		},
		{
			name: "leaf filed under the wrong byte",
			corrupt: func(tree *Tree) {
				root := tree.rootNode().(*node256)
				root.slots[201].Store(root.slots[0].Load())
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "tree.pmart")
			cfg := testRegionConfig(8)

			tree, r := openTree(t, path, cfg)
			w, err := tree.NewWorker(0)
			require.NoError(t, err)
			// A leaf directly under root byte 0 and inner nodes elsewhere.
			_, err = w.Insert([]byte{0, 1, 2, 3, 4, 5, 6, 7}, []byte("leaf"))
			require.NoError(t, err)
			for i := 0; i < 200; i++ {
				_, err := w.Insert(key64(uint64(i)<<40|1<<56), val64(uint64(i)))
				require.NoError(t, err)
			}
			w.Close()
			tc.corrupt(tree)
			require.NoError(t, r.Close())

			tree, _ = reopen(t, path, cfg)
			_, err = tree.Recover(context.Background())
			assert.ErrorIs(t, err, base.ErrCorruptedRecovery)
		})
	}
}
