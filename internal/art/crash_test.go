package art

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/pmart/internal/region"
)

// crashCase is a structural change run against a tree holding setup minus
// drop. After a crash at any flush, the tree must hold either before or
// after.
type crashCase struct {
	name   string
	setup  [][]byte
	drop   [][]byte
	op     func(w *Worker) error
	before [][]byte
	after  [][]byte
}

func insertOp(k []byte) func(w *Worker) error {
	return func(w *Worker) error {
		_, err := w.Insert(k, k)
		return err
	}
}

func removeOp(k []byte) func(w *Worker) error {
	return func(w *Worker) error {
		_, err := w.Remove(k)
		return err
	}
}

func fanKeys(ids ...int) [][]byte {
	out := make([][]byte, len(ids))
	for i, id := range ids {
		out[i] = fanKey(id)
	}
	return out
}

func TestCrashConsistency(t *testing.T) {
	prefixKey := []byte{0, 0, 0, 5, 0, 0, 0, 0}

	cases := []crashCase{
		{
			name:   "leaf split",
			setup:  fanKeys(1),
			op:     insertOp(fanKey(2)),
			before: fanKeys(1),
			after:  fanKeys(1, 2),
		},
		{
			name:   "grow node4",
			setup:  fanKeys(1, 2, 3, 4),
			op:     insertOp(fanKey(5)),
			before: fanKeys(1, 2, 3, 4),
			after:  fanKeys(1, 2, 3, 4, 5),
		},
		{
			name:   "grow node16",
			setup:  fanKeys(1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16),
			op:     insertOp(fanKey(17)),
			before: fanKeys(1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16),
			after:  fanKeys(1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17),
		},
		{
			name:   "prefix split",
			setup:  fanKeys(1, 2),
			op:     insertOp(prefixKey),
			before: fanKeys(1, 2),
			after:  append(fanKeys(1, 2), prefixKey),
		},
		{
			name:   "collapse",
			setup:  fanKeys(1, 2),
			op:     removeOp(fanKey(2)),
			before: fanKeys(1, 2),
			after:  fanKeys(1),
		},
		{
			name:   "shrink node16",
			setup:  fanKeys(1, 2, 3, 4, 5),
			drop:   fanKeys(4, 5),
			op:     removeOp(fanKey(3)),
			before: fanKeys(1, 2, 3),
			after:  fanKeys(1, 2),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runCrashCase(t, tc)
		})
	}
}

func runCrashCase(t *testing.T, tc crashCase) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tree.pmart")
	cfg := testRegionConfig(8)
	cfg.MaxBlocks = 32

	tree, r := openTree(t, path, cfg)
	w, err := tree.NewWorker(0)
	require.NoError(t, err)
	for _, k := range tc.setup {
		_, err := w.Insert(k, k)
		require.NoError(t, err)
	}
	for _, k := range tc.drop {
		removed, err := w.Remove(k)
		require.NoError(t, err)
		require.True(t, removed)
	}
	w.Close()
	require.NoError(t, r.Close())

	image, err := os.ReadFile(path)
	require.NoError(t, err)

	// Reopen with every durable write recorded, then run the operation.
	rec := &recordingFlusher{}
	recCfg := cfg
	recCfg.Flusher = rec
	tree, r = openTree(t, path, recCfg)
	w, err = tree.NewWorker(0)
	require.NoError(t, err)
	require.NoError(t, tc.op(w))
	w.Close()
	require.NoError(t, r.Close())

	sawBefore, sawAfter := false, false
	for k := 0; k <= len(rec.events); k++ {
		crashed := append([]byte(nil), image...)
		for _, ev := range rec.events[:k] {
			copy(crashed[ev.off:], ev.data)
		}
		crashPath := filepath.Join(dir, "crash.pmart")
		require.NoError(t, os.WriteFile(crashPath, crashed, 0600))

		keys := recoverKeys(t, crashPath, cfg)
		switch {
		case assert.ObjectsAreEqual(sortedCopy(tc.before), keys):
			sawBefore = true
		case assert.ObjectsAreEqual(sortedCopy(tc.after), keys):
			sawAfter = true
		default:
			t.Fatalf("crash after %d of %d flushes: keys %x", k, len(rec.events), keys)
		}
	}
	assert.True(t, sawBefore)
	assert.True(t, sawAfter)
}

// recoverKeys opens a crashed image, recovers it and returns its keys in
// scan order, checking that each can also be found.
func recoverKeys(t *testing.T, path string, cfg region.Config) [][]byte {
	t.Helper()
	r, _, err := region.Open(path, cfg)
	require.NoError(t, err)
	defer r.Close()

	tree, err := New(r, DefaultConfig())
	require.NoError(t, err)
	rep, err := tree.Recover(context.Background())
	require.NoError(t, err)
	require.LessOrEqual(t, rep.Committed+rep.RolledBack, 1)

	w, err := tree.NewWorker(0)
	require.NoError(t, err)
	defer w.Close()

	keys := scanAll(t, w, make([]byte, 8), 100)
	for _, k := range keys {
		mustFind(t, w, k, k)
	}
	return keys
}

func sortedCopy(keys [][]byte) [][]byte {
	out := slices.Clone(keys)
	slices.SortFunc(out, bytes.Compare)
	return out
}
