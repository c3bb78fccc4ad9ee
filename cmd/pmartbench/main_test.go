package main

import (
	"bytes"
	"context"
	"flag"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/pmart"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestParseMix(t *testing.T) {
	m, err := parseMix("find=50, insert=30,scan=20")
	require.NoError(t, err)
	assert.Equal(t, opFind, m.pick(0))
	assert.Equal(t, opFind, m.pick(49))
	assert.Equal(t, opInsert, m.pick(50))
	assert.Equal(t, opScan, m.pick(80))
	assert.Equal(t, opScan, m.pick(99))

	for _, bad := range []string{"find=50", "find=50,jump=50", "find", "find=-1,insert=101"} {
		_, err := parseMix(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig(flag.NewFlagSet("test", flag.ContinueOnError),
		[]string{"-workers", "2", "-key-size", "16"},
		env(map[string]string{"PMART_BULKLOAD": "1000", "PMART_FILL": "0.25"}))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.workers)
	assert.EqualValues(t, 1000, cfg.bulk)
	assert.EqualValues(t, 4, cfg.stride)
	assert.EqualValues(t, 4000, cfg.keySpace())

	key := make([]byte, cfg.keySize)
	cfg.encodeKey(key, 0x0102)
	assert.Equal(t, append(make([]byte, 14), 0x01, 0x02), key)

	_, err = parseConfig(flag.NewFlagSet("test", flag.ContinueOnError), nil,
		env(map[string]string{"PMART_FILL": "1.5"}))
	assert.Error(t, err)
	_, err = parseConfig(flag.NewFlagSet("test", flag.ContinueOnError), nil,
		env(map[string]string{"PMART_BULKLOAD": "many"}))
	assert.Error(t, err)
	_, err = parseConfig(flag.NewFlagSet("test", flag.ContinueOnError),
		[]string{"-key-size", "4"}, env(nil))
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	cfg, err := parseConfig(flag.NewFlagSet("test", flag.ContinueOnError), []string{
		"-path", filepath.Join(t.TempDir(), "bench.pmart"),
		"-workers", "3",
		"-ops", "2000",
		"-max-blocks", "64",
		"-durability", "none",
	}, env(map[string]string{"PMART_BULKLOAD": "5000", "PMART_FILL": "0.5"}))
	require.NoError(t, err)
	require.NoError(t, run(context.Background(), cfg))
}

func TestRunAdoptsPersistedKeySize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.pmart")
	args := func(extra ...string) []string {
		return append([]string{"-path", path, "-workers", "2", "-max-blocks", "64", "-durability", "none"}, extra...)
	}

	cfg, err := parseConfig(flag.NewFlagSet("test", flag.ContinueOnError),
		args("-key-size", "16", "-ops", "0"), env(map[string]string{"PMART_BULKLOAD": "200"}))
	require.NoError(t, err)
	require.NoError(t, run(context.Background(), cfg))

	cfg, err = parseConfig(flag.NewFlagSet("test", flag.ContinueOnError),
		args("-keep", "-key-size", "8", "-ops", "500"), env(nil))
	require.NoError(t, err)
	require.NoError(t, run(context.Background(), cfg))

	tree, err := pmart.Open(path)
	require.NoError(t, err)
	defer tree.Close()
	assert.Equal(t, 16, tree.KeySize())
}

func TestRunDeleteBulk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.pmart")
	cfg, err := parseConfig(flag.NewFlagSet("test", flag.ContinueOnError),
		[]string{"-path", path, "-workers", "1", "-ops", "0", "-max-blocks", "64", "-durability", "none"},
		env(map[string]string{"PMART_BULKLOAD": "300", "PMART_DELETEBULK": "1"}))
	require.NoError(t, err)
	assert.True(t, cfg.deleteBulk)
	require.NoError(t, run(context.Background(), cfg))

	tree, err := pmart.Open(path)
	require.NoError(t, err)
	defer tree.Close()
	w, err := tree.NewWorker(0)
	require.NoError(t, err)
	defer w.Close()
	entries, err := w.Scan(make([]byte, 8), 1000)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestResultPrint(t *testing.T) {
	var r result
	r.ops[opFind].Add(4)
	r.hits[opFind].Add(1)
	r.elapsed = 1e9

	var buf bytes.Buffer
	r.print(&buf)
	assert.Contains(t, buf.String(), "4 ops")
	assert.Contains(t, buf.String(), "find")
	assert.Contains(t, buf.String(), "hit  25.0%")
	assert.NotContains(t, buf.String(), "insert")
}
