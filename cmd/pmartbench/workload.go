package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

type op int

const (
	opFind op = iota
	opInsert
	opUpdate
	opRemove
	opScan
	numOps
)

var opNames = [numOps]string{"find", "insert", "update", "remove", "scan"}

func (o op) String() string {
	return opNames[o]
}

// mix holds the cumulative percentage bound of each op.
type mix [numOps]int

// parseMix parses "find=50,insert=50". Percentages must add up to 100.
func parseMix(s string) (mix, error) {
	var pct [numOps]int
	for _, part := range strings.Split(s, ",") {
		name, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return mix{}, fmt.Errorf("mix entry %q: want name=percent", part)
		}
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 {
			return mix{}, fmt.Errorf("mix entry %q: bad percent", part)
		}
		found := false
		for o, on := range opNames {
			if on == name {
				pct[o] = n
				found = true
			}
		}
		if !found {
			return mix{}, fmt.Errorf("mix entry %q: unknown op", part)
		}
	}

	var m mix
	total := 0
	for o := range pct {
		total += pct[o]
		m[o] = total
	}
	if total != 100 {
		return mix{}, fmt.Errorf("mix adds up to %d, want 100", total)
	}
	return m, nil
}

// pick maps r in [0, 100) to an op.
func (m mix) pick(r int) op {
	for o := range m {
		if r < m[o] {
			return op(o)
		}
	}
	return numOps - 1
}

type result struct {
	ops       [numOps]atomic.Uint64
	hits      [numOps]atomic.Uint64
	conflicts atomic.Uint64
	elapsed   time.Duration
}

func (r *result) print(w io.Writer) {
	var total uint64
	for o := range r.ops {
		total += r.ops[o].Load()
	}
	secs := r.elapsed.Seconds()
	fmt.Fprintf(w, "%d ops in %v, %.0f ops/s, %d conflicts\n", total, r.elapsed, float64(total)/secs, r.conflicts.Load())
	for o := range r.ops {
		n := r.ops[o].Load()
		if n == 0 {
			continue
		}
		fmt.Fprintf(w, "  %-7s %10d  hit %5.1f%%  %.0f ops/s\n",
			op(o), n, 100*float64(r.hits[o].Load())/float64(n), float64(n)/secs)
	}
}
