package zipcache

import (
	"bytes"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// This file mirrors the teacher's pkg/slotcache state-model property
// tests: a deliberately-simple in-memory model of the externally
// observable PUT/GET/DELETE contract (spec §8 property 1 — "the final
// GET returns the value of the most recent successful PUT... or
// NOT_FOUND if the most recent operation was DELETE") is driven with
// identical operations alongside the real Cache, and the two are
// compared at the end of each seed's run.

// refModel is the reference implementation of spec §8 property 1: a
// flat map from key to last-written value, with deletes removing the
// key entirely. It intentionally ignores tier routing, tombstones, and
// compression — those are implementation details the property doesn't
// care about.
type refModel struct {
	entries map[string][]byte
}

func newRefModel() *refModel {
	return &refModel{entries: make(map[string][]byte)}
}

func (m *refModel) put(key, value []byte) {
	m.entries[string(key)] = append([]byte(nil), value...)
}

func (m *refModel) delete(key []byte) {
	delete(m.entries, string(key))
}

func (m *refModel) get(key []byte) ([]byte, bool) {
	v, ok := m.entries[string(key)]
	return v, ok
}

// snapshot renders the model as a sorted-by-insertion-irrelevant map
// suitable for cmp.Diff against a same-shaped snapshot pulled from the
// real cache.
func (m *refModel) snapshot(keys [][]byte) map[string][]byte {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := m.entries[string(k)]; ok {
			out[string(k)] = v
		}
	}
	return out
}

func cacheSnapshot(t *testing.T, c *Cache, keys [][]byte) map[string][]byte {
	t.Helper()
	out := make(map[string][]byte)
	for _, k := range keys {
		v, err := c.Get(k)
		if err == nil {
			out[string(k)] = v
		} else if err != ErrNotFound {
			t.Fatalf("Get(%q): unexpected error %v", k, err)
		}
	}
	return out
}

// Test_Cache_Matches_Model_Property runs a long, deterministic sequence
// of PUT/DELETE operations over a small key universe against both the
// real Cache and refModel, comparing their observable state once each
// seed's sequence has run. Value sizes span all three size classes so tier routing,
// invalidation, and tombstoning are all exercised by the same sequence.
func Test_Cache_Matches_Model_Property(t *testing.T) {
	seedCount := 20
	opsPerSeed := 150

	universe := make([][]byte, 12)
	for i := range universe {
		universe[i] = []byte(fmt.Sprintf("model-key-%02d", i))
	}

	for seedIdx := 0; seedIdx < seedCount; seedIdx++ {
		seed := int64(seedIdx + 1)
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))

			dir := t.TempDir()
			opts := DefaultOptions(filepath.Join(dir, "ssd.bin"), filepath.Join(dir, "lobj.bin")).Ex()
			opts.FlushThreshold = 3
			c, err := NewEx(opts)
			require.NoError(t, err)
			t.Cleanup(func() { _ = c.Close() })

			model := newRefModel()

			for op := 0; op < opsPerSeed; op++ {
				key := universe[rng.Intn(len(universe))]

				if rng.Intn(5) == 0 {
					model.delete(key)
					_ = c.Delete(key)
					continue
				}

				value := randValueForClass(rng, DefaultTinyMax, DefaultMediumMax)
				model.put(key, value)
				require.NoError(t, c.Put(key, value), "Put(%q, %d bytes)", key, len(value))
			}

			want := model.snapshot(universe)
			got := cacheSnapshot(t, c, universe)

			if diff := cmp.Diff(want, got, cmp.Comparer(bytes.Equal)); diff != "" {
				t.Fatalf("cache state diverged from model (seed=%d):\n%s", seed, diff)
			}
		})
	}
}

// randValueForClass produces a value whose length lands in one of the
// three size classes, chosen uniformly, so the model sequence exercises
// DRAM, large-object, and cross-class override paths evenly.
func randValueForClass(rng *rand.Rand, tinyMax, mediumMax uint32) []byte {
	var n int
	switch rng.Intn(3) {
	case 0:
		n = 1 + rng.Intn(int(tinyMax))
	case 1:
		n = int(tinyMax) + 1 + rng.Intn(int(mediumMax-tinyMax))
	default:
		n = int(mediumMax) + 1 + rng.Intn(2048)
	}
	v := make([]byte, n)
	rng.Read(v)
	return v
}
