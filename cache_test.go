package zipcache

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/zipcache-go/zipcache/internal/hashing"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	dir := t.TempDir()
	opts := DefaultOptions(filepath.Join(dir, "ssd.bin"), filepath.Join(dir, "lobj.bin"))
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// Scenario: a small value stored under a key is later overwritten by a
// large value; the large-object tier wins and the DRAM entry must not
// resurrect the stale small payload (spec §8).
func TestCache_SmallThenLargeOverride(t *testing.T) {
	c := newTestCache(t)
	key := []byte("k1")

	small := []byte("short")
	if err := c.Put(key, small); err != nil {
		t.Fatalf("Put small: %v", err)
	}

	large := bytes.Repeat([]byte("x"), int(DefaultMediumMax)+512)
	if err := c.Put(key, large); err != nil {
		t.Fatalf("Put large: %v", err)
	}

	got, err := c.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, large) {
		t.Fatalf("got %d bytes, want large override of %d bytes", len(got), len(large))
	}
}

// Scenario: a large value is overwritten by a small one; the large-object
// entry must be invalidated so a later GET can't resurrect it (spec §8).
func TestCache_LargeThenSmallOverride(t *testing.T) {
	c := newTestCache(t)
	key := []byte("k2")

	large := bytes.Repeat([]byte("y"), int(DefaultMediumMax)+512)
	if err := c.Put(key, large); err != nil {
		t.Fatalf("Put large: %v", err)
	}

	small := []byte("tiny")
	if err := c.Put(key, small); err != nil {
		t.Fatalf("Put small: %v", err)
	}

	got, err := c.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, small) {
		t.Fatalf("got %q, want small override %q", got, small)
	}

	if _, ok := c.lobjs.Descriptor(hashing.KeyHash(key)); ok {
		t.Fatalf("stale large-object descriptor was not invalidated")
	}
}

// Scenario: deleting a key removes it from every tier; a later PUT of a
// different, unrelated key must not resurrect the deleted value (the
// DRAM tombstone must not leak across keys) (spec §8).
func TestCache_TombstoneDoesNotLeak(t *testing.T) {
	c := newTestCache(t)
	keyA := []byte("alpha")
	keyB := []byte("beta")

	if err := c.Put(keyA, []byte("value-a")); err != nil {
		t.Fatalf("Put a: %v", err)
	}
	if err := c.Delete(keyA); err != nil {
		t.Fatalf("Delete a: %v", err)
	}

	if _, err := c.Get(keyA); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get deleted key: got err %v, want ErrNotFound", err)
	}

	if err := c.Put(keyB, []byte("value-b")); err != nil {
		t.Fatalf("Put b: %v", err)
	}
	got, err := c.Get(keyB)
	if err != nil {
		t.Fatalf("Get b: %v", err)
	}
	if !bytes.Equal(got, []byte("value-b")) {
		t.Fatalf("got %q, want value-b", got)
	}

	// keyA must still be absent.
	if _, err := c.Get(keyA); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get a after unrelated put: got err %v, want ErrNotFound", err)
	}
}

// Scenario: several PUTs below the per-leaf flush threshold are buffered
// but remain visible to GET in insertion/overwrite order before any
// background flush occurs (spec §8).
func TestCache_BufferedWritesVisibleBeforeFlush(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(filepath.Join(dir, "ssd.bin"), filepath.Join(dir, "lobj.bin")).Ex()
	opts.FlushThreshold = 2
	c, err := NewEx(opts)
	if err != nil {
		t.Fatalf("NewEx: %v", err)
	}
	defer c.Close()

	keys := [][]byte{[]byte("k-a"), []byte("k-b"), []byte("k-c")}
	vals := [][]byte{[]byte("v-a"), []byte("v-b"), []byte("v-c")}

	for i, k := range keys {
		if err := c.Put(k, vals[i]); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}

	for i, k := range keys {
		got, err := c.Get(k)
		if err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
		if !bytes.Equal(got, vals[i]) {
			t.Fatalf("Get %d: got %q want %q", i, got, vals[i])
		}
	}

	// Overwrite k-a before any flush has necessarily happened; the latest
	// value must win.
	if err := c.Put(keys[0], []byte("v-a-2")); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, err := c.Get(keys[0])
	if err != nil {
		t.Fatalf("Get overwrite: %v", err)
	}
	if !bytes.Equal(got, []byte("v-a-2")) {
		t.Fatalf("got %q, want v-a-2", got)
	}
}

// Scenario: corrupting a large object's bytes on disk surfaces as a
// checksum failure on GET, and a subsequent unrelated small PUT+GET
// still succeeds (spec §8).
func TestCache_ChecksumFailureSurfaced(t *testing.T) {
	dir := t.TempDir()
	lobjPath := filepath.Join(dir, "lobj.bin")
	opts := DefaultOptions(filepath.Join(dir, "ssd.bin"), lobjPath)
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	key := []byte("big-key")
	large := bytes.Repeat([]byte("z"), int(DefaultMediumMax)+1024)
	if err := c.Put(key, large); err != nil {
		t.Fatalf("Put large: %v", err)
	}

	f, err := os.OpenFile(lobjPath, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open lobj file: %v", err)
	}
	if _, err := f.WriteAt([]byte{0xFF}, 0); err != nil {
		t.Fatalf("corrupt byte: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := c.Get(key); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Get corrupted key: got err %v, want ErrCorrupt", err)
	}

	otherKey := []byte("small-after-corruption")
	if err := c.Put(otherKey, []byte("ok")); err != nil {
		t.Fatalf("Put after corruption: %v", err)
	}
	got, err := c.Get(otherKey)
	if err != nil {
		t.Fatalf("Get after corruption: %v", err)
	}
	if !bytes.Equal(got, []byte("ok")) {
		t.Fatalf("got %q, want ok", got)
	}
}

func TestCache_SetGetThresholds(t *testing.T) {
	c := newTestCache(t)

	tiny, medium := c.GetThresholds()
	if tiny != DefaultTinyMax || medium != DefaultMediumMax {
		t.Fatalf("got defaults (%d, %d), want (%d, %d)", tiny, medium, DefaultTinyMax, DefaultMediumMax)
	}

	if err := c.SetThresholds(64, 32); !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("SetThresholds(64, 32): got err %v, want ErrInvalidSize", err)
	}

	if err := c.SetThresholds(256, 4096); err != nil {
		t.Fatalf("SetThresholds: %v", err)
	}
	tiny, medium = c.GetThresholds()
	if tiny != 256 || medium != 4096 {
		t.Fatalf("got (%d, %d), want (256, 4096)", tiny, medium)
	}
}

func TestCache_ResetStatsPreservesMemory(t *testing.T) {
	c := newTestCache(t)

	if err := c.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := c.Get([]byte("k")); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := c.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: got %v", err)
	}

	before := c.GetStats()
	if before.PutsTiny == 0 || before.HitsDRAM == 0 || before.Misses == 0 {
		t.Fatalf("expected non-zero counters before reset: %+v", before)
	}

	c.ResetStats()
	after := c.GetStats()
	if after.PutsTiny != 0 || after.HitsDRAM != 0 || after.Misses != 0 {
		t.Fatalf("expected zeroed event counters after reset: %+v", after)
	}
	if after.MemoryUsed != before.MemoryUsed || after.MemoryCapacity != before.MemoryCapacity {
		t.Fatalf("memory accounting should survive reset: before=%+v after=%+v", before, after)
	}
}

func TestCache_ValidateConsistency(t *testing.T) {
	c := newTestCache(t)

	for i := 0; i < 50; i++ {
		k := []byte{byte(i), byte(i >> 8)}
		v := bytes.Repeat([]byte{byte(i)}, 16+i%64)
		if err := c.Put(k, v); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}

	if !c.ValidateConsistency() {
		t.Fatalf("ValidateConsistency: expected all invariants to hold")
	}
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(filepath.Join(dir, "ssd.bin"), filepath.Join(dir, "lobj.bin"))
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if err := c.Put([]byte("k"), []byte("v")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Put after Close: got %v, want ErrClosed", err)
	}
	if _, err := c.Get([]byte("k")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Get after Close: got %v, want ErrClosed", err)
	}
}

func TestCache_RejectsEmptyValue(t *testing.T) {
	c := newTestCache(t)
	if err := c.Put([]byte("k"), nil); !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("Put empty value: got %v, want ErrInvalidSize", err)
	}
}
