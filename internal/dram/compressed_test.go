package dram

import "testing"

func TestCompressedTree_PutGetRoundTrip(t *testing.T) {
	tr, err := NewCompressedTree(DefaultConfig())
	if err != nil {
		t.Fatalf("NewCompressedTree: %v", err)
	}
	defer tr.Close()

	for i := uint32(0); i < 100; i++ {
		if err := tr.Put(i, uint64(i)*3); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}

	for i := uint32(0); i < 100; i++ {
		got, ok := tr.Get(i)
		if !ok {
			t.Fatalf("Get(%d): want present", i)
		}
		if want := uint64(i) * 3; got != want {
			t.Fatalf("Get(%d)=%d, want=%d", i, got, want)
		}
	}
}

func TestCompressedTree_DeleteRemovesKey(t *testing.T) {
	tr, err := NewCompressedTree(DefaultConfig())
	if err != nil {
		t.Fatalf("NewCompressedTree: %v", err)
	}
	defer tr.Close()

	if err := tr.Put(1, 42); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tr.Delete(1); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, ok := tr.Get(1); ok {
		t.Fatalf("Get(1) after Delete: want absent")
	}
}

func TestCompressedTree_BufferedFlushPreservesOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FlushThreshold = 2

	tr, err := NewCompressedTree(cfg)
	if err != nil {
		t.Fatalf("NewCompressedTree: %v", err)
	}
	defer tr.Close()

	if err := tr.Put(10, 1); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tr.Put(10, 2); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Force a synchronous flush regardless of whether the background
	// flusher already drained the queued work.
	tr.mu.Lock()
	leaf := tr.base.FindLeafForKey(10)
	err = tr.flushBufferLocked(leaf)
	tr.mu.Unlock()
	if err != nil {
		t.Fatalf("flushBufferLocked: %v", err)
	}

	got, ok := tr.Get(10)
	if !ok || got != 2 {
		t.Fatalf("Get(10)=%d,%v, want=2,true", got, ok)
	}
}

func TestCompressedTree_BufferOverflowFallsThroughToDirectPut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FlushThreshold = MaxBufferEntries // background flush queued only once the buffer is full

	tr, err := NewCompressedTree(cfg)
	if err != nil {
		t.Fatalf("NewCompressedTree: %v", err)
	}
	defer tr.Close()

	for i := uint32(0); i < MaxBufferEntries+5; i++ {
		if err := tr.Put(i, uint64(i)); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}

	for i := uint32(0); i < MaxBufferEntries+5; i++ {
		got, ok := tr.Get(i)
		if !ok || got != uint64(i) {
			t.Fatalf("Get(%d)=%d,%v, want=%d,true", i, got, ok, i)
		}
	}
}

func TestCompressedTree_StatsTracksCompressedBytes(t *testing.T) {
	tr, err := NewCompressedTree(DefaultConfig())
	if err != nil {
		t.Fatalf("NewCompressedTree: %v", err)
	}
	defer tr.Close()

	for i := uint32(0); i < 20; i++ {
		if err := tr.Put(i, uint64(i)); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}

	// 20 writes stay below the flush threshold, so they sit in the leaf's
	// buffer; flush it synchronously so the leaf is compressed.
	tr.mu.Lock()
	err = tr.flushBufferLocked(tr.base.FindLeafForKey(0))
	tr.mu.Unlock()
	if err != nil {
		t.Fatalf("flushBufferLocked: %v", err)
	}

	compressed, uncompressed := tr.Stats()
	if compressed == 0 && uncompressed == 0 {
		t.Fatalf("Stats(): want non-zero byte counts after writes")
	}
}
