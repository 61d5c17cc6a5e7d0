package codec

import (
	"bytes"
	"testing"
)

func testRoundTrip(t *testing.T, algo Algo) {
	t.Helper()

	c, err := New(algo)
	if err != nil {
		t.Fatalf("New(%v) unexpected error: %v", algo, err)
	}

	payload := bytes.Repeat([]byte("zipcache-leaf-payload-"), 64)

	dst := make([]byte, c.MaxCompressedSize(len(payload)))
	n, err := c.Compress(payload, dst)
	if err != nil {
		t.Fatalf("Compress() unexpected error: %v", err)
	}

	out := make([]byte, len(payload))
	dn, err := c.Decompress(dst[:n], out)
	if err != nil {
		t.Fatalf("Decompress() unexpected error: %v", err)
	}

	if got, want := dn, len(payload); got != want {
		t.Fatalf("Decompress() n=%d, want=%d", got, want)
	}

	if !bytes.Equal(out[:dn], payload) {
		t.Fatalf("Decompress() output does not match original payload")
	}
}

func TestFastCodec_RoundTrips(t *testing.T) {
	testRoundTrip(t, AlgoFast)
}

func TestAccelCodec_RoundTrips(t *testing.T) {
	testRoundTrip(t, AlgoAccel)
}

func TestAutoCodec_RoundTrips(t *testing.T) {
	testRoundTrip(t, AlgoAuto)
}

func TestAccelCodec_SerializesConcurrentCalls(t *testing.T) {
	c, err := New(AlgoAccel)
	if err != nil {
		t.Fatalf("New(AlgoAccel) unexpected error: %v", err)
	}

	payload := bytes.Repeat([]byte("concurrent-job-handle-"), 32)
	dst := make([]byte, c.MaxCompressedSize(len(payload)))

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			buf := make([]byte, len(dst))
			_, err := c.Compress(payload, buf)
			done <- err
		}()
	}

	for i := 0; i < 8; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent Compress() unexpected error: %v", err)
		}
	}
}

func TestNew_UnknownAlgo(t *testing.T) {
	if _, err := New(Algo(99)); err == nil {
		t.Fatalf("New(unknown) want error, got nil")
	}
}
