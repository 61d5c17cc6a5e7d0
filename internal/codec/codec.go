// Package codec implements the per-leaf compression variants used by the
// compressed DRAM tree: fast (stateless, single-pass) and accel (a
// persistent per-tree "job handle", mutex-serialized to model single-job
// accelerator ownership).
package codec

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Algo selects a codec implementation for a DRAM tree instance.
type Algo int

const (
	// AlgoFast is the general-purpose, stateless, single-pass codec.
	AlgoFast Algo = iota
	// AlgoAccel is the persistent job-handle codec.
	AlgoAccel
	// AlgoAuto probes accel availability at construction time and falls
	// back to fast, per spec §4.C ("may substitute fast").
	AlgoAuto
)

// Codec compresses and decompresses leaf payloads. dst has declared
// capacity; implementations must not write beyond len(dst) and return the
// number of bytes actually produced.
type Codec interface {
	Compress(src []byte, dst []byte) (int, error)
	Decompress(src []byte, dst []byte) (int, error)

	// MaxCompressedSize returns an upper bound on Compress's output size
	// for a payload of srcSize bytes, so callers can size dst.
	MaxCompressedSize(srcSize int) int
}

// New constructs a Codec for the given algorithm. AlgoAuto never fails: it
// silently falls back to AlgoFast if AlgoAccel's job handle can't be
// constructed.
func New(algo Algo) (Codec, error) {
	switch algo {
	case AlgoFast:
		return newFastCodec(), nil
	case AlgoAccel:
		return newAccelCodec()
	case AlgoAuto:
		c, err := newAccelCodec()
		if err != nil {
			return newFastCodec(), nil
		}
		return c, nil
	default:
		return nil, fmt.Errorf("codec: unknown algo %d", algo)
	}
}

// fastCodec is the stateless s2 (an extended, faster variant of Snappy)
// codec. s2 has no persistent per-call state, matching spec's "general
// purpose single-pass" description.
type fastCodec struct{}

func newFastCodec() *fastCodec { return &fastCodec{} }

func (c *fastCodec) Compress(src, dst []byte) (int, error) {
	out := s2.Encode(make([]byte, 0, len(dst)), src)
	if len(out) > len(dst) {
		return 0, fmt.Errorf("codec: fast compress overflowed dst (%d > %d)", len(out), len(dst))
	}
	return copy(dst, out), nil
}

func (c *fastCodec) Decompress(src, dst []byte) (int, error) {
	out, err := s2.Decode(make([]byte, 0, len(dst)), src)
	if err != nil {
		return 0, fmt.Errorf("codec: fast decompress: %w", err)
	}
	if len(out) > len(dst) {
		return 0, fmt.Errorf("codec: fast decompress overflowed dst (%d > %d)", len(out), len(dst))
	}
	return copy(dst, out), nil
}

func (c *fastCodec) MaxCompressedSize(srcSize int) int {
	return s2.MaxEncodedLen(srcSize)
}

// accelCodec holds a persistent zstd encoder/decoder pair, reused across
// calls the way a hardware accelerator reuses a prepared job context.
// Calls are serialized: the encoder/decoder are not safe for concurrent
// use and a real accelerator job handle models exactly that — one
// in-flight job per handle.
type accelCodec struct {
	mu  sync.Mutex
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newAccelCodec() (*accelCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("codec: accel encoder init: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("codec: accel decoder init: %w", err)
	}

	return &accelCodec{enc: enc, dec: dec}, nil
}

func (c *accelCodec) Compress(src, dst []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.enc.EncodeAll(src, dst[:0:len(dst)])
	if len(out) > len(dst) {
		return 0, fmt.Errorf("codec: accel compress overflowed dst (%d > %d)", len(out), len(dst))
	}
	return len(out), nil
}

func (c *accelCodec) Decompress(src, dst []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out, err := c.dec.DecodeAll(src, dst[:0:len(dst)])
	if err != nil {
		return 0, fmt.Errorf("codec: accel decompress: %w", err)
	}
	if len(out) > len(dst) {
		return 0, fmt.Errorf("codec: accel decompress overflowed dst (%d > %d)", len(out), len(dst))
	}
	return len(out), nil
}

func (c *accelCodec) MaxCompressedSize(srcSize int) int {
	// zstd frames carry more header overhead than s2; 64 bytes is generous
	// headroom for the small leaf-sized payloads this codec compresses.
	return srcSize + 64
}

// Close releases the accel codec's persistent job handle. Fast has no
// state to release.
func (c *accelCodec) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.enc.Close()
	c.dec.Close()
	return nil
}
