package zipcache

import (
	"fmt"

	"github.com/zipcache-go/zipcache/internal/codec"
	"github.com/zipcache-go/zipcache/internal/dram"
)

// Default thresholds and sizing (spec §6 "Configuration").
const (
	DefaultTinyMax   = 128
	DefaultMediumMax = 2048

	// DefaultSubPages is the DRAM-tree default sub-page count (spec §6).
	DefaultSubPages = 16
	// DefaultSSDSubPages is the SSD super-leaf's fixed sub-page count
	// (spec §3/§6: N=16, 64 KiB logical capacity).
	DefaultSSDSubPages = 16
)

// Options mirrors spec §6's init(dram_mb, ssd_path) contract.
type Options struct {
	// DRAMCapacityBytes bounds the eviction engine's memory_capacity
	// accounting (spec §4.M).
	DRAMCapacityBytes int64
	// SSDPath is the backing file for the SSD tier's super-leaves.
	SSDPath string
	// SSDTotalBlocks sizes the block device file and allocator bitmap
	// (spec §4.B). Each block is blockalloc.BlockSize (4 KiB).
	SSDTotalBlocks uint32
	// LargeObjectPath is the append-only storage file for large objects
	// (spec §5: "implementations should keep the two on separate files").
	LargeObjectPath string
}

// OptionsEx mirrors spec §6's init_ex(dram_mb, ssd_path, tiny_max,
// medium_max) contract: Options plus explicit classification thresholds
// and DRAM-tree codec selection.
type OptionsEx struct {
	Options

	TinyMax   uint32
	MediumMax uint32

	// Algo selects the DRAM tree's compression codec (spec §4.C).
	// Defaults to codec.AlgoFast if unset (the zero value).
	Algo codec.Algo

	// FlushThreshold overrides the DRAM tree's per-leaf write-buffer flush
	// threshold (spec §6 default: MAX_BUFFER_ENTRIES - 4). Zero means "use
	// the default".
	FlushThreshold int
}

// DefaultOptions returns Options sized for a small SSD file, suitable for
// tests and the example drivers.
func DefaultOptions(ssdPath, lobjPath string) Options {
	return Options{
		DRAMCapacityBytes: 4 << 20, // 4 MiB
		SSDPath:           ssdPath,
		SSDTotalBlocks:    1024, // 4 MiB of SSD-tier storage
		LargeObjectPath:   lobjPath,
	}
}

// Ex upgrades o to an OptionsEx with spec §6's default thresholds.
func (o Options) Ex() OptionsEx {
	return OptionsEx{
		Options:        o,
		TinyMax:        DefaultTinyMax,
		MediumMax:      DefaultMediumMax,
		Algo:           codec.AlgoFast,
		FlushThreshold: dram.DefaultFlushThreshold,
	}
}

// validateThresholds enforces spec §4.L's "0 < tiny_max < medium_max < ∞".
func validateThresholds(tinyMax, mediumMax uint32) error {
	if tinyMax == 0 || mediumMax == 0 || tinyMax >= mediumMax {
		return fmt.Errorf("%w: tiny_max=%d medium_max=%d must satisfy 0 < tiny_max < medium_max", ErrInvalidSize, tinyMax, mediumMax)
	}
	return nil
}
