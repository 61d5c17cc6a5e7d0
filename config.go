package zipcache

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"

	"github.com/zipcache-go/zipcache/internal/codec"
)

// FileConfig is the on-disk shape LoadConfigFile populates, mirroring
// OptionsEx's fields in snake_case the way the teacher's own config.go
// names its JSON fields.
type FileConfig struct {
	DRAMCapacityBytes int64  `json:"dram_capacity_bytes"`
	SSDPath           string `json:"ssd_path"`
	SSDTotalBlocks    uint32 `json:"ssd_total_blocks"`
	LargeObjectPath   string `json:"large_object_path"`
	TinyMax           uint32 `json:"tiny_max,omitempty"`
	MediumMax         uint32 `json:"medium_max,omitempty"`
	Algo              string `json:"algo,omitempty"` // "fast", "accel", or "auto"
}

// LoadConfigFile reads a HuJSON (JSON-with-comments) config file at path
// and decodes it into a FileConfig, the way the teacher's own config.go
// loads `.tk.json` via the same library.
func LoadConfigFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("%w: %v", ErrIOError, err)
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return FileConfig{}, fmt.Errorf("%w: parsing %s: %v", ErrIncompatible, path, err)
	}

	var fc FileConfig
	if err := json.Unmarshal(standardized, &fc); err != nil {
		return FileConfig{}, fmt.Errorf("%w: decoding %s: %v", ErrIncompatible, path, err)
	}
	return fc, nil
}

// ToOptionsEx upgrades a loaded FileConfig into an OptionsEx, applying
// spec §6 defaults for any threshold left at its zero value.
func (fc FileConfig) ToOptionsEx() (OptionsEx, error) {
	opts := Options{
		DRAMCapacityBytes: fc.DRAMCapacityBytes,
		SSDPath:           fc.SSDPath,
		SSDTotalBlocks:    fc.SSDTotalBlocks,
		LargeObjectPath:   fc.LargeObjectPath,
	}.Ex()

	if fc.TinyMax != 0 {
		opts.TinyMax = fc.TinyMax
	}
	if fc.MediumMax != 0 {
		opts.MediumMax = fc.MediumMax
	}
	if err := validateThresholds(opts.TinyMax, opts.MediumMax); err != nil {
		return OptionsEx{}, err
	}

	switch fc.Algo {
	case "accel":
		opts.Algo = codec.AlgoAccel
	case "fast":
		opts.Algo = codec.AlgoFast
	case "auto":
		opts.Algo = codec.AlgoAuto
	}

	return opts, nil
}
