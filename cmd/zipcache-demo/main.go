// zipcache-demo drives a ZipCache instance from the command line: it
// loads a config file (optionally), runs a batch of PUT/GET/DELETE
// operations generated from flags, and prints the resulting stats.
//
// Usage:
//
//	zipcache-demo [flags]
//
// Flags:
//
//	--config string       HuJSON config file (see zipcache.LoadConfigFile)
//	--ssd-path string      SSD block-device file (default "zipcache.ssd")
//	--lobj-path string     Large-object store file (default "zipcache.lobj")
//	--dram-mb int          DRAM tier capacity in MiB (default 4)
//	--count int            Number of synthetic keys to put (default 1000)
//	--value-size int       Value size in bytes for synthetic puts (default 64)
//	--stats-out string     Path to write a JSON stats snapshot (optional)
package main

import (
	"errors"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/zipcache-go/zipcache"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("zipcache-demo", flag.ContinueOnError)

	configPath := fs.String("config", "", "HuJSON config file")
	ssdPath := fs.String("ssd-path", "zipcache.ssd", "SSD block-device file")
	lobjPath := fs.String("lobj-path", "zipcache.lobj", "large-object store file")
	dramMB := fs.Int("dram-mb", 4, "DRAM tier capacity in MiB")
	count := fs.Int("count", 1000, "number of synthetic keys to put")
	valueSize := fs.Int("value-size", 64, "value size in bytes for synthetic puts")
	statsOut := fs.String("stats-out", "", "path to write a JSON stats snapshot")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	opts, err := resolveOptions(*configPath, *ssdPath, *lobjPath, *dramMB)
	if err != nil {
		return err
	}

	cache, err := zipcache.New(opts)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer cache.Close()

	if err := runBatch(cache, *count, *valueSize); err != nil {
		return fmt.Errorf("running batch: %w", err)
	}

	printStats(cache)

	if *statsOut != "" {
		if err := cache.ExportStats(*statsOut); err != nil {
			return fmt.Errorf("exporting stats: %w", err)
		}
		fmt.Printf("stats written to %s\n", *statsOut)
	}

	return nil
}

func resolveOptions(configPath, ssdPath, lobjPath string, dramMB int) (zipcache.Options, error) {
	if configPath == "" {
		opts := zipcache.DefaultOptions(ssdPath, lobjPath)
		opts.DRAMCapacityBytes = int64(dramMB) << 20
		return opts, nil
	}

	fc, err := zipcache.LoadConfigFile(configPath)
	if err != nil {
		return zipcache.Options{}, fmt.Errorf("loading %s: %w", configPath, err)
	}

	ex, err := fc.ToOptionsEx()
	if err != nil {
		return zipcache.Options{}, err
	}
	return ex.Options, nil
}

func runBatch(cache *zipcache.Cache, count, valueSize int) error {
	if count <= 0 {
		return errors.New("--count must be positive")
	}
	if valueSize <= 0 {
		return errors.New("--value-size must be positive")
	}

	value := make([]byte, valueSize)
	for i := range value {
		value[i] = byte(i)
	}

	for i := 0; i < count; i++ {
		key := []byte(fmt.Sprintf("demo-key-%d", i))
		if err := cache.Put(key, value); err != nil {
			return fmt.Errorf("put %d: %w", i, err)
		}
	}

	hits, misses := 0, 0
	for i := 0; i < count; i++ {
		key := []byte(fmt.Sprintf("demo-key-%d", i))
		if _, err := cache.Get(key); err != nil {
			if errors.Is(err, zipcache.ErrNotFound) {
				misses++
				continue
			}
			return fmt.Errorf("get %d: %w", i, err)
		}
		hits++
	}

	fmt.Printf("batch complete: %d puts, %d hits, %d misses\n", count, hits, misses)
	return nil
}

func printStats(cache *zipcache.Cache) {
	s := cache.GetStats()
	cs := cache.ClassStats()

	fmt.Println("Stats:")
	fmt.Printf("  hits_dram=%d hits_lo=%d hits_ssd=%d misses=%d\n", s.HitsDRAM, s.HitsLO, s.HitsSSD, s.Misses)
	fmt.Printf("  puts_tiny=%d puts_medium=%d puts_large=%d\n", s.PutsTiny, s.PutsMedium, s.PutsLarge)
	fmt.Printf("  evictions=%d promotions=%d tombstones=%d\n", s.Evictions, s.Promotions, s.Tombstones)
	fmt.Printf("  memory_used=%d memory_capacity=%d\n", s.MemoryUsed, s.MemoryCapacity)
	fmt.Printf("  class breakdown: tiny=%+v medium=%+v large=%+v\n", cs.Tiny, cs.Medium, cs.Large)

	if !cache.ValidateConsistency() {
		fmt.Println("warning: validate_consistency found a broken invariant")
	}
}
