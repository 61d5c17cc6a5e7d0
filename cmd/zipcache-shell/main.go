// zipcache-shell is an interactive REPL over a ZipCache instance.
//
// Usage:
//
//	zipcache-shell [--ssd-path path] [--lobj-path path] [--dram-mb n]
//
// Commands:
//
//	put <key> <value>   Insert or overwrite a key
//	get <key>           Retrieve a key
//	del <key>           Delete a key
//	stats               Show accounting counters
//	validate            Run validate_consistency
//	help                Show this help
//	exit / quit / q     Exit
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
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
	fs := flag.NewFlagSet("zipcache-shell", flag.ContinueOnError)
	ssdPath := fs.String("ssd-path", "zipcache.ssd", "SSD block-device file")
	lobjPath := fs.String("lobj-path", "zipcache.lobj", "large-object store file")
	dramMB := fs.Int("dram-mb", 4, "DRAM tier capacity in MiB")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	opts := zipcache.DefaultOptions(*ssdPath, *lobjPath)
	opts.DRAMCapacityBytes = int64(*dramMB) << 20

	cache, err := zipcache.New(opts)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer cache.Close()

	repl := &repl{cache: cache}
	return repl.run()
}

type repl struct {
	cache *zipcache.Cache
	liner *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".zipcache_shell_history")
}

func (r *repl) run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Println("zipcache-shell - interactive ZipCache REPL")
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("zipcache> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")
				break
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			r.saveHistory()
			return nil
		case "help", "?":
			r.printHelp()
		case "put":
			r.cmdPut(args)
		case "get":
			r.cmdGet(args)
		case "del", "delete":
			r.cmdDelete(args)
		case "stats":
			r.cmdStats()
		case "validate":
			r.cmdValidate()
		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()
	return nil
}

func (r *repl) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *repl) completer(line string) []string {
	commands := []string{"put", "get", "del", "delete", "stats", "validate", "help", "exit", "quit", "q"}
	var completions []string
	lower := strings.ToLower(line)
	for _, c := range commands {
		if strings.HasPrefix(c, lower) {
			completions = append(completions, c)
		}
	}
	return completions
}

func (r *repl) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  put <key> <value>   Insert or overwrite a key")
	fmt.Println("  get <key>           Retrieve a key")
	fmt.Println("  del <key>           Delete a key")
	fmt.Println("  stats               Show accounting counters")
	fmt.Println("  validate            Run validate_consistency")
	fmt.Println("  help                Show this help")
	fmt.Println("  exit / quit / q     Exit")
}

func (r *repl) cmdPut(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: put <key> <value>")
		return
	}
	if err := r.cache.Put([]byte(args[0]), []byte(strings.Join(args[1:], " "))); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("OK: put %q\n", args[0])
}

func (r *repl) cmdGet(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: get <key>")
		return
	}
	value, err := r.cache.Get([]byte(args[0]))
	if err != nil {
		if errors.Is(err, zipcache.ErrNotFound) {
			fmt.Println("(not found)")
			return
		}
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("%s\n", value)
}

func (r *repl) cmdDelete(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: del <key>")
		return
	}
	err := r.cache.Delete([]byte(args[0]))
	if err != nil {
		if errors.Is(err, zipcache.ErrNotFound) {
			fmt.Printf("OK: %q did not exist\n", args[0])
			return
		}
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("OK: deleted %q\n", args[0])
}

func (r *repl) cmdStats() {
	s := r.cache.GetStats()
	cs := r.cache.ClassStats()
	fmt.Printf("hits_dram=%d hits_lo=%d hits_ssd=%d misses=%d\n", s.HitsDRAM, s.HitsLO, s.HitsSSD, s.Misses)
	fmt.Printf("puts_tiny=%d puts_medium=%d puts_large=%d\n", s.PutsTiny, s.PutsMedium, s.PutsLarge)
	fmt.Printf("evictions=%d promotions=%d tombstones=%d\n", s.Evictions, s.Promotions, s.Tombstones)
	fmt.Printf("memory_used=%d memory_capacity=%d\n", s.MemoryUsed, s.MemoryCapacity)
	fmt.Printf("class: tiny=%+v medium=%+v large=%+v\n", cs.Tiny, cs.Medium, cs.Large)
}

func (r *repl) cmdValidate() {
	if r.cache.ValidateConsistency() {
		fmt.Println("OK: all invariants hold")
		return
	}
	fmt.Println("FAIL: validate_consistency found a broken invariant")
}
