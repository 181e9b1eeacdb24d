// Command alkvm is the reference front end for the alkvm bytecode
// interpreter: it loads an .alkb module, runs a chosen entry function,
// and optionally reports GC statistics through a thin flag-parsing
// shell.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/alkvm-lang/alkvm/config"
	"github.com/alkvm-lang/alkvm/runner"
	"github.com/alkvm-lang/alkvm/vm"
)

const usage = `usage: alkvm [flags] <path-to-alkb> [function-name]

flags:
  --force-gc        run one collection before entering the interpreter
  --stats           print GC statistics after the entry function returns
  --config <path>   load GC/JIT/natives settings from a TOML file
  --jit-cache <path> load/save promoted hot-region records across runs
                     (overrides [jit] cache-path from --config, if set)
  -v                verbose logging (GC cycles, JIT promotions)
  --help            print this message
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	fs := flag.NewFlagSet("alkvm", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	forceGC := fs.Bool("force-gc", false, "run one collection before entering the interpreter")
	showStats := fs.Bool("stats", false, "print GC statistics after the entry function returns")
	configPath := fs.String("config", "", "path to a TOML configuration file")
	jitCachePath := fs.String("jit-cache", "", "path to a JIT region-cache file")
	verbose := fs.Bool("v", false, "verbose logging")
	help := fs.Bool("help", false, "print usage")

	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }

	if err := fs.Parse(argv); err != nil {
		return 2
	}
	if *help {
		fmt.Fprint(os.Stdout, usage)
		return 0
	}

	args := fs.Args()
	if len(args) < 1 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	modulePath := args[0]
	entry := runner.DefaultEntry
	if len(args) >= 2 {
		entry = args[1]
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg = config.Default()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "alkvm:", err)
		return 1
	}

	logger := log.New(os.Stderr, "", 0)
	vmInstance := cfg.NewVM()
	vmInstance.Natives = vm.NewNativeSet(os.Stdout, os.Stdin, vmInstance.Heap)
	vmInstance.Natives.SetAllowList(cfg.Natives.Allow)
	if *verbose {
		vmInstance.Logger = logger.Printf
		vmInstance.Tracer.SetLogger(func(format string, a ...interface{}) {
			logger.Printf("vm[%s]: "+format, append([]interface{}{vmInstance.ID}, a...)...)
		})
	}

	// --jit-cache overrides [jit] cache-path from the config file; if
	// neither is set the cache is skipped entirely.
	cachePath := cfg.JIT.CachePath
	if *jitCachePath != "" {
		cachePath = *jitCachePath
	}

	if cachePath != "" {
		records, err := vm.LoadJITCache(cachePath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "alkvm:", err)
			return 1
		}
		vmInstance.Tracer.Seed(records)
	}

	if *forceGC {
		vmInstance.ForceGC()
	}

	result, runErr := runner.Run(vmInstance, modulePath, entry, nil)

	if cachePath != "" {
		if err := vm.SaveJITCache(cachePath, vmInstance.Tracer); err != nil {
			fmt.Fprintln(os.Stderr, "alkvm:", err)
		}
	}

	if runErr != nil {
		fmt.Fprintln(os.Stderr, "alkvm:", runErr)
		return 1
	}

	fmt.Println(formatResult(result))

	if *showStats {
		printStats(vmInstance.Heap.Stats())
	}

	return 0
}

func formatResult(v vm.Value) string {
	switch v.Kind() {
	case vm.KindNil:
		return "nil"
	case vm.KindInt:
		return fmt.Sprintf("%d", v.Int())
	case vm.KindFloat:
		return fmt.Sprintf("%g", v.Float())
	case vm.KindBool:
		return fmt.Sprintf("%t", v.Bool())
	default:
		return "<obj>"
	}
}

func printStats(s vm.HeapStats) {
	fmt.Printf("collections:       %d\n", s.TotalCollections)
	fmt.Printf("bytes freed:       %d\n", s.TotalBytesFreed)
	fmt.Printf("objects freed:     %d\n", s.TotalObjectsFreed)
	fmt.Printf("last cycle bytes:  %d\n", s.LastBytesFreed)
	fmt.Printf("last cycle objs:   %d\n", s.LastObjectsFreed)
	fmt.Printf("current bytes:     %d\n", s.CurrentBytes)
	fmt.Printf("live objects:      %d\n", s.LiveObjects)
}
