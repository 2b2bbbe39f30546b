// Fern CLI - the main entry point for running Fern programs
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/fernlang/fern/manifest"
	"github.com/fernlang/fern/pkg/bytecode"
	"github.com/fernlang/fern/pkg/image"
)

// Exit codes follow the sysexits convention: 65 for bad input (compile
// error), 70 for an internal software error (runtime error).
const (
	exitOK           = 0
	exitCompileError = 65
	exitRuntimeError = 70
	exitUsage        = 64
	exitIOError      = 74
)

func main() {
	verbosity := flag.Int("v", 0, "Log verbosity (0 = quiet)")
	interactive := flag.Bool("i", false, "Start interactive REPL")
	trace := flag.Bool("trace", false, "Trace each instruction while executing")
	stressGC := flag.Bool("stress-gc", false, "Collect garbage on every allocation")
	logGC := flag.Bool("log-gc", false, "Log collection statistics")
	disasm := flag.Bool("disasm", false, "Disassemble instead of executing")
	useCache := flag.Bool("cache", false, "Use the compile cache")
	projectDir := flag.String("C", "", "Project directory containing fern.toml")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: fern [options] [script]\n\n")
		fmt.Fprintf(os.Stderr, "Runs the given .fern script, or a REPL when no script is given.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  fern program.fern          # Run a script\n")
		fmt.Fprintf(os.Stderr, "  fern -i                    # Start REPL\n")
		fmt.Fprintf(os.Stderr, "  fern -C ./proj             # Run the project's entry script\n")
		fmt.Fprintf(os.Stderr, "  fern --disasm program.fern # Show compiled bytecode\n")
	}
	flag.Parse()

	commonlog.Configure(*verbosity, nil)

	// Project configuration, when present, supplies defaults the flags
	// can override.
	cfg := manifest.Default()
	if *projectDir != "" {
		loaded, err := manifest.Load(*projectDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(exitIOError)
		}
		cfg = loaded
	}

	heap := bytecode.NewHeap()
	heap.Stress = cfg.Runtime.GCStress || *stressGC
	heap.LogStats = cfg.Runtime.GCLog || *logGC
	heap.GrowFactor = cfg.Runtime.HeapGrowFactor

	vm := bytecode.NewVM(heap)
	vm.Trace = cfg.Runtime.Trace || *trace

	script := flag.Arg(0)
	if script == "" {
		script = cfg.EntryPath()
	}

	code := exitOK
	switch {
	case *interactive || script == "":
		repl(vm)
	case *disasm:
		code = disassembleFile(heap, script)
	default:
		code = runFile(vm, cfg, *useCache, script)
	}

	vm.Free()
	os.Exit(code)
}

// repl interprets a line at a time. Globals persist across lines since
// they share one VM.
func repl(vm *bytecode.VM) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		vm.Interpret(scanner.Text())
	}
}

func runFile(vm *bytecode.VM, cfg *manifest.Manifest, useCache bool, path string) int {
	source, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not open file \"%s\".\n", path)
		return exitIOError
	}

	if useCache || cfg.Cache.Enabled {
		if result, ok := runCached(vm, cfg, string(source)); ok {
			return exitCode(result)
		}
	}

	return exitCode(vm.Interpret(string(source)))
}

// runCached interprets through the compile cache: a hit decodes the
// stored image, a miss compiles and stores one. Returns ok=false if
// the cache cannot be used at all, in which case the caller compiles
// directly.
func runCached(vm *bytecode.VM, cfg *manifest.Manifest, source string) (bytecode.InterpretResult, bool) {
	log := commonlog.GetLogger("fern.cache")

	cache, err := image.OpenCache(cfg.Cache.Path)
	if err != nil {
		log.Errorf("%v", err)
		return 0, false
	}
	defer cache.Close()

	digest := image.SourceDigest(source)

	if data, err := cache.Get(digest); err == nil && data != nil {
		fn, err := image.DecodeProgram(data, vm.Heap())
		if err == nil {
			return vm.Run(fn), true
		}
		log.Errorf("discarding bad cache entry: %v", err)
	}

	fn := bytecode.Compile(vm.Heap(), source, os.Stderr)
	if fn == nil {
		return bytecode.InterpretCompileError, true
	}

	if data, err := image.EncodeProgram(fn); err == nil {
		if err := cache.Put(digest, data); err != nil {
			log.Errorf("%v", err)
		}
	}

	return vm.Run(fn), true
}

func disassembleFile(heap *bytecode.Heap, path string) int {
	source, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not open file \"%s\".\n", path)
		return exitIOError
	}

	fn := bytecode.Compile(heap, string(source), os.Stderr)
	if fn == nil {
		return exitCompileError
	}

	disassembleTree(fn, "script")
	return exitOK
}

// disassembleTree lists a function's chunk and recurses into nested
// function constants.
func disassembleTree(fn *bytecode.ObjFunction, name string) {
	fmt.Print(bytecode.DisassembleChunk(&fn.Chunk, name))
	for _, constant := range fn.Chunk.Constants {
		if !constant.IsObj() {
			continue
		}
		if nested, ok := constant.AsObj().(*bytecode.ObjFunction); ok {
			disassembleTree(nested, nested.Name.Chars)
		}
	}
}

func exitCode(result bytecode.InterpretResult) int {
	switch result {
	case bytecode.InterpretCompileError:
		return exitCompileError
	case bytecode.InterpretRuntimeError:
		return exitRuntimeError
	default:
		return exitOK
	}
}
