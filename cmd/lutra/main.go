// Lutra - bytecode interpreter and trace recorder
// Named after the genus for otters - they chase whatever runs fast.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/lutra/vm"
)

var (
	jit            = flag.Bool("jit", true, "enable hot-loop trace recording")
	traceBytecode  = flag.Bool("trace-bytecode", false, "log every dispatched instruction")
	decodeClosures = flag.Bool("decode-closures", false, "log every closure as it is allocated")
	disasm         = flag.Bool("disasm", false, "disassemble the module's code bodies and exit")
	steps          = flag.Int("steps", 0, "single-step with the given budget per Run call (0 = off)")
	entry          = flag.String("entry", "", "entry closure name (overrides the module's own)")
	configDir      = flag.String("config-dir", ".", "directory containing lutra.toml")
	verbose        = flag.Int("verbose", 0, "log verbosity")
	version        = flag.Bool("version", false, "print version and exit")
)

const versionStr = "0.3.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Lutra - bytecode interpreter and trace recorder\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  lutra [options] module.cbor\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *version {
		fmt.Printf("lutra version %s\n", versionStr)
		os.Exit(0)
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	commonlog.Configure(*verbose, nil)

	if err := run(flag.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := vm.LoadConfig(*configDir)
	if err != nil {
		return err
	}
	cfg.JitEnabled = cfg.JitEnabled && *jit

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading module: %w", err)
	}
	wm, err := vm.UnmarshalModule(data)
	if err != nil {
		return err
	}

	heap := vm.NewBumpHeap(cfg.Heap.SegmentWords)
	linker := vm.NewLinker(heap, cfg.Heap.MaxModuleItems)
	mod, err := linker.LoadModule(wm)
	if err != nil {
		return err
	}

	if *disasm {
		return disassemble(wm, mod)
	}

	entryName := wm.Entry
	if *entry != "" {
		entryName = *entry
	}
	if entryName == "" {
		return fmt.Errorf("module %q declares no entry; use -entry", mod.Name)
	}
	root := mod.ClosureByName(entryName)
	if root == nil {
		return fmt.Errorf("module %q has no closure %q", mod.Name, entryName)
	}

	driver := vm.NewCapability(heap, cfg)
	if *traceBytecode {
		driver.EnableBytecodeTracing()
	}
	if *decodeClosures {
		driver.EnableDecodeClosures()
	}
	if *steps > 0 {
		driver.SetStepBudget(*steps)
	}
	if cfg.Jit.FragmentDB != "" {
		store, err := vm.OpenFragmentStore(cfg.Jit.FragmentDB)
		if err != nil {
			return err
		}
		defer store.Close()
		driver.Jit().SetStore(store)
	}
	driver.AddStaticRoot(root)

	t := vm.NewThread()
	if !driver.Eval(t, root) {
		return fmt.Errorf("evaluation of %q failed", entryName)
	}

	fmt.Println(vm.FormatClosure(root, true))

	stats := driver.Jit().Stats()
	if stats.TracesCompiled+stats.TracesFailed+stats.TracesAborted > 0 {
		fmt.Fprintf(os.Stderr, "traces: %d compiled, %d failed, %d aborted; %d fragment entries\n",
			stats.TracesCompiled, stats.TracesFailed, stats.TracesAborted, vm.SwitchInterpToAsm())
	}
	return nil
}

func disassemble(wm *vm.WireModule, mod *vm.Module) error {
	for _, item := range wm.Items {
		it := mod.InfoTableByName(item.Name)
		if it == nil || !it.HasCode() {
			continue
		}
		fmt.Printf("%s (%v, framesize=%d, arity=%d):\n",
			item.Name, it.Type(), it.Code().Framesize, it.Code().Arity)
		fmt.Print(vm.Disasm(it.Code()))
		fmt.Println()
	}
	return nil
}
