// Squall CLI - runs and inspects serialized closures
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/squall/manifest"
	"github.com/chazu/squall/vm"
	"github.com/chazu/squall/worker"
)

const version = "0.1.0"

// verbose is set when -v chose the log level; the manifest level is then
// ignored.
var verbose bool

func main() {
	verbosity := flag.Int("v", 0, "Log verbosity (-v=1 info, -v=2 debug)")
	dir := flag.String("C", ".", "Project directory searched for squall.toml")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: squall [options] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  run [file.cnut]   Load a closure stream and call it (default: the manifest entry)\n")
		fmt.Fprintf(os.Stderr, "  dis <file.cnut>   Print the function prototypes of a closure stream\n")
		fmt.Fprintf(os.Stderr, "  init [name]       Write squall.toml and a sample main.cnut\n")
		fmt.Fprintf(os.Stderr, "  version           Print the version\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	commonlog.Configure(*verbosity, nil)
	verbose = *verbosity > 0

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "run":
		err = runCommand(*dir, args[1:])
	case "dis":
		err = disCommand(args[1:])
	case "init":
		err = initCommand(*dir, args[1:])
	case "version":
		fmt.Printf("squall %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig returns the VM settings of the nearest squall.toml, or the
// defaults when there is none.
func loadConfig(dir string) (*manifest.Manifest, vm.Config, error) {
	m, err := manifest.FindAndLoad(dir)
	if err != nil {
		return nil, vm.Config{}, err
	}
	cfg := vm.DefaultConfig()
	if m != nil {
		cfg = m.VMConfig()
	}
	if verbose {
		cfg.LogLevel = commonlog.None
	}
	return m, cfg, nil
}

func runCommand(dir string, args []string) error {
	m, cfg, err := loadConfig(dir)
	if err != nil {
		return err
	}
	var path string
	switch {
	case len(args) > 0:
		path = args[0]
	case m != nil && m.EntryPath() != "":
		path = m.EntryPath()
	default:
		return fmt.Errorf("no closure stream given and no entry in %s", manifest.FileName)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	w := worker.New(cfg)
	defer w.Stop()

	return w.Exec(ctx, func(v *vm.VM) error {
		v.SetPrintFunc(
			func(_ *vm.VM, s string) { fmt.Fprint(out, s) },
			func(_ *vm.VM, s string) { fmt.Fprint(os.Stderr, s) },
		)
		if err := registerBuiltins(v); err != nil {
			return err
		}
		if err := v.ReadClosure(bufio.NewReader(f)); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		v.GetRootTable()
		if err := v.Call(1, true, true); err != nil {
			return err
		}
		if v.GetType(-1) != vm.TypeNull {
			if err := v.ToString(-1); err != nil {
				return err
			}
			s, _ := v.GetString(-1)
			fmt.Fprintln(out, s)
		}
		return nil
	})
}

// registerBuiltins installs print and error in the root table.
func registerBuiltins(v *vm.VM) error {
	builtin := func(name string, fn func(*vm.VM) vm.PrintFunc) error {
		v.GetRootTable()
		v.PushString(name)
		if err := v.NewClosure(func(v *vm.VM) (int, error) {
			var sb strings.Builder
			for i := 2; i <= v.Top(); i++ {
				if err := v.ToString(i); err != nil {
					return 0, err
				}
				s, _ := v.GetString(-1)
				v.Pop(1)
				sb.WriteString(s)
			}
			sb.WriteByte('\n')
			if out := fn(v); out != nil {
				out(v, sb.String())
			}
			return 0, nil
		}, 0); err != nil {
			return err
		}
		if err := v.SetNativeClosureName(-1, name); err != nil {
			return err
		}
		if err := v.NewSlot(-3, false); err != nil {
			return err
		}
		v.Pop(1)
		return nil
	}
	if err := builtin("print", (*vm.VM).PrintFunc); err != nil {
		return err
	}
	return builtin("error", (*vm.VM).ErrorFunc)
}

func disCommand(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: squall dis <file.cnut>")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	cfg := vm.DefaultConfig()
	cfg.DebugInfo = true
	v := vm.Open(cfg)
	defer v.Close()
	if err := v.ReadClosure(bufio.NewReader(f)); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	fn, err := v.GetClosure(-1)
	if err != nil {
		return err
	}
	fmt.Print(vm.Disassemble(fn.Closure().Proto()))
	return nil
}

// initCommand writes a manifest and a main.cnut that prints a greeting.
func initCommand(dir string, args []string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	name := filepath.Base(abs)
	if len(args) > 0 {
		name = args[0]
	}
	if _, err := os.Stat(filepath.Join(abs, manifest.FileName)); err == nil {
		return fmt.Errorf("%s already exists in %s", manifest.FileName, abs)
	}

	m := manifest.Default(name)
	v := vm.Open(m.VMConfig())
	defer v.Close()

	b := vm.NewProtoBuilder(v.SharedState(), "main", 1).StackSize(5).Source(m.Project.Entry)
	b.Line(1)
	b.Emit(vm.OpLoadRoot, 1, 0, 0, 0)
	b.Emit(vm.OpGetK, 2, b.String("print"), 1, 0)
	b.Emit(vm.OpMove, 3, 1, 0, 0)
	b.Emit(vm.OpLoad, 4, b.String("hello from "+name), 0, 0)
	b.Emit(vm.OpCall, vm.NoTarget, 2, 3, 2)
	b.Emit(vm.OpReturn, vm.NoTarget, 0, 0, 0)
	if err := v.PushClosure(b.Build()); err != nil {
		return err
	}

	f, err := os.Create(filepath.Join(abs, m.Project.Entry))
	if err != nil {
		return err
	}
	if err := v.WriteClosure(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := m.Write(abs); err != nil {
		return err
	}
	fmt.Printf("initialized %s in %s\n", name, abs)
	return nil
}
