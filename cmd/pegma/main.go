// Pegma CLI - compiles PEG grammars and runs them against input text
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/pegma/pegma/compiler"
	"github.com/pegma/pegma/manifest"
	"github.com/pegma/pegma/vm"
)

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "compile":
		err = handleCompileCommand(args[1:])
	case "check":
		err = handleCheckCommand(args[1:])
	case "run":
		err = handleRunCommand(args[1:])
	case "disasm":
		err = handleDisasmCommand(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: pegma <command> [options] [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  compile [grammar.peg]   Compile a grammar to a program file\n")
	fmt.Fprintf(os.Stderr, "  check [grammar.peg]     Check a grammar without generating code\n")
	fmt.Fprintf(os.Stderr, "  run [grammar] [input]   Parse input text with a grammar or program\n")
	fmt.Fprintf(os.Stderr, "  disasm [grammar]        Print the compiled instruction listing\n\n")
	fmt.Fprintf(os.Stderr, "With no grammar argument, commands look for a pegma.toml manifest in the\n")
	fmt.Fprintf(os.Stderr, "current directory or any parent and use its [grammar] section.\n\n")
	fmt.Fprintf(os.Stderr, "Examples:\n")
	fmt.Fprintf(os.Stderr, "  pegma compile arith.peg -o arith.pgm\n")
	fmt.Fprintf(os.Stderr, "  pegma run arith.peg -e '1+2*3'\n")
	fmt.Fprintf(os.Stderr, "  pegma run arith.pgm -rule Term -e '2*3' -cache\n")
	fmt.Fprintf(os.Stderr, "  pegma check grammar.peg\n")
}

// parseArgs collects positional arguments while letting flags appear on
// either side of them. Plain flag.Parse stops at the first non-flag
// argument, which would silently drop trailing flags like
// "compile grammar.peg -o out.pgm".
func parseArgs(fs *flag.FlagSet, args []string) []string {
	var pos []string
	for {
		fs.Parse(args)
		rest := fs.Args()
		if len(rest) == 0 {
			return pos
		}
		pos = append(pos, rest[0])
		args = rest[1:]
	}
}

func argAt(pos []string, i int) string {
	if i < len(pos) {
		return pos[i]
	}
	return ""
}

// cliConfig is the merged view of manifest settings and command-line flags.
type cliConfig struct {
	grammarPath string
	outputPath  string
	startRules  []string
	cache       bool
	trace       bool
	reserved    []string
}

// resolveConfig loads the manifest (when present) and overlays the
// positional grammar path.
func resolveConfig(grammarArg string) (*cliConfig, error) {
	cfg := &cliConfig{}
	m, err := manifest.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if m != nil {
		cfg.grammarPath = m.GrammarPath()
		cfg.outputPath = m.OutputPath()
		cfg.startRules = m.Grammar.StartRules
		cfg.cache = m.Parse.Cache
		cfg.trace = m.Parse.Trace
		if len(m.Reserved.Words) > 0 {
			cfg.reserved = m.Reserved.Words
		}
	}
	if grammarArg != "" {
		cfg.grammarPath = grammarArg
	}
	if cfg.grammarPath == "" {
		return nil, fmt.Errorf("no grammar given and no pegma.toml found")
	}
	return cfg, nil
}

func (cfg *cliConfig) compile() (*vm.Program, error) {
	data, err := os.ReadFile(cfg.grammarPath)
	if err != nil {
		return nil, err
	}
	opts := &compiler.Options{
		AllowedStartRules: cfg.startRules,
		Trace:             cfg.trace,
		ReservedWords:     cfg.reserved,
		GrammarSource:     cfg.grammarPath,
		Warn: func(d compiler.Diagnostic) {
			fmt.Fprintf(os.Stderr, "warning: %s: %s\n", d.Location, d.Message)
		},
	}
	return compiler.CompileText(string(data), opts)
}

// load compiles a .peg file or reads a compiled program file.
func (cfg *cliConfig) load() (*vm.Program, error) {
	if strings.HasSuffix(cfg.grammarPath, ".pgm") {
		return vm.ReadProgramFile(cfg.grammarPath)
	}
	return cfg.compile()
}

func handleCompileCommand(args []string) error {
	fs := flag.NewFlagSet("compile", flag.ExitOnError)
	output := fs.String("o", "", "Output path (default: manifest [output] or grammar path with .pgm)")
	starts := fs.String("start", "", "Comma-separated allowed start rules")
	pos := parseArgs(fs, args)

	cfg, err := resolveConfig(argAt(pos, 0))
	if err != nil {
		return err
	}
	if *starts != "" {
		cfg.startRules = strings.Split(*starts, ",")
	}
	prog, err := cfg.compile()
	if err != nil {
		return err
	}

	out := *output
	if out == "" {
		out = cfg.outputPath
	}
	if out == "" {
		out = strings.TrimSuffix(cfg.grammarPath, ".peg") + ".pgm"
	}
	if err := vm.WriteProgramFile(prog, out); err != nil {
		return err
	}
	fmt.Printf("Compiled %d rules to %s\n", len(prog.Rules), out)
	return nil
}

func handleCheckCommand(args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	pos := parseArgs(fs, args)

	cfg, err := resolveConfig(argAt(pos, 0))
	if err != nil {
		return err
	}
	if _, err := cfg.compile(); err != nil {
		return err
	}
	fmt.Printf("%s: ok\n", cfg.grammarPath)
	return nil
}

func handleRunCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	rule := fs.String("rule", "", "Start rule (default: the program's first allowed start rule)")
	expr := fs.String("e", "", "Input text (instead of an input file)")
	cache := fs.Bool("cache", false, "Memoize rule results")
	trace := fs.Bool("trace", false, "Log rule enter/match/fail events")
	verbosity := fs.Int("v", 0, "Log verbosity for -trace")
	pos := parseArgs(fs, args)

	cfg, err := resolveConfig(argAt(pos, 0))
	if err != nil {
		return err
	}
	prog, err := cfg.load()
	if err != nil {
		return err
	}

	var input string
	switch {
	case *expr != "":
		input = *expr
	case len(pos) > 1:
		data, err := os.ReadFile(pos[1])
		if err != nil {
			return err
		}
		input = string(data)
	default:
		return fmt.Errorf("no input: pass a file or -e text")
	}

	opts := vm.ParseOptions{
		StartRule:     *rule,
		Cache:         *cache || cfg.cache,
		GrammarSource: cfg.grammarPath,
	}
	if *trace || cfg.trace || prog.Trace {
		commonlog.Configure(*verbosity+2, nil)
		opts.Tracer = vm.NewLogTracer("pegma.parse")
	}

	result, err := vm.NewInterpreter(prog).Parse(input, opts)
	if err != nil {
		return err
	}
	rendered, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot render result: %w", err)
	}
	fmt.Println(string(rendered))
	return nil
}

func handleDisasmCommand(args []string) error {
	fs := flag.NewFlagSet("disasm", flag.ExitOnError)
	pos := parseArgs(fs, args)

	cfg, err := resolveConfig(argAt(pos, 0))
	if err != nil {
		return err
	}
	prog, err := cfg.load()
	if err != nil {
		return err
	}
	for i := range prog.Rules {
		r := &prog.Rules[i]
		fmt.Printf("rule %s:\n", r.Name)
		fmt.Print(vm.Disassemble(r.Code, prog))
		fmt.Println()
	}
	return nil
}
