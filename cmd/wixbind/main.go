// Copyright (c) 2013-2026, Gerson Kurz, NG Branch Technology GmbH
// MIT License

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/peterbourgon/ff/v3"

	"github.com/gersonkurz/wixbind/internal/binder"
	"github.com/gersonkurz/wixbind/internal/cabinet"
	"github.com/gersonkurz/wixbind/internal/cli"
	"github.com/gersonkurz/wixbind/internal/diag"
	"github.com/gersonkurz/wixbind/internal/ir"
	"github.com/gersonkurz/wixbind/internal/transfer"
)

// Version is set via ldflags at build time
var Version = "1.0.0-dev"

// settings are the optional TOML project defaults, lowest precedence below
// environment variables and flags.
type settings struct {
	IntermediateDir string `toml:"intermediate_dir"`
	OutputDir       string `toml:"output_dir"`
	CacheDir        string `toml:"cache_dir"`
	Stub            string `toml:"stub"`
	Threads         int    `toml:"threads"`
	MaxSplitCabMB   int    `toml:"max_split_cab_mb"`
}

type cliArgs struct {
	intermediateDir string
	outputDir       string
	cacheDir        string
	stub            string
	exeName         string
	threads         int
	maxSplitCabMB   int
	dryRun          bool
	noColor         bool
	files           []string
}

func main() {
	args, err := parseArgs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cli.Error("Error"), err)
		os.Exit(10)
	}
	if args.noColor {
		cli.DisableColors()
	}

	if len(args.files) == 0 {
		printUsage()
		os.Exit(10)
	}

	for _, filename := range args.files {
		if err := processFile(filename, args); err != nil {
			fmt.Fprintf(os.Stderr, "%s processing %s: %v\n", cli.Error("Error"), filename, err)
			os.Exit(1)
		}
	}
}

func processFile(filename string, args *cliArgs) error {
	fmt.Printf("Processing %s...\n", cli.Filename(filename))

	section, err := ir.Load(filename)
	if err != nil {
		return fmt.Errorf("loading intermediate: %w", err)
	}
	fmt.Printf("  Loaded: %s packages, %s payloads, %s media rows\n",
		cli.Number(fmt.Sprint(len(section.Packages))),
		cli.Number(fmt.Sprint(len(section.Payloads))),
		cli.Number(fmt.Sprint(len(section.Media))))

	sink := diag.NewSink(os.Stderr)
	transfers := transfer.NewList()

	if len(section.Media) > 0 {
		if err := runCabinets(section, args, sink, transfers); err != nil {
			return err
		}
	}

	if len(section.Bundles) > 0 {
		if err := runBundle(section, filename, args, sink, transfers); err != nil {
			return err
		}
	}

	if args.dryRun {
		fmt.Println("  [dry-run] Bind and validate complete, no files moved")
		return nil
	}

	if err := executeTransfers(transfers.Transfers()); err != nil {
		return err
	}

	if sink.HasErrors() {
		return fmt.Errorf("%d error(s) during bind", sink.ErrorCount())
	}
	fmt.Printf("  %s\n", cli.Success("Done"))
	return nil
}

// runCabinets is the MSI path: compress the file table into cabinets,
// splitting oversized ones, and persist the mutated tables for the MSI
// database writer.
func runCabinets(section *ir.Section, args *cliArgs, sink *diag.Sink, transfers *transfer.List) error {
	opts, err := cabinet.Options{
		CabbingThreads:    args.threads,
		MaxSplitCabSizeMB: args.maxSplitCabMB,
		IntermediateDir:   args.intermediateDir,
		CacheDir:          args.cacheDir,
	}.Normalize()
	if err != nil {
		return fmt.Errorf("cabinet configuration: %w", err)
	}

	session := cabinet.NewSession(sink, section.Media, section.Files, transfers)
	plan := cabinet.PlanFromTables(section.Media, section.Files, sink)
	if sink.HasErrors() {
		return fmt.Errorf("cabinet planning failed")
	}

	builder := cabinet.NewBuilder(sink, opts, session, nil, args.outputDir)
	if err := builder.Build(plan); err != nil {
		return err
	}
	fmt.Printf("  Built: %s cabinets\n", cli.Number(fmt.Sprint(len(plan))))

	// The split callback may have inserted media rows; hand the corrected
	// tables to the database writer.
	section.Media = session.Media()
	section.Files = session.Files()
	post := filepath.Join(args.intermediateDir, "tables.post.wixird")
	if err := section.Save(post); err != nil {
		return err
	}
	transfers.Track(post, transfer.TrackedIntermediate)
	return nil
}

// runBundle is the Burn path: run the bind pipeline and assemble the final
// executable.
func runBundle(section *ir.Section, filename string, args *cliArgs, sink *diag.Sink, transfers *transfer.List) error {
	if args.stub == "" {
		return fmt.Errorf("bundle bind requires a bootstrapper stub (--stub)")
	}
	exeName := args.exeName
	if exeName == "" {
		exeName = strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename)) + ".exe"
	}

	result, err := binder.Bind(section, binder.Options{
		IntermediateDir: args.intermediateDir,
		OutputDir:       args.outputDir,
		StubPath:        args.stub,
		ExeName:         exeName,
	}, sink)
	if err != nil {
		return fmt.Errorf("binding bundle: %w", err)
	}
	for _, t := range result.Transfers {
		transfers.Add(t)
	}
	fmt.Printf("  Bound: %s\n", cli.Filename(result.ExecutablePath))
	return nil
}

// executeTransfers performs the file movements the bind registered. The
// binder itself never copies output files.
func executeTransfers(list []transfer.Transfer) error {
	for _, t := range list {
		if err := os.MkdirAll(filepath.Dir(t.Destination), 0755); err != nil {
			return fmt.Errorf("creating %s: %w", filepath.Dir(t.Destination), err)
		}
		if t.Move {
			if err := os.Rename(t.Source, t.Destination); err == nil {
				continue
			}
			// Cross-device moves fall back to copy and delete.
			if err := copyFile(t.Source, t.Destination); err != nil {
				return fmt.Errorf("moving %s: %w", t.Source, err)
			}
			os.Remove(t.Source)
		} else {
			if err := copyFile(t.Source, t.Destination); err != nil {
				return fmt.Errorf("copying %s: %w", t.Source, err)
			}
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func parseArgs() (*cliArgs, error) {
	defaults := settings{
		IntermediateDir: "obj",
		OutputDir:       "bin",
	}
	// Project settings file, lowest precedence. Flags and WIXBIND_*
	// environment variables override it.
	if _, err := os.Stat("wixbind.toml"); err == nil {
		if _, err := toml.DecodeFile("wixbind.toml", &defaults); err != nil {
			return nil, fmt.Errorf("reading wixbind.toml: %w", err)
		}
	}

	args := &cliArgs{}
	fs := flag.NewFlagSet("wixbind", flag.ContinueOnError)
	fs.StringVar(&args.intermediateDir, "intermediate", defaults.IntermediateDir, "folder for intermediate build output")
	fs.StringVar(&args.outputDir, "out", defaults.OutputDir, "folder for final build output")
	fs.StringVar(&args.cacheDir, "cache", defaults.CacheDir, "cabinet cache folder (empty disables reuse)")
	fs.StringVar(&args.stub, "stub", defaults.Stub, "native bootstrapper stub for bundle binds")
	fs.StringVar(&args.exeName, "exe", "", "final bundle executable name")
	fs.IntVar(&args.threads, "threads", defaults.Threads, "cabbing thread count (0 = logical processors)")
	fs.IntVar(&args.maxSplitCabMB, "max-split-cab-mb", defaults.MaxSplitCabMB, "split cabinets larger than this many MB (0 disables)")
	fs.BoolVar(&args.dryRun, "dry-run", false, "bind and validate only, no file transfers")
	fs.BoolVar(&args.noColor, "no-color", false, "disable colored output")

	var showVersion bool
	fs.BoolVar(&showVersion, "version", false, "show version")

	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("WIXBIND")); err != nil {
		return nil, err
	}
	if showVersion {
		fmt.Printf("wixbind %s [%s/%s]\n", Version, runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	args.files = fs.Args()
	return args, nil
}

func printUsage() {
	fmt.Printf("wixbind - Version %s\n", Version)
	fmt.Printf("Windows Installer cabinet and bundle binder [%s/%s]\n", runtime.GOOS, runtime.GOARCH)
	fmt.Println()
	fmt.Println("Usage: wixbind [OPTIONS] FILE.wixird [FILE...]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --intermediate DIR     Folder for intermediate output (default: obj)")
	fmt.Println("  --out DIR              Folder for final output (default: bin)")
	fmt.Println("  --cache DIR            Cabinet cache folder")
	fmt.Println("  --stub PATH            Native bootstrapper stub (bundle binds)")
	fmt.Println("  --exe NAME             Final bundle executable name")
	fmt.Println("  --threads N            Cabbing thread count (0 = logical processors)")
	fmt.Println("  --max-split-cab-mb N   Split cabinets larger than N MB")
	fmt.Println("  --dry-run              Bind and validate only")
	fmt.Println("  --no-color             Disable colored output")
	fmt.Println()
	fmt.Println("Every option can also be set via WIXBIND_* environment variables")
	fmt.Println("or a wixbind.toml settings file in the working directory.")
}
