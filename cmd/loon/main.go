// Loon CLI - the main entry point for running Loon images
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tliron/commonlog"

	"github.com/loon-lang/loon/config"
	"github.com/loon-lang/loon/diag"
	"github.com/loon-lang/loon/metrics/prom"
	"github.com/loon-lang/loon/vm"

	_ "github.com/tliron/commonlog/simple"
)

const version = "0.1.0"

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	showVersion := flag.Bool("version", false, "Print version and exit")
	inspect := flag.Bool("inspect", false, "Print image structure and disassembly instead of executing")
	verify := flag.Bool("verify", false, "Verify layout and fingerprints, then exit")
	hydrateAll := flag.Bool("hydrate-all", false, "Hydrate every code object before running")
	collectStats := flag.Bool("stats", false, "Collect and dump specialization statistics after the run")
	statsLabel := flag.String("stats-label", "run", "Label for persisted statistics snapshots")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9464)")
	freezePkg := flag.String("freeze", "", "Write Go source that rebuilds the image as package NAME")
	freezeOut := flag.String("o", "", "Output path for -freeze (default stdout)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: loon [options] image.loon\n\n")
		fmt.Fprintf(os.Stderr, "Runs the entry point of a Loon image.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  loon app.loon               # Run the entry point\n")
		fmt.Fprintf(os.Stderr, "  loon -inspect app.loon      # Show structure and disassembly\n")
		fmt.Fprintf(os.Stderr, "  loon -verify app.loon       # Check layout and fingerprints\n")
		fmt.Fprintf(os.Stderr, "  loon -stats app.loon        # Dump specialization counters after the run\n")
		fmt.Fprintf(os.Stderr, "  loon -freeze frozen -o frozen.go app.loon  # Emit Go source for the image\n")
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("loon %s\n", version)
		return
	}

	// Settings come from the nearest loon.toml; flags override.
	cfg, err := config.FindAndLoad(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	if cfg == nil {
		cfg = config.Default()
	}

	verbosity := cfg.Diagnostics.Verbosity
	if *verbose && verbosity < 1 {
		verbosity = 1
	}
	commonlog.Configure(verbosity, nil)

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	path := flag.Arg(0)

	img, err := vm.OpenImage(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		fmt.Printf("Opened %s (%d bytes, %d code objects)\n", path, img.Header().TotalSize, img.CodeCount())
	}

	switch {
	case *verify:
		if err := verifyImage(img); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("OK")

	case *freezePkg != "":
		if err := freezeImage(img, *freezePkg, *freezeOut); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

	case *inspect:
		if err := inspectImage(os.Stdout, img); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

	default:
		code, err := runImage(img, cfg, runOptions{
			collectStats: *collectStats,
			statsLabel:   *statsLabel,
			hydrateAll:   *hydrateAll,
			metricsAddr:  *metricsAddr,
			verbose:      *verbose,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(code)
	}
}

type runOptions struct {
	collectStats bool
	statsLabel   string
	hydrateAll   bool
	metricsAddr  string
	verbose      bool
}

// runImage executes the image's entry point and returns the process
// exit code. A small integer result becomes the exit code, the way a
// shell expects.
func runImage(img *vm.Image, cfg *config.Config, opts runOptions) (int, error) {
	collectStats := opts.collectStats || cfg.Engine.CollectStats
	vmOpts := vm.Options{CollectStats: collectStats}

	addr := opts.metricsAddr
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	if addr != "" {
		vmOpts.Metrics = prom.New(nil, cfg.Metrics.Namespace, "vm", nil)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: metrics listener: %v\n", err)
			}
		}()
		if opts.verbose {
			fmt.Printf("Serving metrics on %s/metrics\n", addr)
		}
	}

	in := vm.NewInterpreter(vmOpts)

	if cfg.Engine.VerifyImages {
		if err := verifyImage(img); err != nil {
			return 0, err
		}
	}

	if opts.hydrateAll || cfg.Engine.HydrateEager {
		if err := in.HydrateAll(context.Background(), img); err != nil {
			return 0, err
		}
	}

	entry, err := img.EntryCode()
	if err != nil {
		return 0, err
	}

	result, err := in.Call(entry)
	if err != nil {
		return 0, err
	}

	if collectStats {
		dumpAndPersistStats(in, cfg, opts.statsLabel)
	}

	if result.IsSmallInt() {
		return int(result.SmallInt()), nil
	}
	return 0, nil
}

// verifyImage checks the record layout and, when the image carries
// them, the blob fingerprints.
func verifyImage(img *vm.Image) error {
	if err := img.VerifyLayout(); err != nil {
		return err
	}
	if err := img.VerifyFingerprints(); err != nil && !errors.Is(err, vm.ErrNoFingerprints) {
		return err
	}
	return nil
}

// dumpAndPersistStats prints the specialization counters and, when a
// stats database is configured, records a snapshot.
func dumpAndPersistStats(in *vm.Interpreter, cfg *config.Config, label string) {
	in.Stats().Dump(os.Stdout)

	path := cfg.StatsDBPath()
	if path == "" {
		return
	}
	rec, err := diag.NewRecorder(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: cannot persist stats: %v\n", err)
		return
	}
	defer rec.Close()
	if err := rec.Record(label, in.Stats().Snapshot()); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: cannot persist stats: %v\n", err)
	}
}

// inspectImage prints the header, tables, metadata, and a disassembly
// of every code object.
func inspectImage(w io.Writer, img *vm.Image) error {
	hdr := img.Header()
	fmt.Fprintf(w, "loon image, version %d, %d bytes\n", hdr.Version, hdr.TotalSize)
	fmt.Fprintf(w, "flags: %s\n", flagNames(hdr.Flags))
	fmt.Fprintf(w, "tables: %d code, %d const, %d string, %d blob\n",
		img.CodeCount(), img.ConstCount(), img.StringCount(), img.BlobCount())

	meta, err := img.Metadata()
	switch {
	case err == nil:
		if meta.Creator != "" {
			fmt.Fprintf(w, "creator: %s\n", meta.Creator)
		}
		if meta.CreatedAt != "" {
			fmt.Fprintf(w, "created: %s\n", meta.CreatedAt)
		}
		if hdr.Flags&vm.FlagEntrypoint != 0 {
			fmt.Fprintf(w, "entry point: code %d\n", meta.EntryPoint)
		}
	case errors.Is(err, vm.ErrNoMetadata):
		// Nothing to report.
	default:
		return err
	}

	in := vm.NewInterpreter(vm.Options{})
	for i := 0; i < img.CodeCount(); i++ {
		co, err := img.Code(uint32(i))
		if err != nil {
			return err
		}
		if err := in.Hydrate(co); err != nil {
			return err
		}
		fmt.Fprintf(w, "\ncode %d: %s (%s)\n", i, co.Name, co.Filename)
		fmt.Fprintf(w, "  args %d, stack %d, %d code units\n", co.Argcount, co.Stacksize, co.CodeLen())
		fmt.Fprint(w, vm.Disassemble(co))
	}
	return nil
}

func flagNames(flags uint16) string {
	var names []string
	if flags&vm.FlagFingerprints != 0 {
		names = append(names, "fingerprints")
	}
	if flags&vm.FlagEntrypoint != 0 {
		names = append(names, "entrypoint")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}

// freezeImage writes the image back out as Go source.
func freezeImage(img *vm.Image, pkg, out string) error {
	src, err := vm.NewFreezer(img).FreezeModule(pkg)
	if err != nil {
		return err
	}
	if out == "" {
		_, err = io.WriteString(os.Stdout, src)
		return err
	}
	return os.WriteFile(out, []byte(src), 0o644)
}
