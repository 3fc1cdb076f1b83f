// Command gemdecode runs the GEM decode engine against a raw event
// file: it loads one module.Module per configuration file given on the
// command line, then streams outer BANKs out of the event file and
// decodes each one against every configured module concurrently, one
// goroutine per module, fanned out and joined per event with
// sync.WaitGroup (modules own disjoint chip sets, so there is no
// shared mutable state to guard). Diagnostic histograms are written
// out to per-module files when the run finishes or is interrupted.
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jlab-solid/gemdecode/internal/fsutil"
	"github.com/jlab-solid/gemdecode/internal/gem/eventfile"
	"github.com/jlab-solid/gemdecode/internal/gem/gemconfig"
	"github.com/jlab-solid/gemdecode/internal/gem/module"
)

func main() {
	var (
		configFlag  = flag.String("config", "", "comma-separated list of module configuration files (required)")
		inputPath   = flag.String("input", "", "raw event file to decode (required)")
		outDir      = flag.String("out", ".", "directory to write per-module histogram files into")
		maxEvents   = flag.Int("max-events", 0, "stop after this many events (0 = no limit)")
		logInterval = flag.Duration("log-interval", 5*time.Second, "how often to log progress")
		plots       = flag.Bool("plots", false, "render each module's diagnostic histograms to PNG alongside the gob+gzip dump")
	)
	flag.Parse()

	if *configFlag == "" || *inputPath == "" {
		fmt.Fprintln(os.Stderr, "usage: gemdecode -config m1.cfg,m2.cfg -input events.raw [-out dir] [-max-events N] [-plots]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configFlag, *inputPath, *outDir, *maxEvents, *logInterval, *plots); err != nil {
		log.Fatalf("gemdecode: %v", err)
	}
}

// namedModule pairs a configured Module with the base name of its
// configuration file, used both for logging and for the histogram
// output filename.
type namedModule struct {
	name string
	mod  *module.Module
}

func run(ctx context.Context, configFlag, inputPath, outDir string, maxEvents int, logInterval time.Duration, plots bool) error {
	fsys := fsutil.OSFileSystem{}

	modules, err := loadModules(fsys, configFlag)
	if err != nil {
		return err
	}
	log.Printf("gemdecode: loaded %d module(s)", len(modules))

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", inputPath, err)
	}
	defer f.Close()

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", outDir, err)
	}

	stats := newRunStats()
	defer saveHistograms(fsys, modules, outDir, plots)

	reader := bufio.NewReaderSize(f, 1<<20)
	var eventNumber uint64

	ticker := time.NewTicker(logInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			log.Printf("gemdecode: interrupted after %d event(s)", stats.events)
			break loop
		case <-ticker.C:
			log.Printf("gemdecode: %d events, %d hits, %d errors so far", stats.events, stats.hits, stats.errs)
		default:
		}

		bank, err := readBank(reader)
		if errors.Is(err, io.EOF) {
			break loop
		}
		if err != nil {
			return fmt.Errorf("reading bank %d: %w", eventNumber, err)
		}

		ev, parseErrs := eventfile.NewBlockReader().ParseEvent(bank, eventNumber)
		for _, perr := range parseErrs {
			log.Printf("gemdecode: event %d: %v", eventNumber, perr)
			stats.errs++
		}
		if ev != nil {
			decodeOneEvent(modules, ev, stats)
		}

		eventNumber++
		if maxEvents > 0 && int(eventNumber) >= maxEvents {
			break loop
		}
	}

	log.Printf("gemdecode: done: %d events, %d hits, %d errors", stats.events, stats.hits, stats.errs)
	return nil
}

// loadModules builds one module.Module per comma-separated config path.
func loadModules(fsys fsutil.FileSystem, configFlag string) ([]namedModule, error) {
	var out []namedModule
	for _, path := range strings.Split(configFlag, ",") {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		cfg, err := gemconfig.Load(fsys, path)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		mod, err := module.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("build module from %s: %w", path, err)
		}
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		out = append(out, namedModule{name: name, mod: mod})
	}
	if len(out) == 0 {
		return nil, errors.New("no module configuration files given")
	}
	return out, nil
}

// runStats tallies progress across the whole run. decodeOneEvent's
// goroutines only ever touch their own namedModule, so the shared
// counters here are updated after the per-event WaitGroup join, never
// concurrently.
type runStats struct {
	events uint64
	hits   uint64
	errs   uint64
}

func newRunStats() *runStats { return &runStats{} }

// decodeOneEvent fans the event out to every module concurrently (one
// goroutine each, joined with a WaitGroup) since each module owns a
// disjoint chip set and never shares state with another.
func decodeOneEvent(modules []namedModule, ev eventfile.Event, stats *runStats) {
	var wg sync.WaitGroup
	results := make([]*module.EventState, len(modules))

	for i, nm := range modules {
		wg.Add(1)
		go func(i int, nm namedModule) {
			defer wg.Done()
			results[i] = nm.mod.DecodeEvent(ev)
		}(i, nm)
	}
	wg.Wait()

	stats.events++
	for _, state := range results {
		stats.hits += uint64(len(state.Hits))
		stats.errs += uint64(len(state.Errors))
	}
}

func saveHistograms(fsys fsutil.FileSystem, modules []namedModule, outDir string, plots bool) {
	for _, nm := range modules {
		path := filepath.Join(outDir, nm.name+".histograms.gz")
		if err := nm.mod.Histograms.Save(fsys, path); err != nil {
			log.Printf("gemdecode: save histograms for %s: %v", nm.name, err)
		}
		if !plots {
			continue
		}
		plotDir := filepath.Join(outDir, nm.name+".plots")
		if err := os.MkdirAll(plotDir, 0o755); err != nil {
			log.Printf("gemdecode: mkdir %s: %v", plotDir, err)
			continue
		}
		if err := nm.mod.Histograms.PlotAllPNG(fsys, plotDir); err != nil {
			log.Printf("gemdecode: render plots for %s: %v", nm.name, err)
		}
	}
}

// readBank reads one outer BANK from r: a big-endian length word
// followed by that many further big-endian words, per
// eventfile.BlockReader's wire format. The returned slice includes the
// length word itself, matching what BlockReader.ParseEvent expects.
func readBank(r *bufio.Reader) ([]byte, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])

	rest := make([]byte, int(length)*4)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fmt.Errorf("short bank body: %w", err)
	}

	bank := make([]byte, 0, 4+len(rest))
	bank = append(bank, lengthBuf[:]...)
	bank = append(bank, rest...)
	return bank, nil
}
