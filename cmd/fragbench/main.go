// Command fragbench drives the allocator-fragmentation workbench: it
// wires one of the five allocator backends (optionally wrapped by the
// chunky splitter) into a workload.Driver, then either runs the
// synthetic fill/bump/report/drain workload or replays a recorded
// trace against it.
//
// Argument errors exit 1 with a message on stderr; internal allocator
// failures abort.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fragbench/allocbench/allocator"
	"github.com/fragbench/allocbench/buddy"
	"github.com/fragbench/allocbench/cache/mempool"
	"github.com/fragbench/allocbench/chunky"
	"github.com/fragbench/allocbench/mini"
	"github.com/fragbench/allocbench/osregion"
	"github.com/fragbench/allocbench/sizeclass"
	"github.com/fragbench/allocbench/workload"
)

// defaultChunkyParams sizes the chunky splitter's decomposition: a
// generous K and order range, tuned to comfortably cover the -m/-r
// flag bounds (128 .. 2e6 + 2e7) without ever hitting MaxOrder.
// BlockHeaderSize matches the largest per-block header any wired
// backend charges (buddy's); HeaderOverhead covers the one block
// header the (K-1)-padding in the decomposition does not.
func defaultChunkyParams() sizeclass.Params {
	return sizeclass.Params{
		K:               4,
		MinOrder:        7,
		MaxOrder:        25,
		BlobHeaderSize:  8,
		HeaderOverhead:  24,
		BlockHeaderSize: 24,
	}
}

func newBackend(name string) (allocator.Allocator, error) {
	switch name {
	case "buddy":
		b, err := buddy.New(7, 25, osregion.Default())
		if err != nil {
			return nil, err
		}
		return allocator.NewBuddyBackend(b), nil
	case "mini":
		m, err := mini.New(osregion.Default(), 0)
		if err != nil {
			return nil, err
		}
		return allocator.NewMiniBackend(m), nil
	case "dl":
		return allocator.NewDLBackend(), nil
	case "je":
		return allocator.NewJeBackend(), nil
	case "system":
		return allocator.NewSystemBackend(mempool.New()), nil
	default:
		return nil, fmt.Errorf("fragbench: unknown -t backend %q (want dl, mini, je, buddy, or system)", name)
	}
}

type args struct {
	minimalSize int
	sizeRange   int
	backend     string
	chunkyMode  bool
	noBump      bool
	randomSeed  bool
	tracePath   string
	dumpPath    string
}

func parseArgs(fs *flag.FlagSet, argv []string) (args, error) {
	var a args
	fs.IntVar(&a.minimalSize, "m", 128, "minimal allocation size (128 <= N <= 2e6)")
	fs.IntVar(&a.sizeRange, "r", 1024, "allocation size range (1 <= N <= 2e7)")
	fs.StringVar(&a.backend, "t", "dl", "allocator backend: dl, mini, je, buddy, or system")
	fs.BoolVar(&a.chunkyMode, "c", false, "wrap the backend with the chunky size-class splitter")
	fs.BoolVar(&a.noBump, "b", false, "disable the bump growth phase")
	fs.BoolVar(&a.randomSeed, "n", false, "randomize the PRNG seed instead of using 0")
	fs.StringVar(&a.tracePath, "d", "", "replay a recorded trace from PATH, then exit")
	fs.StringVar(&a.dumpPath, "p", "", "dump the live chunk map to PATH at the first bump")
	if err := fs.Parse(argv); err != nil {
		return args{}, err
	}

	if a.minimalSize < 128 || a.minimalSize > 2_000_000 {
		return args{}, fmt.Errorf("fragbench: -m must be in [128, 2000000], got %d", a.minimalSize)
	}
	if a.sizeRange < 1 || a.sizeRange > 20_000_000 {
		return args{}, fmt.Errorf("fragbench: -r must be in [1, 20000000], got %d", a.sizeRange)
	}
	return a, nil
}

func run() error {
	fs := flag.NewFlagSet("fragbench", flag.ContinueOnError)
	a, err := parseArgs(fs, os.Args[1:])
	if err != nil {
		return err
	}

	backend, err := newBackend(a.backend)
	if err != nil {
		return err
	}

	var top allocator.Allocator = backend
	if a.chunkyMode {
		top = chunky.New(backend, defaultChunkyParams())
	}

	cfg := workload.Config{
		MinimalSize:     a.minimalSize,
		SizeRange:       a.sizeRange,
		NumSlots:        1 << 20,
		LiveTargetBytes: 1000 << 20,
		BumpEnabled:     !a.noBump,
		Out:             os.Stdout,
		ChunkDumpPath:   a.dumpPath,
	}
	if a.randomSeed {
		seed, err := osregion.ReadRSS()
		if err != nil {
			seed = 1
		}
		cfg.Seed = int64(seed)
	}

	d := workload.New(top, cfg)

	if a.tracePath != "" {
		f, err := os.Open(a.tracePath)
		if err != nil {
			return fmt.Errorf("fragbench: opening trace: %w", err)
		}
		defer f.Close()
		if err := d.ReplayTrace(f); err != nil {
			return fmt.Errorf("fragbench: replaying trace: %w", err)
		}
		d.Report()
		if !a.noBump {
			d.Bump()
			d.Report()
		}
		return nil
	}

	if err := d.Run(); err != nil {
		if err == workload.ErrTableFull {
			return err
		}
		panic(err)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
