// Package workload drives a configured allocator.Allocator through a
// synthetic fill/bump/report/drain workload, or replays a recorded
// trace against it, to study steady-state fragmentation.
//
// Fill, bump, report, and drain are facets of a single unified scan
// loop over a circular slot index rather than four sequential passes.
// Stats are written with fmt.Fprintf to an io.Writer, line-oriented
// and fixed-field-order.
package workload

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"unsafe"

	"github.com/fragbench/allocbench/allocator"
	"github.com/fragbench/allocbench/trace"
)

const (
	// DefaultReportEvery is the iteration cadence for both the bump and
	// the report phase.
	DefaultReportEvery = 100000
	// DrainProbabilityPerMille is the per-slot chance (in thousandths)
	// that a live slot in the just-filled range is freed during drain.
	DrainProbabilityPerMille = 5
	// BumpGrowthShift implements the ~25% growth variant of bump
	// (new = old + old>>BumpGrowthShift); a ~0.4% (old>>8) variant also
	// fits this shape but isn't wired to any CLI flag here.
	BumpGrowthShift = 2
	// DefaultIterations is the built-in iteration cap a run stops at
	// (exit code 0) absent an explicit Config.Iterations.
	DefaultIterations = 4_000_000
)

// ErrTableFull is returned when the fill step cannot find an empty
// slot before reaching the configured live-bytes target — a
// too-successful-allocation condition the CLI treats as exit code 1.
var ErrTableFull = fmt.Errorf("workload: allocation table exhausted before reaching live-bytes target")

// Config configures one driver run.
type Config struct {
	MinimalSize     int   // -m: 128 <= N <= 2e6
	SizeRange       int   // -r: 1 <= N <= 2e7
	NumSlots        int   // size of the allocation table
	LiveTargetBytes int64 // live-bytes target the fill phase maintains, e.g. ~900-1200 MiB
	MaxBumpSize     int   // clamp for bump's grown size
	BumpEnabled     bool  // -b disables the bump phase
	Seed            int64 // -n randomizes instead of the default 0
	ReportEvery     int
	Iterations      int
	Out             io.Writer
	// ChunkDumpPath, when set, names a file the live chunk map is
	// written to at the first bump phase (-p).
	ChunkDumpPath string
}

func (c Config) withDefaults() Config {
	if c.ReportEvery <= 0 {
		c.ReportEvery = DefaultReportEvery
	}
	if c.Iterations <= 0 {
		c.Iterations = DefaultIterations
	}
	if c.MaxBumpSize <= 0 {
		c.MaxBumpSize = c.MinimalSize + c.SizeRange
	}
	if c.Out == nil {
		c.Out = os.Stdout
	}
	return c
}

type liveBlob struct {
	ptr  unsafe.Pointer
	size int
}

// Driver runs a workload against backend.
type Driver struct {
	cfg     Config
	backend allocator.Allocator
	rng     *rand.Rand

	slots     []liveBlob
	liveBytes int64
	liveCount int
	maxWaste  float64

	fullStreak  int // consecutive iterations that wanted to fill but found no empty slot
	chunkDumped bool
}

// New constructs a Driver. cfg.NumSlots must be large enough that the
// fill step can reach cfg.LiveTargetBytes without exhausting the
// table; Run returns ErrTableFull otherwise.
func New(backend allocator.Allocator, cfg Config) *Driver {
	cfg = cfg.withDefaults()
	return &Driver{
		cfg:     cfg,
		backend: backend,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		slots:   make([]liveBlob, cfg.NumSlots),
	}
}

// Run executes the unified fill/bump/report/drain loop for
// cfg.Iterations steps, or until ErrTableFull or a backend failure
// aborts it.
func (d *Driver) Run() error {
	for i := 0; i < d.cfg.Iterations; i++ {
		if err := d.step(i); err != nil {
			return err
		}
	}
	return nil
}

// step runs one iteration of the unified loop: opportunistically fill
// the slot at i (if under target and the slot is empty), then every
// ReportEvery iterations run bump, report, and drain.
func (d *Driver) step(i int) error {
	idx := i % len(d.slots)
	if d.liveBytes < d.cfg.LiveTargetBytes {
		if d.slots[idx].ptr == nil {
			if err := d.fillSlot(idx); err != nil {
				return err
			}
			d.fullStreak = 0
		} else {
			d.fullStreak++
			if d.fullStreak >= len(d.slots) {
				return ErrTableFull
			}
		}
	}

	if (i+1)%d.cfg.ReportEvery == 0 {
		if d.cfg.BumpEnabled {
			d.bumpPhase()
		}
		d.reportPhase()
		d.drainPhase(idx)
	}
	return nil
}

func (d *Driver) fillSlot(idx int) error {
	size := d.cfg.MinimalSize
	if d.cfg.SizeRange > 0 {
		size += d.rng.Intn(d.cfg.SizeRange)
	}
	ptr, err := d.backend.Alloc(size)
	if err != nil {
		return fmt.Errorf("workload: fill alloc failed: %w", err)
	}
	d.slots[idx] = liveBlob{ptr: ptr, size: size}
	d.liveBytes += int64(size)
	d.liveCount++
	return nil
}

// bumpThreshold is the size at or below which a live blob is a bump
// candidate: minimal_size + size_range/2.
func (d *Driver) bumpThreshold() int {
	return d.cfg.MinimalSize + d.cfg.SizeRange/2
}

// bumpPhase grows every sufficiently small live blob by ~25%, unless
// doing so would push live bytes past the target — in which case the
// old blob is still freed and the slot is left empty rather than
// holding on to the stale value. This transient drop is intentional,
// not a bug to fix: it keeps liveBytes an honest upper bound.
func (d *Driver) bumpPhase() {
	d.dumpAtFirstBump()
	threshold := d.bumpThreshold()
	for idx := range d.slots {
		b := d.slots[idx]
		if b.ptr == nil || b.size > threshold {
			continue
		}

		grown := b.size + (b.size >> BumpGrowthShift)
		if grown > d.cfg.MaxBumpSize {
			grown = d.cfg.MaxBumpSize
		}

		wouldBe := d.liveBytes - int64(b.size) + int64(grown)
		d.backend.Free(b.ptr, b.size)
		d.liveBytes -= int64(b.size)
		d.liveCount--
		d.slots[idx] = liveBlob{}

		if wouldBe > d.cfg.LiveTargetBytes {
			continue
		}

		ptr, err := d.backend.Alloc(grown)
		if err != nil {
			continue
		}
		d.slots[idx] = liveBlob{ptr: ptr, size: grown}
		d.liveBytes += int64(grown)
		d.liveCount++
	}
}

// drainPhase walks downward from idx across the range of slots just
// filled this round (ReportEvery many, or the whole table if
// smaller), freeing each live one it finds with probability
// DrainProbabilityPerMille/1000. Walking only this just-filled range,
// rather than the full live set, is intentional: it biases release
// toward recently filled slots instead of scanning the whole table
// every round.
func (d *Driver) drainPhase(idx int) {
	n := len(d.slots)
	span := d.cfg.ReportEvery
	if span > n {
		span = n
	}
	for k := 0; k < span; k++ {
		i := (idx - k + n) % n
		b := d.slots[i]
		if b.ptr == nil {
			continue
		}
		if d.rng.Intn(1000) < DrainProbabilityPerMille {
			d.backend.Free(b.ptr, b.size)
			d.liveBytes -= int64(b.size)
			d.liveCount--
			d.slots[i] = liveBlob{}
		}
	}
}

// reportPhase prints one stats line: bytes obtained from the OS,
// useful (live) bytes, live allocation count, and current/max waste
// percentage.
func (d *Driver) reportPhase() {
	osBytes := d.backend.TotalAllocatedBytes()
	waste := 0.0
	if osBytes > 0 {
		waste = float64(int64(osBytes)-d.liveBytes) / float64(osBytes) * 100
	}
	if waste > d.maxWaste {
		d.maxWaste = waste
	}
	fmt.Fprintf(d.cfg.Out, "stats: got from OS %d App allocated %d Allocations count %d waste %.2f %.2f %%\n",
		osBytes, d.liveBytes, d.liveCount, waste, d.maxWaste)
}

// dumpAtFirstBump writes the chunk map to cfg.ChunkDumpPath the first
// time a bump phase runs, if a path was configured. Failure to write
// the dump aborts the run, the same way a stats I/O failure would.
func (d *Driver) dumpAtFirstBump() {
	if d.cfg.ChunkDumpPath == "" || d.chunkDumped {
		return
	}
	d.chunkDumped = true
	f, err := os.Create(d.cfg.ChunkDumpPath)
	if err != nil {
		panic(fmt.Sprintf("workload: creating chunk dump %s: %v", d.cfg.ChunkDumpPath, err))
	}
	defer f.Close()
	d.DumpChunks(f)
}

// Report prints one stats line immediately, outside the iteration
// cadence — trace replay uses it to report after consuming the stream.
func (d *Driver) Report() { d.reportPhase() }

// Bump runs one bump phase immediately, outside the iteration cadence
// — trace replay uses it for its optional single post-replay bump.
func (d *Driver) Bump() { d.bumpPhase() }

// MaxWastePercent returns the highest waste percentage observed by
// any report so far.
func (d *Driver) MaxWastePercent() float64 { return d.maxWaste }

// LiveBytes returns the current sum of requested blob sizes.
func (d *Driver) LiveBytes() int64 { return d.liveBytes }

// ReplayTrace consumes r as a trace.Reader stream: for each record
// with Len >= trace.MinLen, frees whatever currently occupies Slot
// (if live) and allocates a fresh Len-byte blob into it, growing the
// slot table as needed.
func (d *Driver) ReplayTrace(r io.Reader) error {
	return trace.ReadAll(r, func(rec trace.Record) error {
		idx := int(rec.Slot)
		if idx >= len(d.slots) {
			grown := make([]liveBlob, idx+1)
			copy(grown, d.slots)
			d.slots = grown
		}
		if b := d.slots[idx]; b.ptr != nil {
			d.backend.Free(b.ptr, b.size)
			d.liveBytes -= int64(b.size)
			d.liveCount--
			d.slots[idx] = liveBlob{}
		}

		ptr, err := d.backend.Alloc(int(rec.Len))
		if err != nil {
			return fmt.Errorf("workload: trace alloc failed for slot %d: %w", idx, err)
		}
		d.slots[idx] = liveBlob{ptr: ptr, size: int(rec.Len)}
		d.liveBytes += int64(rec.Len)
		d.liveCount++
		return nil
	})
}

// DumpChunks writes one line per physical chunk backing every live
// blob, formatted "<16-hex-ptr> <hex-size>". Backends that implement
// allocator.ChunkIterator report their own chunks (chunky may report
// more than one per blob, buddy reports one); others report the blob
// itself as a single chunk.
func (d *Driver) DumpChunks(w io.Writer) {
	ci, supportsChunks := d.backend.(allocator.ChunkIterator)
	for _, b := range d.slots {
		if b.ptr == nil {
			continue
		}
		if supportsChunks {
			ci.IterateChunks(b.ptr, b.size, func(addr unsafe.Pointer, size int) {
				fmt.Fprintf(w, "%016x %x\n", uintptr(addr), size)
			})
			continue
		}
		fmt.Fprintf(w, "%016x %x\n", uintptr(b.ptr), b.size)
	}
}
