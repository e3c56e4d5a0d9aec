package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/lvz/la64"
)

type benchmark struct {
	cpu   *la64.CPU
	pages int
	guest bool
}

// setup fills the TLB with a working set of 16K pages. In guest mode
// the pages belong to GID 1 with an identity second stage behind them.
func (b *benchmark) setup() error {
	ram := la64.NewRAM(0, 1<<20)
	b.cpu = la64.NewCPU(ram)
	b.cpu.Rand = rand.Uint32

	if b.guest {
		b.cpu.InitSecondLevel()
		b.cpu.Gstat = 1<<0 | 1<<16 // VM, GID 1
	}

	// Leave direct address mode
	b.cpu.CSR.Crmd = b.cpu.CSR.Crmd&^uint64(1<<3) | 1<<4

	for i := 0; i < b.pages; i++ {
		va := uint64(i) << 15
		pa := uint64(0x4000_0000) + uint64(i)<<15

		if b.guest {
			b.cpu.GCSR.TlbEhi = va
			b.cpu.GCSR.TlbIdx = 14 << 24
			b.cpu.GCSR.TlbElo0 = 1<<0 | 1<<1 | (pa>>12)<<12
			b.cpu.GCSR.TlbElo1 = 1<<0 | 1<<1 | (pa>>12+4)<<12
			if err := b.cpu.GTLBFill(); err != nil {
				return fmt.Errorf("fill guest tlb: %w", err)
			}
			continue
		}

		b.cpu.CSR.TlbEhi = va
		b.cpu.CSR.TlbIdx = 14 << 24
		b.cpu.CSR.TlbElo0 = 1<<0 | 1<<1 | (pa>>12)<<12
		b.cpu.CSR.TlbElo1 = 1<<0 | 1<<1 | (pa>>12+4)<<12
		b.cpu.TLBFill()
	}
	return nil
}

func (b *benchmark) run(n int) (time.Duration, int, error) {
	pb := progressbar.Default(int64(n))
	defer pb.Close()

	const batch = 1 << 16

	misses := 0
	start := time.Now()
	for done := 0; done < n; done += batch {
		for i := 0; i < batch; i++ {
			va := uint64(rand.Intn(b.pages)) << 15
			if _, err := b.cpu.TranslateRead(va); err != nil {
				var fault la64.ExceptionError
				if !errors.As(err, &fault) {
					return 0, 0, fmt.Errorf("translate %#x: %w", va, err)
				}
				// Random fill victims can evict earlier pages; treat
				// that as a miss and move on
				misses++
				b.cpu.CSR.TlbrEra &^= 1
			}
		}
		pb.Add(batch)
	}
	return time.Since(start), misses, nil
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	n := fs.Int("n", 1<<22, "the number of translations to execute")
	pages := fs.Int("pages", 64, "the number of mapped 16K pages in the working set")
	guest := fs.Bool("guest", false, "translate through the two-stage guest pipeline")
	profile := fs.String("profile", "", "a yaml cpu profile to apply before the run")
	verbose := fs.Bool("verbose", false, "enable debug logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("failed to parse args: %w", err)
	}

	if *verbose {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	b := benchmark{pages: *pages, guest: *guest}
	if err := b.setup(); err != nil {
		return err
	}

	if *profile != "" {
		p, err := la64.LoadProfileFile(*profile)
		if err != nil {
			return err
		}
		if err := b.cpu.Apply(p); err != nil {
			return err
		}
	}

	elapsed, misses, err := b.run(*n)
	if err != nil {
		return err
	}

	rate := float64(*n) / elapsed.Seconds()
	color.Green("%d translations in %s (%.2fM/s)", *n, elapsed, rate/1e6)
	if misses > 0 {
		color.Yellow("%d misses from fill eviction", misses)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run benchmark: %v\n", err)
		os.Exit(1)
	}
}
