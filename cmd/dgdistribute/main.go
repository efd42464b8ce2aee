// Command dgdistribute redistributes a mesh over a number of in-process
// ranks and reports what every rank ends up with.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/notargets/DGDistribute/comm"
	"github.com/notargets/DGDistribute/config"
	"github.com/notargets/DGDistribute/distributor"
	"github.com/notargets/DGDistribute/mesh"
	"github.com/notargets/DGDistribute/partitions"
	"gonum.org/v1/gonum/spatial/r3"
)

func main() {
	var (
		meshFile     = flag.String("mesh", "", "Input mesh file (.neu, .msh, or .su2); a box grid when empty")
		box          = flag.Int("box", 8, "Cells per axis of the box grid")
		np           = flag.Int("np", 4, "Number of ranks")
		configFile   = flag.String("config", "", "YAML options file")
		ghostLevels  = flag.Int("ghost", 0, "Ghost levels")
		clipCells    = flag.Bool("clip", false, "Clip cells to the owned regions")
		intersecting = flag.Bool("intersecting", false, "Send all cells intersecting a region")
		timing       = flag.Bool("timing", false, "Log phase durations")
		split        = flag.String("split", "roundrobin", "Initial distribution: block, roundrobin or file")
		verbose      = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	opts := config.Default()
	if *configFile != "" {
		var err error
		if opts, err = config.Load(*configFile); err != nil {
			log.Fatalf("Failed to load options: %v", err)
		}
	}
	// flags given on the command line override the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "ghost":
			opts.GhostLevels = *ghostLevels
		case "clip":
			opts.ClipCells = *clipCells
		case "intersecting":
			opts.IncludeAllIntersectingCells = *intersecting
		case "timing":
			opts.Timing = *timing
		}
	})
	if err := opts.Validate(); err != nil {
		log.Fatalf("Invalid options: %v", err)
	}

	m, err := readMesh(*meshFile, *box)
	if err != nil {
		log.Fatalf("Failed to read mesh: %v", err)
	}
	log.Printf("Mesh: %s", m)

	strategy, err := partitions.ParseStrategy(*split)
	if err != nil {
		log.Fatal(err)
	}
	parts, err := partitions.Splitter{NumRanks: *np, Strategy: strategy}.Split(m)
	if err != nil {
		log.Fatalf("Failed to split mesh: %v", err)
	}

	results := make([]*distributor.Result, *np)
	world := comm.NewWorld(*np, comm.WithTimeout(opts.ExchangeTimeout))
	errs := world.Run(context.Background(), func(ctx context.Context, c comm.Communicator) error {
		var out io.Writer = io.Discard
		if *verbose {
			out = os.Stderr
		}
		d := &distributor.Distributor{
			Comm:    c,
			Options: opts,
			Logger:  log.New(out, fmt.Sprintf("[rank %d] ", c.Rank()), log.LstdFlags),
		}
		res, err := d.Execute(ctx, parts[c.Rank()])
		results[c.Rank()] = res
		return err
	})
	failed := false
	for rank, err := range errs {
		if err != nil {
			log.Printf("Rank %d failed: %v", rank, err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}

	counts := make([]int, *np)
	fmt.Printf("\nRun %s\n", results[0].RunID)
	for rank, res := range results {
		counts[rank] = res.Mesh.NumCells()
		fmt.Printf("  Rank %d: %d points, %d cells, %s\n",
			rank, res.Mesh.NumPoints(), res.Mesh.NumCells(), res.Stats)
		if n := res.Diagnostics.Len(); n > 0 {
			fmt.Printf("    %d diagnostics: %s\n", n, res.Diagnostics.Summary())
		}
		if opts.Timing {
			for _, p := range res.Timing {
				fmt.Printf("    %-14s %v\n", p.Name, p.Duration)
			}
		}
	}
	fmt.Printf("Balance: %s\n", partitions.Balance(counts))
}

func readMesh(path string, n int) (*mesh.Mesh, error) {
	if path != "" {
		log.Printf("Reading mesh from %s", path)
		return mesh.ReadFile(path)
	}
	if n < 1 {
		return nil, fmt.Errorf("box grid with %d cells per axis", n)
	}
	return mesh.StructuredHexGrid(mesh.Bounds{Max: r3.Vec{X: 1, Y: 1, Z: 1}}, n, n, n), nil
}
