// Package config holds the options controlling a distribution run and
// loads them from YAML files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Options control one distribution run. Every rank must use identical
// options.
type Options struct {
	// Global id array names searched before the conventional ones, and used
	// for synthesized ids
	GlobalIdArray     string `yaml:"global_id_array"`
	GlobalCellIdArray string `yaml:"global_cell_id_array"`

	// Number of ghost layers to add, 0 for none
	GhostLevels int `yaml:"ghost_levels"`

	// Clip cells to the boundary of the owned regions. Implies
	// IncludeAllIntersectingCells.
	ClipCells bool `yaml:"clip_cells"`

	// Also send cells whose bounds overlap a region without containing its
	// centroid
	IncludeAllIntersectingCells bool `yaml:"include_all_intersecting_cells"`

	// Reuse the region layout of the previous run when the global bounds are
	// unchanged
	RetainPartition bool `yaml:"retain_partition"`

	// Distance within which points without global ids are merged
	PointTolerance float64 `yaml:"point_tolerance"`

	// Log the duration of every phase
	Timing bool `yaml:"timing"`

	// Time a rank waits on a peer before the run fails
	ExchangeTimeout time.Duration `yaml:"exchange_timeout"`

	// Regions the partition oracle creates for each rank
	RegionsPerProcess int `yaml:"regions_per_process"`
}

// Default returns the options used when nothing is configured
func Default() Options {
	return Options{
		PointTolerance:    1e-6,
		ExchangeTimeout:   30 * time.Second,
		RegionsPerProcess: 1,
	}
}

// MaxGhostLevels is the deepest halo that can be configured
const MaxGhostLevels = 254

// Validate reports the first invalid option
func (o Options) Validate() error {
	switch {
	case o.GhostLevels < 0 || o.GhostLevels > MaxGhostLevels:
		return fmt.Errorf("ghost_levels %d out of range [0,%d]", o.GhostLevels, MaxGhostLevels)
	case o.PointTolerance < 0:
		return fmt.Errorf("point_tolerance %g is negative", o.PointTolerance)
	case o.ExchangeTimeout < 0:
		return fmt.Errorf("exchange_timeout %v is negative", o.ExchangeTimeout)
	case o.RegionsPerProcess < 1:
		return fmt.Errorf("regions_per_process %d must be at least 1", o.RegionsPerProcess)
	case o.GlobalIdArray != "" && o.GlobalIdArray == o.GlobalCellIdArray:
		return fmt.Errorf("point and cell id arrays share the name %q", o.GlobalIdArray)
	}
	return nil
}

// Parse reads YAML options over the defaults. Unknown keys are rejected.
func Parse(data []byte) (Options, error) {
	o := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&o); err != nil && !errors.Is(err, io.EOF) {
		return Options{}, fmt.Errorf("parse options: %w", err)
	}
	if err := o.Validate(); err != nil {
		return Options{}, fmt.Errorf("invalid options: %w", err)
	}
	return o, nil
}

// Load reads options from a YAML file
func Load(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("load options: %w", err)
	}
	o, err := Parse(data)
	if err != nil {
		return Options{}, fmt.Errorf("%s: %w", path, err)
	}
	return o, nil
}

// Marshal returns the YAML form of o
func (o Options) Marshal() ([]byte, error) {
	return yaml.Marshal(o)
}
