package partitions

import (
	"fmt"
	"math"

	"github.com/notargets/DGDistribute/mesh"
)

// Splitter scatters a whole mesh across ranks to produce the arbitrary
// initial distribution a redistribution starts from
type Splitter struct {
	NumRanks int
	Strategy Strategy
}

// Strategy defines how cells are assigned to ranks
type Strategy int

const (
	BlockPartition Strategy = iota // Consecutive cells
	RoundRobin                     // Distribute cyclically
	FilePartition                  // Use the partition array read from the mesh file
)

func (s Strategy) String() string {
	switch s {
	case BlockPartition:
		return "block"
	case RoundRobin:
		return "roundrobin"
	case FilePartition:
		return "file"
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// ParseStrategy is the inverse of Strategy.String
func ParseStrategy(name string) (Strategy, error) {
	for _, s := range []Strategy{BlockPartition, RoundRobin, FilePartition} {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown split strategy %q", name)
}

// Assign returns the rank of every cell
func (s Splitter) Assign(m *mesh.Mesh) ([]int, error) {
	if s.NumRanks < 1 {
		return nil, fmt.Errorf("splitter: %d ranks", s.NumRanks)
	}
	n := m.NumCells()
	cToR := make([]int, n)

	switch s.Strategy {
	case BlockPartition:
		perRank := int(math.Ceil(float64(n) / float64(s.NumRanks)))
		if perRank < 1 {
			perRank = 1
		}
		for i := range cToR {
			cToR[i] = i / perRank
			if cToR[i] >= s.NumRanks {
				cToR[i] = s.NumRanks - 1
			}
		}

	case RoundRobin:
		for i := range cToR {
			cToR[i] = i % s.NumRanks
		}

	case FilePartition:
		part := m.CellData.Get(mesh.PartitionArrayName)
		if part == nil {
			// meshes without a partition map fall back to block partitioning
			return Splitter{NumRanks: s.NumRanks, Strategy: BlockPartition}.Assign(m)
		}
		for i := range cToR {
			p := int(part.Int(i, 0))
			if p < 0 {
				p = -p
			}
			cToR[i] = p % s.NumRanks
		}

	default:
		return nil, fmt.Errorf("splitter: unsupported strategy %v", s.Strategy)
	}
	return cToR, nil
}

// Split returns one sub-mesh per rank
func (s Splitter) Split(m *mesh.Mesh) ([]*mesh.Mesh, error) {
	cToR, err := s.Assign(m)
	if err != nil {
		return nil, err
	}
	cells := make([][]int, s.NumRanks)
	for c, r := range cToR {
		cells[r] = append(cells[r], c)
	}
	parts := make([]*mesh.Mesh, s.NumRanks)
	for r := range parts {
		parts[r], _ = m.Subset(cells[r])
	}
	return parts, nil
}

// Traffic counts items moved between ranks: Traffic[src][dest]
type Traffic [][]int

// NewTraffic returns an n by n zero matrix
func NewTraffic(n int) Traffic {
	t := make(Traffic, n)
	for i := range t {
		t[i] = make([]int, n)
	}
	return t
}

// ValidateSymmetry verifies that whatever a rank reports sending to another
// rank is what that rank reports receiving from it. sent[s][r] is what s
// sent to r, received[r][s] what r received from s.
func ValidateSymmetry(sent, received Traffic) error {
	if len(sent) != len(received) {
		return fmt.Errorf("traffic for %d senders but %d receivers", len(sent), len(received))
	}
	for sender := range sent {
		for receiver := range sent[sender] {
			if sender == receiver {
				continue
			}
			if receiver >= len(received) || sender >= len(received[receiver]) {
				return fmt.Errorf("rank %d sends to %d, but %d reports no receive from %d",
					sender, receiver, receiver, sender)
			}
			if sent[sender][receiver] != received[receiver][sender] {
				return fmt.Errorf("count mismatch: rank %d sends %d to %d, but %d received %d",
					sender, sent[sender][receiver], receiver, receiver, received[receiver][sender])
			}
		}
	}
	return nil
}
