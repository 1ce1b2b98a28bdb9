// Package grid describes a fixed two-dimensional grid of
// nodes and the address-bit masks its interconnect uses
// to address many nodes with a single transfer.
package grid

import (
	"errors"
	"fmt"
)

var (
	ErrTopology      = errors.New("invalid grid topology")
	ErrNotPowerOfTwo = errors.New("size is not a power of two")
	ErrNotCorner     = errors.New("node is not a grid corner")
	ErrNodeRange     = errors.New("node id out of range")
	ErrMaskNotSubset = errors.New("axis mask is not contained in total mask")
)

// A NodeID identifies a node in the grid.
type NodeID int

// A Coord is the position of a node in the grid.
type Coord struct {
	Column int
	Row    int
}

// A Topology is a grid of nodes numbered column by
// column: the first NodesPerColumn ids form column 0,
// the next NodesPerColumn ids form column 1, and so on.
type Topology struct {
	NumNodes       int
	NodesPerColumn int
}

// DefaultTopology is the 4x4 machine.
func DefaultTopology() Topology {
	return Topology{NumNodes: 16, NodesPerColumn: 4}
}

// Validate checks that the grid can be addressed with
// collective masks: both dimensions must be powers of two
// and the grid must be at least two columns wide.
func (t Topology) Validate() error {
	if !IsPowerOfTwo(t.NumNodes) {
		return fmt.Errorf("%w: %d nodes: %w", ErrTopology, t.NumNodes, ErrNotPowerOfTwo)
	}
	if !IsPowerOfTwo(t.NodesPerColumn) {
		return fmt.Errorf("%w: %d nodes per column: %w", ErrTopology, t.NodesPerColumn,
			ErrNotPowerOfTwo)
	}
	if t.NumNodes%t.NodesPerColumn != 0 || t.NumNodes < 2*t.NodesPerColumn {
		return fmt.Errorf("%w: %d nodes do not form at least two columns of %d", ErrTopology,
			t.NumNodes, t.NodesPerColumn)
	}
	return nil
}

// NumColumns returns the number of columns.
func (t Topology) NumColumns() int {
	return t.NumNodes / t.NodesPerColumn
}

// Contains checks if id names a node of the grid.
func (t Topology) Contains(id NodeID) bool {
	return id >= 0 && int(id) < t.NumNodes
}

// Coord returns the position of a node.
func (t Topology) Coord(id NodeID) Coord {
	if !t.Contains(id) {
		panic(fmt.Sprintf("node %d outside of %d-node grid", id, t.NumNodes))
	}
	return Coord{Column: int(id) / t.NodesPerColumn, Row: int(id) % t.NodesPerColumn}
}

// NodeAt returns the node at a position.
func (t Topology) NodeAt(c Coord) NodeID {
	if c.Row < 0 || c.Row >= t.NodesPerColumn || c.Column < 0 || c.Column >= t.NumColumns() {
		panic(fmt.Sprintf("coordinate %+v outside of grid", c))
	}
	return NodeID(c.Column*t.NodesPerColumn + c.Row)
}

// Corners returns the ids of the four corner nodes in
// ascending order.
func (t Topology) Corners() []NodeID {
	last := NodeID(t.NumNodes - 1)
	return []NodeID{
		0,
		NodeID(t.NodesPerColumn - 1),
		last - NodeID(t.NodesPerColumn-1),
		last,
	}
}

// IsCorner checks if a node sits at a corner of the grid.
func (t Topology) IsCorner(id NodeID) bool {
	for _, c := range t.Corners() {
		if c == id {
			return true
		}
	}
	return false
}

// CheckCorner returns ErrNotCorner (or ErrNodeRange) if
// id is not a corner of the grid.
func (t Topology) CheckCorner(id NodeID) error {
	if !t.Contains(id) {
		return fmt.Errorf("%w: node %d in %d-node grid", ErrNodeRange, id, t.NumNodes)
	}
	if !t.IsCorner(id) {
		return fmt.Errorf("%w: node %d (corners are %v)", ErrNotCorner, id, t.Corners())
	}
	return nil
}

// Sub returns the grid formed by the first numNodes nodes,
// which must be a whole number of columns.
func (t Topology) Sub(numNodes int) (Topology, error) {
	sub := Topology{NumNodes: numNodes, NodesPerColumn: t.NodesPerColumn}
	if numNodes > t.NumNodes {
		return sub, fmt.Errorf("%w: %d nodes requested from a %d-node machine", ErrTopology,
			numNodes, t.NumNodes)
	}
	return sub, sub.Validate()
}

// IsPowerOfTwo checks if n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
