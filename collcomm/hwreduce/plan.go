// Package hwreduce implements reductions that let the
// interconnect merge contributions in flight, staged
// along the axes of the node grid.
package hwreduce

import (
	"fmt"

	"github.com/unixpickle/gridcoll/collcomm"
	"github.com/unixpickle/gridcoll/grid"
	"github.com/unixpickle/gridcoll/interconnect"
	"github.com/unixpickle/gridcoll/opcode"
)

// A Reducer is a scheme for reducing one buffer per
// participating node onto a target node.
type Reducer interface {
	Name() string

	// Plan validates a config against a machine and
	// decides every node's role.
	// It is called once per run, before any node starts.
	Plan(addrMap *grid.AddressMap, cfg Config) (*Plan, error)

	// Reduce runs every iteration of the plan on one node.
	// It is called on every node of the machine, including
	// non-participants.
	Reduce(c *collcomm.Comms, p *Plan) (*NodeResult, error)
}

// A Plan is a validated reduction config bound to a
// machine.
type Plan struct {
	Scheme  string
	Config  Config
	AddrMap *grid.AddressMap

	// Group is the grid formed by the participants.
	Group grid.Topology

	// Stage1Mask spans one column of the group,
	// Stage2Mask spans one row, and FullMask spans the
	// whole group.
	Stage1Mask grid.Mask
	Stage2Mask grid.Mask
	FullMask   grid.Mask

	// Code is the interconnect opcode for the operator.
	// It is unused by software schemes.
	Code opcode.Code

	roles       []Role
	gatherWords int
}

// newPlan performs the checks shared by every scheme.
// The caller assigns roles and checks the fill value.
func newPlan(scheme string, addrMap *grid.AddressMap, cfg Config, gatherWords int) (*Plan, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Width == opcode.W32 && cfg.FillValue()&^widthMask(opcode.W32) != 0 {
		return nil, fmt.Errorf("%w: fill 0x%x does not fit in 32 bits", ErrConfig, cfg.FillValue())
	}
	group, err := addrMap.Topology.Sub(cfg.Participants)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if err := group.CheckCorner(cfg.Target); err != nil {
		return nil, fmt.Errorf("%w: target: %w", ErrConfig, err)
	}

	p := &Plan{
		Scheme:      scheme,
		Config:      cfg,
		AddrMap:     addrMap,
		Group:       group,
		roles:       make([]Role, addrMap.Topology.NumNodes),
		gatherWords: gatherWords,
	}
	if p.Stage1Mask, err = addrMap.AxisMask(group.NodesPerColumn); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if p.FullMask, err = addrMap.FullMask(group.NumNodes); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if p.Stage2Mask, err = grid.BuildComplementMask(p.FullMask, p.Stage1Mask); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	capacity := int((addrMap.NodeSize() - collcomm.ReservedBytes) / interconnect.WordSize)
	if words := numBuffers*cfg.Length + gatherWords; words > capacity {
		return nil, fmt.Errorf("%w: %d words per node exceed %d: %w", ErrConfig, words, capacity,
			interconnect.ErrOutOfMemory)
	}
	return p, nil
}

// Role returns the role of a node of the machine.
func (p *Plan) Role(id grid.NodeID) Role {
	return p.roles[id]
}

// Roles returns the role of every node of the machine.
func (p *Plan) Roles() []Role {
	return append([]Role{}, p.roles...)
}

// Participants returns the ids of the participating
// nodes.
func (p *Plan) Participants() []grid.NodeID {
	res := make([]grid.NodeID, p.Group.NumNodes)
	for i := range res {
		res[i] = grid.NodeID(i)
	}
	return res
}

// Column returns the participants in a node's column.
func (p *Plan) Column(id grid.NodeID) []grid.NodeID {
	col := p.Group.Coord(id).Column
	res := make([]grid.NodeID, p.Group.NodesPerColumn)
	for row := range res {
		res[row] = p.Group.NodeAt(grid.Coord{Column: col, Row: row})
	}
	return res
}

// Stage1Recipient returns the node that collects the
// partial result of a node's column: the member of that
// column in the target's row.
func (p *Plan) Stage1Recipient(id grid.NodeID) grid.NodeID {
	return p.Group.NodeAt(grid.Coord{
		Column: p.Group.Coord(id).Column,
		Row:    p.Group.Coord(p.Config.Target).Row,
	})
}

// numBuffers is the number of Length-sized buffers each
// node allocates, not counting the gather region.
const numBuffers = 4

// buffers is one node's view of the plan's memory layout.
// Every node allocates the same layout, so each buffer
// has a twin at the same offset on every other node.
type buffers struct {
	src       interconnect.Buffer
	partial   interconnect.Buffer
	result    interconnect.Buffer
	broadcast interconnect.Buffer
	gather    interconnect.Buffer
}

func (p *Plan) allocate(c *collcomm.Comms) (*buffers, error) {
	var res buffers
	var err error
	for _, b := range []*interconnect.Buffer{&res.src, &res.partial, &res.result, &res.broadcast} {
		if *b, err = c.Alloc.Next(p.Config.Length); err != nil {
			return nil, err
		}
	}
	if p.gatherWords > 0 {
		if res.gather, err = c.Alloc.Next(p.gatherWords); err != nil {
			return nil, err
		}
	}
	return &res, nil
}

// NodeResult is what one node observed during a run.
type NodeResult struct {
	Role Role

	// Mismatches is the number of wrong elements in the
	// reduced buffer. It is only set on the target.
	Mismatches int

	// BroadcastMismatches is the number of wrong elements
	// in the node's broadcast copy.
	BroadcastMismatches int

	// StageCycles holds the duration of each stage of the
	// last iteration, from the start of its transfers to
	// the end of the barrier closing it.
	StageCycles []float64

	BroadcastCycles float64

	// Result is the target's reduced buffer.
	Result []uint64
}
