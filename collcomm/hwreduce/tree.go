package hwreduce

import (
	"fmt"

	"github.com/unixpickle/gridcoll/collcomm"
	"github.com/unixpickle/gridcoll/grid"
	"github.com/unixpickle/gridcoll/interconnect"
)

// Tree is a software reduction up a binary tree rooted at
// the target. Each node folds its children's buffers into
// its own and unicasts the result to its parent.
type Tree struct{}

func (t Tree) Name() string {
	return "Tree"
}

// Plan assigns inner nodes the forwarding role and leaves
// the sending role.
func (t Tree) Plan(addrMap *grid.AddressMap, cfg Config) (*Plan, error) {
	p, err := newPlan(t.Name(), addrMap, cfg, 2*cfg.Length)
	if err != nil {
		return nil, err
	}
	for i := range p.roles {
		id := grid.NodeID(i)
		switch {
		case i >= p.Group.NumNodes:
			p.roles[i] = NonParticipant
		case id == cfg.Target:
			p.roles[i] = FinalTarget
		case len(treeChildren(p, id)) > 0:
			p.roles[i] = Stage1RecipientAndStage2Sender
		default:
			p.roles[i] = Stage1Sender
		}
	}

	var candidates []uint64
	for _, id := range p.Participants() {
		if id != cfg.Target {
			subtree := treeSubtree(p, id)
			candidates = append(candidates,
				ExpectedOver(cfg.Operator, cfg.Width, subtree, cfg.Length-1))
		}
	}
	if cfg.Broadcast {
		candidates = append(candidates,
			Expected(cfg.Operator, cfg.Width, p.Group.NumNodes, cfg.Length-1))
	}
	if p.Config, err = chooseFill(cfg, candidates); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return p, nil
}

// Reduce runs the plan on one node.
func (t Tree) Reduce(c *collcomm.Comms, p *Plan) (*NodeResult, error) {
	d, err := newDriver(c, p, 1)
	if err != nil {
		return nil, err
	}
	cfg := p.Config
	slot := func(i int) interconnect.Buffer {
		return d.bufs.gather.Slice(i*cfg.Length, (i+1)*cfg.Length)
	}
	children := treeChildren(p, c.ID)

	// fold waits for every child and combines their buffers
	// with this node's contribution.
	fold := func() ([]uint64, error) {
		acc := c.Memory.Read(d.bufs.src)
		for i := range children {
			if err := d.await(slot(i)); err != nil {
				return nil, err
			}
			collcomm.ReduceInto(c, cfg.Operator, cfg.Width, acc, c.Memory.Read(slot(i)))
		}
		return acc, nil
	}

	arm := func() {
		for i := range children {
			collcomm.ArmSentinel(c, slot(i).Last(), d.fill)
		}
	}
	return d.run(arm, []stage{{
		transfer: func() error {
			if !d.role.Participates() || d.role == FinalTarget {
				return nil
			}
			acc, err := fold()
			if err != nil {
				return err
			}
			c.Memory.Write(d.bufs.partial, acc)
			parent := treeParent(p, c.ID)
			return d.send(interconnect.Descriptor{
				Src: d.bufs.partial,
				Dst: c.Remote(slot(treeChildIndex(p, c.ID)), parent),
			})
		},
		await: func() error {
			if d.role != FinalTarget {
				return nil
			}
			acc, err := fold()
			if err != nil {
				return err
			}
			c.Memory.Write(d.bufs.result, acc)
			return nil
		},
	}})
}

// Tree ranks are node ids XORed with the target, so the
// target is the root at rank 0.

func treeRank(p *Plan, id grid.NodeID) int {
	return int(id ^ p.Config.Target)
}

func treeNode(p *Plan, rank int) grid.NodeID {
	return grid.NodeID(rank) ^ p.Config.Target
}

func treeParent(p *Plan, id grid.NodeID) grid.NodeID {
	return treeNode(p, (treeRank(p, id)-1)/2)
}

func treeChildIndex(p *Plan, id grid.NodeID) int {
	return (treeRank(p, id) - 1) % 2
}

func treeChildren(p *Plan, id grid.NodeID) []grid.NodeID {
	var res []grid.NodeID
	first := treeRank(p, id)*2 + 1
	for i := 0; i < 2; i++ {
		if first+i < p.Group.NumNodes {
			res = append(res, treeNode(p, first+i))
		}
	}
	return res
}

func treeSubtree(p *Plan, id grid.NodeID) []grid.NodeID {
	res := []grid.NodeID{id}
	for _, child := range treeChildren(p, id) {
		res = append(res, treeSubtree(p, child)...)
	}
	return res
}
