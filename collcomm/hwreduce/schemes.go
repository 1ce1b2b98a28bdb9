package hwreduce

import (
	"fmt"

	"github.com/unixpickle/gridcoll/collcomm"
	"github.com/unixpickle/gridcoll/grid"
	"github.com/unixpickle/gridcoll/interconnect"
	"github.com/unixpickle/gridcoll/opcode"
)

// TwoStage reduces each column onto the member of the
// column that shares the target's row, then reduces that
// row onto the target.
//
// Every merge happens along a single axis of the grid.
type TwoStage struct{}

func (t TwoStage) Name() string {
	return "TwoStage"
}

// Plan assigns the two-stage roles.
func (t TwoStage) Plan(addrMap *grid.AddressMap, cfg Config) (*Plan, error) {
	p, err := hardwarePlan(t.Name(), addrMap, cfg)
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
		case p.Stage1Recipient(id) == id:
			p.roles[i] = Stage1RecipientAndStage2Sender
		default:
			p.roles[i] = Stage1Sender
		}
	}

	last := cfg.Length - 1
	candidates := []uint64{Expected(cfg.Operator, cfg.Width, p.Group.NumNodes, last)}
	for col := 0; col < p.Group.NumColumns(); col++ {
		column := p.Column(p.Group.NodeAt(grid.Coord{Column: col}))
		candidates = append(candidates, ExpectedOver(cfg.Operator, cfg.Width, column, last))
	}
	if p.Config, err = chooseFill(cfg, candidates); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return p, nil
}

// Reduce runs the plan on one node.
func (t TwoStage) Reduce(c *collcomm.Comms, p *Plan) (*NodeResult, error) {
	d, err := newDriver(c, p, 2)
	if err != nil {
		return nil, err
	}
	arm := func() {
		if d.role.ReceivesStage1() {
			collcomm.ArmSentinel(c, d.bufs.partial.Last(), d.fill)
		}
		if d.role == FinalTarget {
			collcomm.ArmSentinel(c, d.bufs.result.Last(), d.fill)
		}
	}
	return d.run(arm, []stage{
		{
			transfer: func() error {
				if !d.role.Participates() {
					return nil
				}
				return d.reduce(d.bufs.src, p.Stage1Recipient(c.ID), d.bufs.partial, p.Stage1Mask)
			},
			await: func() error {
				if !d.role.ReceivesStage1() {
					return nil
				}
				return d.await(d.bufs.partial)
			},
		},
		{
			transfer: func() error {
				if !d.role.ReceivesStage1() {
					return nil
				}
				return d.reduce(d.bufs.partial, p.Config.Target, d.bufs.result, p.Stage2Mask)
			},
			await: func() error {
				if d.role != FinalTarget {
					return nil
				}
				return d.await(d.bufs.result)
			},
		},
	})
}

// OneStage reduces every participant straight onto the
// target with a single mask spanning the whole group.
type OneStage struct{}

func (o OneStage) Name() string {
	return "OneStage"
}

// Plan assigns the single-stage roles.
func (o OneStage) Plan(addrMap *grid.AddressMap, cfg Config) (*Plan, error) {
	p, err := hardwarePlan(o.Name(), addrMap, cfg)
	if err != nil {
		return nil, err
	}
	assignStarRoles(p)
	last := cfg.Length - 1
	candidates := []uint64{Expected(cfg.Operator, cfg.Width, p.Group.NumNodes, last)}
	if p.Config, err = chooseFill(cfg, candidates); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return p, nil
}

// Reduce runs the plan on one node.
func (o OneStage) Reduce(c *collcomm.Comms, p *Plan) (*NodeResult, error) {
	d, err := newDriver(c, p, 1)
	if err != nil {
		return nil, err
	}
	arm := func() {
		if d.role == FinalTarget {
			collcomm.ArmSentinel(c, d.bufs.result.Last(), d.fill)
		}
	}
	return d.run(arm, []stage{{
		transfer: func() error {
			if !d.role.Participates() {
				return nil
			}
			return d.reduce(d.bufs.src, p.Config.Target, d.bufs.result, p.FullMask)
		},
		await: func() error {
			if d.role != FinalTarget {
				return nil
			}
			return d.await(d.bufs.result)
		},
	}})
}

// Star is the software baseline: every participant
// streams its buffer, chunk by chunk, into its own slot
// of a gather region on the target, and the target's core
// folds the chunks as they land.
//
// It supports every operator and width.
type Star struct{}

func (s Star) Name() string {
	return "Star"
}

// Plan assigns the star roles and reserves the gather
// region.
func (s Star) Plan(addrMap *grid.AddressMap, cfg Config) (*Plan, error) {
	p, err := newPlan(s.Name(), addrMap, cfg, cfg.Participants*cfg.Length)
	if err != nil {
		return nil, err
	}
	assignStarRoles(p)

	var candidates []uint64
	for _, id := range p.Participants() {
		if id == cfg.Target {
			continue
		}
		for _, bounds := range chunkBounds(cfg.Length, cfg.NumChunks()) {
			candidates = append(candidates, Contribution(cfg.Operator, cfg.Width, id, bounds[1]-1))
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
func (s Star) Reduce(c *collcomm.Comms, p *Plan) (*NodeResult, error) {
	d, err := newDriver(c, p, 1)
	if err != nil {
		return nil, err
	}
	cfg := p.Config
	chunks := chunkBounds(cfg.Length, cfg.NumChunks())
	slot := func(id grid.NodeID) interconnect.Buffer {
		return d.bufs.gather.Slice(int(id)*cfg.Length, int(id+1)*cfg.Length)
	}
	senders := make([]grid.NodeID, 0, p.Group.NumNodes-1)
	for _, id := range p.Participants() {
		if id != cfg.Target {
			senders = append(senders, id)
		}
	}

	arm := func() {
		if d.role != FinalTarget {
			return
		}
		for _, id := range senders {
			for _, b := range chunks {
				collcomm.ArmSentinel(c, slot(id).Slice(b[0], b[1]).Last(), d.fill)
			}
		}
	}
	return d.run(arm, []stage{{
		transfer: func() error {
			if d.role != Stage1Sender {
				return nil
			}
			for _, b := range chunks {
				err := d.send(interconnect.Descriptor{
					Src: d.bufs.src.Slice(b[0], b[1]),
					Dst: c.Remote(slot(c.ID).Slice(b[0], b[1]), cfg.Target),
				})
				if err != nil {
					return err
				}
			}
			return nil
		},
		await: func() error {
			if d.role != FinalTarget {
				return nil
			}
			acc := c.Memory.Read(d.bufs.src)
			for _, b := range chunks {
				for _, id := range senders {
					chunk := slot(id).Slice(b[0], b[1])
					if err := d.await(chunk); err != nil {
						return err
					}
					collcomm.ReduceInto(c, cfg.Operator, cfg.Width, acc[b[0]:b[1]],
						c.Memory.Read(chunk))
				}
			}
			c.Memory.Write(d.bufs.result, acc)
			return nil
		},
	}})
}

func hardwarePlan(scheme string, addrMap *grid.AddressMap, cfg Config) (*Plan, error) {
	p, err := newPlan(scheme, addrMap, cfg, 0)
	if err != nil {
		return nil, err
	}
	code, err := opcode.For(cfg.Operator, cfg.Width)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	p.Code = code
	return p, nil
}

func assignStarRoles(p *Plan) {
	for i := range p.roles {
		switch {
		case i >= p.Group.NumNodes:
			p.roles[i] = NonParticipant
		case grid.NodeID(i) == p.Config.Target:
			p.roles[i] = FinalTarget
		default:
			p.roles[i] = Stage1Sender
		}
	}
}

// chunkBounds splits [0, length) into n contiguous,
// non-empty ranges. It requires 0 < n <= length.
func chunkBounds(length, n int) [][2]int {
	res := make([][2]int, n)
	for i := range res {
		res[i] = [2]int{i * length / n, (i + 1) * length / n}
	}
	return res
}
