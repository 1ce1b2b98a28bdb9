package hwreduce

import (
	"fmt"

	"github.com/unixpickle/gridcoll/collcomm"
	"github.com/unixpickle/gridcoll/grid"
	"github.com/unixpickle/gridcoll/interconnect"
	"github.com/unixpickle/gridcoll/opcode"
)

// A stage is one round of transfers, closed by a
// completion wait and a barrier.
type stage struct {
	transfer func() error
	await    func() error
}

var stageStates = [][3]State{
	{Stage1Transfer, Stage1AwaitCompletion, BarrierA},
	{Stage2Transfer, Stage2AwaitCompletion, BarrierB},
}

// driver runs the iterations of a plan on one node.
type driver struct {
	c      *collcomm.Comms
	plan   *Plan
	role   Role
	fill   uint64
	bufs   *buffers
	states *stateMachine
	result *NodeResult
}

func newDriver(c *collcomm.Comms, p *Plan, numStages int) (*driver, error) {
	if c.Size() != len(p.roles) {
		return nil, fmt.Errorf("%w: plan for %d nodes run on %d", ErrConfig, len(p.roles),
			c.Size())
	}
	bufs, err := p.allocate(c)
	if err != nil {
		return nil, err
	}
	role := p.Role(c.ID)
	coord := c.Coord()
	logger := c.Logger.With("column", coord.Column, "row", coord.Row)
	return &driver{
		c:      c,
		plan:   p,
		role:   role,
		fill:   p.Config.FillValue(),
		bufs:   bufs,
		states: newStateMachine(logger),
		result: &NodeResult{Role: role, StageCycles: make([]float64, numStages)},
	}, nil
}

// run performs every iteration. The arm function writes
// the fill value to each completion word the node owns;
// it is called while filling, before the barrier that
// lets any node issue a transfer.
func (d *driver) run(arm func(), stages []stage) (*NodeResult, error) {
	cfg := d.plan.Config
	for iter := 0; iter < cfg.Iterations; iter++ {
		d.states.enter(Filling)
		d.fillSource()
		arm()
		if cfg.Broadcast && d.role.Participates() {
			collcomm.ArmSentinel(d.c, d.bufs.broadcast.Last(), d.fill)
		}
		if err := d.c.Sync(); err != nil {
			return nil, d.wrap(iter, err)
		}

		for i, s := range stages {
			states := stageStates[i]
			start := d.c.Handle.Time()
			d.states.enter(states[0])
			if err := s.transfer(); err != nil {
				return nil, d.wrap(iter, err)
			}
			d.states.enter(states[1])
			if err := s.await(); err != nil {
				return nil, d.wrap(iter, err)
			}
			d.states.enter(states[2])
			if err := d.c.Sync(); err != nil {
				return nil, d.wrap(iter, err)
			}
			d.result.StageCycles[i] = d.c.Handle.Time() - start
		}

		if cfg.Broadcast {
			if err := d.broadcast(); err != nil {
				return nil, d.wrap(iter, err)
			}
		}
		if iter+1 == cfg.Iterations {
			d.states.enter(Evaluate)
			d.evaluate()
		}
	}
	d.states.enter(Done)
	return d.result, nil
}

func (d *driver) wrap(iter int, err error) error {
	return fmt.Errorf("%s: iteration %d: %v: %w", d.plan.Scheme, iter, d.states.State(), err)
}

func (d *driver) fillSource() {
	if !d.role.Participates() {
		return
	}
	cfg := d.plan.Config
	values := make([]uint64, cfg.Length)
	for i := range values {
		values[i] = Contribution(cfg.Operator, cfg.Width, d.c.ID, i)
	}
	d.c.Memory.Write(d.bufs.src, values)
}

// reduce sends src as a reduction contribution to the
// twin of dstBuf on node dst.
func (d *driver) reduce(src interconnect.Buffer, dst grid.NodeID, dstBuf interconnect.Buffer,
	mask grid.Mask) error {
	return d.send(interconnect.Descriptor{
		Src:     src,
		Dst:     d.c.Remote(dstBuf, dst),
		Mask:    mask,
		Code:    d.plan.Code,
		HasCode: true,
	})
}

func (d *driver) send(desc interconnect.Descriptor) error {
	p, err := d.c.Issue(desc)
	if err != nil {
		return err
	}
	d.c.Wait(p)
	return nil
}

// await polls the completion word of a local buffer.
func (d *driver) await(buf interconnect.Buffer) error {
	_, err := d.c.Poll(buf.Last(), d.fill)
	return err
}

func (d *driver) broadcast() error {
	start := d.c.Handle.Time()
	d.states.enter(Broadcast)
	if d.role == FinalTarget {
		err := d.send(interconnect.Descriptor{
			Src:     d.bufs.result,
			Dst:     d.bufs.broadcast.Addr,
			Mask:    d.plan.FullMask,
			Code:    opcode.Multicast,
			HasCode: true,
		})
		if err != nil {
			return err
		}
	}
	d.states.enter(BroadcastAwaitCompletion)
	if d.role.Participates() {
		if err := d.await(d.bufs.broadcast); err != nil {
			return err
		}
	}
	d.states.enter(BarrierC)
	if err := d.c.Sync(); err != nil {
		return err
	}
	d.result.BroadcastCycles = d.c.Handle.Time() - start
	return nil
}

func (d *driver) evaluate() {
	cfg := d.plan.Config
	n := d.plan.Group.NumNodes
	if d.role == FinalTarget {
		values := d.c.Memory.Read(d.bufs.result)
		d.result.Result = values
		d.result.Mismatches = d.countMismatches(values, n)
		d.c.Logger.Info("evaluated reduction", "mismatches", d.result.Mismatches,
			"first", opcode.Format(cfg.Operator, cfg.Width, values[0]))
	}
	if cfg.Broadcast && d.role.Participates() {
		values := d.c.Memory.Read(d.bufs.broadcast)
		d.result.BroadcastMismatches = d.countMismatches(values, n)
	}
}

func (d *driver) countMismatches(values []uint64, n int) int {
	cfg := d.plan.Config
	var count int
	for i, actual := range values {
		expected := Expected(cfg.Operator, cfg.Width, n, i)
		if actual != expected {
			if count == 0 {
				d.c.Logger.Debug("mismatch", "index", i,
					"expected", opcode.Format(cfg.Operator, cfg.Width, expected),
					"actual", opcode.Format(cfg.Operator, cfg.Width, actual))
			}
			count++
		}
	}
	return count
}
