package collcomm

import (
	"fmt"
	"sync"

	"github.com/unixpickle/gridcoll/grid"
	"github.com/unixpickle/gridcoll/interconnect"
	"github.com/unixpickle/gridcoll/opcode"
	"github.com/unixpickle/gridcoll/simulator"
)

// A Barrier blocks every node until all nodes of the grid
// have reached it.
//
// Each completed Wait advances the node's phase by one.
type Barrier interface {
	Wait(c *Comms) error
	Phase(id grid.NodeID) int
}

// Reserved words used by FabricBarrier.
const (
	barrierArriveWord = iota
	barrierReleaseWord
	barrierContribWord
	barrierPhaseWord
)

// A FabricBarrier synchronizes nodes with transfers on
// the interconnect itself.
//
// Every node contributes the number of the phase it is
// entering to a parallel-AND reduction that lands on the
// coordinator (node 0). Once the merged word shows the new
// phase, the coordinator multicasts it to a release word
// on every node, which each node polls.
type FabricBarrier struct {
	fabric *interconnect.Fabric

	lock   sync.Mutex
	phases []int
}

// NewFabricBarrier creates a barrier over all of the
// fabric's nodes.
func NewFabricBarrier(f *interconnect.Fabric) *FabricBarrier {
	return &FabricBarrier{
		fabric: f,
		phases: make([]int, f.AddrMap.Topology.NumNodes),
	}
}

// Phase returns the number of barriers a node has passed.
func (f *FabricBarrier) Phase(id grid.NodeID) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.phases[id]
}

// Wait enters the barrier.
func (f *FabricBarrier) Wait(c *Comms) error {
	phase := f.Phase(c.ID)
	next := uint64(phase + 1)

	code, err := opcode.ForSync(opcode.BitAnd, opcode.W32)
	if err != nil {
		return err
	}
	mask, err := c.AddrMap.FullMask(c.Topology.NumNodes)
	if err != nil {
		return err
	}

	contrib := interconnect.Buffer{Addr: c.Reserved(barrierContribWord), Len: 1}
	c.Memory.Store(contrib.Addr, next)
	p, err := f.fabric.IssueSync(c.Handle, c.ID, interconnect.Descriptor{
		Src:     contrib,
		Dst:     reservedAddr(c.AddrMap, 0, barrierArriveWord),
		Mask:    mask,
		Code:    code,
		HasCode: true,
	})
	if err != nil {
		return fmt.Errorf("barrier %d: %w", phase, err)
	}
	f.fabric.Wait(c.Handle, p)

	if c.ID == 0 {
		if err := f.release(c, mask, uint64(phase), next); err != nil {
			return err
		}
	}

	released, err := c.Poll(c.Reserved(barrierReleaseWord), uint64(phase))
	if err != nil {
		return fmt.Errorf("barrier %d: waiting for release: %w", phase, err)
	} else if released != next {
		panic(fmt.Sprintf("node %d released into phase %d while entering phase %d", c.ID,
			released, next))
	}

	f.lock.Lock()
	f.phases[c.ID]++
	f.lock.Unlock()
	c.Logger.Debug("passed barrier", "phase", next, "cycle", c.Handle.Time())
	return nil
}

func (f *FabricBarrier) release(c *Comms, mask grid.Mask, phase, next uint64) error {
	arrived, err := c.Poll(c.Reserved(barrierArriveWord), phase)
	if err != nil {
		return fmt.Errorf("barrier %d: waiting for arrivals: %w", phase, err)
	} else if arrived != next {
		panic(fmt.Sprintf("barrier merged phase %d while entering phase %d", arrived, next))
	}
	src := interconnect.Buffer{Addr: c.Reserved(barrierPhaseWord), Len: 1}
	c.Memory.Store(src.Addr, next)
	p, err := f.fabric.IssueSync(c.Handle, c.ID, interconnect.Descriptor{
		Src:     src,
		Dst:     c.Reserved(barrierReleaseWord),
		Mask:    mask,
		Code:    opcode.Multicast,
		HasCode: true,
	})
	if err != nil {
		return fmt.Errorf("barrier %d: release: %w", phase, err)
	}
	f.fabric.Wait(c.Handle, p)
	return nil
}

// A CounterBarrier is a barrier that lives outside of the
// simulated interconnect: arrivals are counted in shared
// memory and the last node to arrive wakes every node
// through an EventStream.
//
// A node that never arrives leaves the others polling,
// which the EventLoop reports as a deadlock.
type CounterBarrier struct {
	lock    sync.Mutex
	count   int
	phases  []int
	release []*simulator.EventStream
}

// NewCounterBarrier creates a barrier for numNodes nodes.
func NewCounterBarrier(loop *simulator.EventLoop, numNodes int) *CounterBarrier {
	res := &CounterBarrier{
		phases:  make([]int, numNodes),
		release: make([]*simulator.EventStream, numNodes),
	}
	for i := range res.release {
		res.release[i] = loop.Stream()
	}
	return res
}

// Phase returns the number of barriers a node has passed.
func (b *CounterBarrier) Phase(id grid.NodeID) int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.phases[id]
}

// Wait enters the barrier.
func (b *CounterBarrier) Wait(c *Comms) error {
	b.lock.Lock()
	b.count++
	if b.count == len(b.release) {
		b.count = 0
		for _, stream := range b.release {
			c.Handle.Schedule(stream, nil, 0)
		}
	}
	b.lock.Unlock()

	c.Handle.Poll(b.release[c.ID])

	b.lock.Lock()
	b.phases[c.ID]++
	phase := b.phases[c.ID]
	b.lock.Unlock()
	c.Logger.Debug("passed barrier", "phase", phase, "cycle", c.Handle.Time())
	return nil
}
