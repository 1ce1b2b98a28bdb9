// Package collcomm gives each simulated node a view of the
// grid and the primitives that collective operations are
// built from: transfers, completion polling and barriers.
package collcomm

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/unixpickle/gridcoll/grid"
	"github.com/unixpickle/gridcoll/interconnect"
	"github.com/unixpickle/gridcoll/simulator"
)

// ReservedBytes is the size of the region at the top of
// each node's window that is kept out of the allocator
// for synchronization words.
const ReservedBytes = 8 * interconnect.WordSize

// An Env holds what every node of a run shares.
type Env struct {
	Fabric *interconnect.Fabric

	// Engine issues the nodes' transfers.
	// If nil, Fabric is used directly.
	Engine interconnect.Engine

	// If nil, a FabricBarrier is used.
	Barrier Barrier

	// If nil, a SpinPoller is used.
	Poller Poller

	// If nil, logs are discarded.
	Logger *slog.Logger
}

// Comms is a node's view of the grid during a collective
// operation.
// Each node gets its own Comms object.
type Comms struct {
	// Handle is the node's main Goroutine's handle on the
	// event loop.
	Handle *simulator.Handle

	ID       grid.NodeID
	Topology grid.Topology
	AddrMap  *grid.AddressMap

	// Memory is the node's own scratchpad.
	Memory *interconnect.Scratchpad

	// Alloc hands out buffers in Memory. Nodes that make
	// the same allocations get the same offsets.
	Alloc *interconnect.Allocator

	Engine  interconnect.Engine
	Barrier Barrier
	Poller  Poller
	Logger  *slog.Logger
}

// Spawn creates a Comms object for every node of the
// fabric and calls f for each node in its own Goroutine.
//
// The fabric's memory controllers are started as well, and
// each one is halted once its node's f returns.
//
// The returned function must be called after the loop has
// finished running. It returns every error produced by f
// and by the fabric, joined together.
func Spawn(loop *simulator.EventLoop, env *Env, f func(c *Comms) error) func() error {
	fabric := env.Fabric
	engine := env.Engine
	if engine == nil {
		engine = fabric
	}
	barrier := env.Barrier
	if barrier == nil {
		barrier = NewFabricBarrier(fabric)
	}
	poller := env.Poller
	if poller == nil {
		poller = SpinPoller{}
	}
	logger := env.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	fabric.Start(loop)

	addrMap := fabric.AddrMap
	errs := make([]error, addrMap.Topology.NumNodes)
	for i := range errs {
		id := grid.NodeID(i)
		loop.GoNamed(fmt.Sprintf("node-%d", i), func(h *simulator.Handle) {
			defer fabric.Halt(h, id)
			c := &Comms{
				Handle:   h,
				ID:       id,
				Topology: addrMap.Topology,
				AddrMap:  addrMap,
				Memory:   fabric.Memory(id),
				Alloc: interconnect.NewAllocator(addrMap.NodeBase(id),
					addrMap.NodeSize()-ReservedBytes),
				Engine:  engine,
				Barrier: barrier,
				Poller:  poller,
				Logger:  logger.With("node", i),
			}
			if err := f(c); err != nil {
				errs[id] = fmt.Errorf("node %d: %w", id, err)
			}
		})
	}

	return func() error {
		return errors.Join(append(errs, fabric.Err())...)
	}
}

// Size gets the number of nodes in the grid.
func (c *Comms) Size() int {
	return c.Topology.NumNodes
}

// Coord returns the node's grid position.
func (c *Comms) Coord() grid.Coord {
	return c.Topology.Coord(c.ID)
}

// Issue starts a transfer from this node.
func (c *Comms) Issue(d interconnect.Descriptor) (*interconnect.Pending, error) {
	p, err := c.Engine.Issue(c.Handle, c.ID, d)
	if err == nil {
		c.Logger.Debug("issued transfer", "kind", d.Kind().String(), "dst",
			fmt.Sprintf("0x%x", d.Dst), "mask", d.Mask.String(), "words", d.Src.Len)
	}
	return p, err
}

// Wait blocks until this node has finished injecting a
// transfer.
func (c *Comms) Wait(p *interconnect.Pending) {
	c.Engine.Wait(c.Handle, p)
}

// Remote returns the address of buf's twin in another
// node's scratchpad.
func (c *Comms) Remote(buf interconnect.Buffer, dst grid.NodeID) uint64 {
	return c.AddrMap.RemoteAddr(buf.Addr, c.ID, dst)
}

// Reserved returns the address of the i-th word of the
// node's reserved region.
func (c *Comms) Reserved(i int) uint64 {
	return reservedAddr(c.AddrMap, c.ID, i)
}

// Sync waits at the barrier.
func (c *Comms) Sync() error {
	return c.Barrier.Wait(c)
}

// Poll waits until the word at addr no longer holds fill,
// and returns its new value.
func (c *Comms) Poll(addr, fill uint64) (uint64, error) {
	return c.Poller.PollUntilChanged(c, addr, fill)
}

func reservedAddr(a *grid.AddressMap, id grid.NodeID, i int) uint64 {
	if i < 0 || i*interconnect.WordSize >= ReservedBytes {
		panic(fmt.Sprintf("reserved word %d out of range", i))
	}
	return a.NodeBase(id) + a.NodeSize() - ReservedBytes + uint64(i*interconnect.WordSize)
}
