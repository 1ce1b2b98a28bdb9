package interconnect

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/unixpickle/gridcoll/grid"
	"github.com/unixpickle/gridcoll/opcode"
	"github.com/unixpickle/gridcoll/simulator"
)

// A NetworkFunc creates the network that carries a
// fabric's traffic between its nodes.
type NetworkFunc func(nodes []*simulator.Node) simulator.Network

// FabricConfig holds the timing parameters of a Fabric.
type FabricConfig struct {
	// Latency is the fixed number of cycles for a
	// transfer to cross the default network.
	Latency float64

	// Rate is the link bandwidth of the default network,
	// in bytes per cycle.
	Rate float64

	// InjectRate is the number of bytes per cycle that an
	// issuing node pushes into the interconnect.
	InjectRate float64

	// MergeDelay is the number of cycles a memory
	// controller spends on each reduction contribution.
	MergeDelay float64
}

// DefaultFabricConfig returns timing loosely based on a
// 512-bit wide interconnect.
func DefaultFabricConfig() FabricConfig {
	return FabricConfig{
		Latency:    16,
		Rate:       64,
		InjectRate: 64,
		MergeDelay: 1,
	}
}

// Validate checks that every rate is positive and every
// delay is non-negative.
func (f FabricConfig) Validate() error {
	if f.Rate <= 0 || f.InjectRate <= 0 {
		return fmt.Errorf("fabric config: rates must be positive (rate=%f, inject=%f)", f.Rate,
			f.InjectRate)
	}
	if f.Latency < 0 || f.MergeDelay < 0 {
		return fmt.Errorf("fabric config: delays must be non-negative (latency=%f, merge=%f)",
			f.Latency, f.MergeDelay)
	}
	return nil
}

// Stats counts the transfers issued on a Fabric.
type Stats struct {
	Transfers map[Kind]int
	Bytes     map[Kind]int

	// Syncs counts the transfers issued with IssueSync.
	Syncs int
}

// Total returns the number of transfers of every kind.
func (s Stats) Total() int {
	var res int
	for _, n := range s.Transfers {
		res += n
	}
	return res
}

// A Fabric is an Engine that moves data between node
// scratchpads over a simulator.Network.
//
// Each node has a memory controller Goroutine which
// applies incoming writes and merges reduction
// contributions. A reduction to address A with mask M
// expects exactly one contribution from every node that
// matches A under M. The merged value is written to A once
// the last contribution arrives.
type Fabric struct {
	Config  FabricConfig
	AddrMap *grid.AddressMap
	Logger  *slog.Logger

	network  simulator.Network
	nodes    []*simulator.Node
	ports    []*simulator.Port
	memories []*Scratchpad

	lock  sync.Mutex
	stats Stats
	errs  []error
}

// NewFabric creates a fabric with one scratchpad and one
// port per node of the address map's topology.
//
// If makeNetwork is nil, the nodes are connected by a
// switched network whose links never slow each other
// down.
func NewFabric(loop *simulator.EventLoop, addrMap *grid.AddressMap, cfg FabricConfig,
	makeNetwork NetworkFunc) (*Fabric, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := addrMap.Topology.Validate(); err != nil {
		return nil, err
	}
	numNodes := addrMap.Topology.NumNodes
	f := &Fabric{
		Config:   cfg,
		AddrMap:  addrMap,
		Logger:   slog.New(slog.DiscardHandler),
		nodes:    simulator.NewNodes(numNodes),
		ports:    make([]*simulator.Port, numNodes),
		memories: make([]*Scratchpad, numNodes),
		stats: Stats{
			Transfers: map[Kind]int{},
			Bytes:     map[Kind]int{},
		},
	}
	for i, node := range f.nodes {
		f.ports[i] = node.Port(loop)
		f.memories[i] = NewScratchpad(addrMap.NodeBase(grid.NodeID(i)), addrMap.NodeSize())
	}
	if makeNetwork == nil {
		makeNetwork, _ = NamedNetwork(NetworkNames[0], cfg)
	}
	f.network = makeNetwork(f.nodes)
	return f, nil
}

// Nodes returns the simulated network endpoints, indexed
// by node id.
func (f *Fabric) Nodes() []*simulator.Node {
	return f.nodes
}

// Memory returns a node's scratchpad.
func (f *Fabric) Memory(id grid.NodeID) *Scratchpad {
	return f.memories[id]
}

// Start launches every memory controller on the loop.
// Each controller runs until Halt is called for its node.
func (f *Fabric) Start(loop *simulator.EventLoop) {
	for i := range f.nodes {
		id := grid.NodeID(i)
		loop.GoNamed(fmt.Sprintf("controller-%d", i), func(h *simulator.Handle) {
			f.runController(h, id)
		})
	}
}

// Halt stops a node's memory controller once it has
// handled every message that already reached it.
func (f *Fabric) Halt(h *simulator.Handle, id grid.NodeID) {
	port := f.ports[id]
	h.Schedule(port.Incoming, &simulator.Message{Dest: port, Payload: haltPacket{}}, 0)
}

// Issue starts a transfer.
//
// Sync-only reduction codes are rejected with
// opcode.ErrSyncOnly.
func (f *Fabric) Issue(h *simulator.Handle, from grid.NodeID, d Descriptor) (*Pending, error) {
	return f.issue(h, from, d, false)
}

// IssueSync is like Issue, but it accepts every reduction
// code, including the ones reserved for synchronization.
func (f *Fabric) IssueSync(h *simulator.Handle, from grid.NodeID, d Descriptor) (*Pending, error) {
	return f.issue(h, from, d, true)
}

// Wait sleeps until the issuing side has injected the
// whole payload.
func (f *Fabric) Wait(h *simulator.Handle, p *Pending) {
	h.SleepUntil(p.InjectedTime)
}

// Stats returns a snapshot of the transfer counters.
func (f *Fabric) Stats() Stats {
	f.lock.Lock()
	defer f.lock.Unlock()
	res := Stats{Transfers: map[Kind]int{}, Bytes: map[Kind]int{}, Syncs: f.stats.Syncs}
	for k, v := range f.stats.Transfers {
		res.Transfers[k] = v
	}
	for k, v := range f.stats.Bytes {
		res.Bytes[k] = v
	}
	return res
}

// Err returns the errors that memory controllers ran
// into, joined together, or nil.
func (f *Fabric) Err() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	return errors.Join(f.errs...)
}

func (f *Fabric) issue(h *simulator.Handle, from grid.NodeID, d Descriptor,
	syncPath bool) (*Pending, error) {
	targets, group, err := f.route(from, d, syncPath)
	if err != nil {
		return nil, fmt.Errorf("issue %v from node %d: %w", d.Kind(), from, err)
	}

	values := f.memories[from].Read(d.Src)
	destNode, _ := f.AddrMap.NodeOf(d.Dst)
	msgs := make([]*simulator.Message, len(targets))
	for i, target := range targets {
		msgs[i] = &simulator.Message{
			Source: f.ports[from],
			Dest:   f.ports[target],
			Payload: &packet{
				kind:   d.Kind(),
				from:   from,
				addr:   f.AddrMap.RemoteAddr(d.Dst, destNode, target),
				code:   d.Code,
				mask:   d.Mask,
				group:  group,
				values: values,
			},
			Size: float64(d.Bytes()),
		}
	}
	f.network.Send(h, msgs...)

	f.lock.Lock()
	f.stats.Transfers[d.Kind()]++
	f.stats.Bytes[d.Kind()] += d.Bytes()
	if syncPath {
		f.stats.Syncs++
	}
	f.lock.Unlock()

	now := h.Time()
	return &Pending{
		Descriptor:   d,
		From:         from,
		Targets:      targets,
		IssueTime:    now,
		InjectedTime: now + float64(d.Bytes())/f.Config.InjectRate,
	}, nil
}

// route validates a descriptor and finds the nodes that
// receive it, along with the number of contributions a
// reduction expects.
func (f *Fabric) route(from grid.NodeID, d Descriptor, syncPath bool) ([]grid.NodeID, int, error) {
	if !f.AddrMap.Topology.Contains(from) {
		return nil, 0, fmt.Errorf("node %d: %w", from, grid.ErrNodeRange)
	}
	if !f.memories[from].Contains(d.Src) {
		return nil, 0, fmt.Errorf("%d words at 0x%x: %w", d.Src.Len, d.Src.Addr, ErrSourceRange)
	}
	if d.HasCode && d.Code != opcode.Multicast {
		if !d.Code.IsReduction() {
			return nil, 0, fmt.Errorf("code %v: %w", d.Code, opcode.ErrUnsupported)
		} else if d.Code.SyncOnly() && !syncPath {
			return nil, 0, fmt.Errorf("code %v: %w", d.Code, opcode.ErrSyncOnly)
		}
	} else if !d.HasCode && d.Mask != 0 {
		return nil, 0, fmt.Errorf("unicast with mask %v: %w", d.Mask, ErrDescriptor)
	}

	destNode, err := f.AddrMap.NodeOf(d.Dst)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrDestRange, err)
	}
	if !f.memories[destNode].Contains(d.DstBuffer()) {
		return nil, 0, fmt.Errorf("%d words at 0x%x: %w", d.Src.Len, d.Dst, ErrDestRange)
	}

	switch d.Kind() {
	case Unicast:
		return []grid.NodeID{destNode}, 1, nil
	case Multicast:
		members, err := f.AddrMap.Members(d.Dst, d.Mask)
		return members, len(members), err
	default:
		members, err := f.AddrMap.Members(d.Dst, d.Mask)
		if err != nil {
			return nil, 0, err
		}
		for _, m := range members {
			if m == from {
				return []grid.NodeID{destNode}, len(members), nil
			}
		}
		return nil, 0, fmt.Errorf("node %d not in %v: %w", from, members, ErrNotMember)
	}
}

func (f *Fabric) runController(h *simulator.Handle, id grid.NodeID) {
	merges := map[mergeKey]*merge{}
	for {
		msg := f.ports[id].Recv(h)
		switch p := msg.Payload.(type) {
		case haltPacket:
			if len(merges) > 0 {
				f.Logger.Debug("controller halted with unfinished reductions",
					"node", id, "pending", len(merges))
			}
			return
		case *packet:
			if p.kind == Reduction {
				f.merge(h, id, merges, p)
			} else {
				f.memories[id].Write(Buffer{Addr: p.addr, Len: len(p.values)}, p.values)
			}
		default:
			panic(fmt.Sprintf("unexpected payload type %T", p))
		}
	}
}

func (f *Fabric) merge(h *simulator.Handle, id grid.NodeID, merges map[mergeKey]*merge,
	p *packet) {
	key := mergeKey{addr: p.addr, code: p.code, mask: p.mask}
	m, ok := merges[key]
	if !ok {
		m = &merge{
			values:       append([]uint64{}, p.values...),
			contributors: map[grid.NodeID]bool{},
			group:        p.group,
		}
		merges[key] = m
	} else {
		if len(p.values) != len(m.values) {
			f.fail(fmt.Errorf("node %d: reduction at 0x%x: %d words from node %d, expected %d: %w",
				id, p.addr, len(p.values), p.from, len(m.values), ErrLengthMismatch))
			return
		}
		if m.contributors[p.from] {
			panic(fmt.Sprintf("node %d contributed twice to reduction at 0x%x", p.from, p.addr))
		}
		op, w, _ := p.code.Operator()
		for i, v := range p.values {
			m.values[i] = opcode.Combine(op, w, m.values[i], v)
		}
	}
	m.contributors[p.from] = true
	h.Sleep(f.Config.MergeDelay)

	if len(m.contributors) == m.group {
		delete(merges, key)
		f.memories[id].Write(Buffer{Addr: p.addr, Len: len(m.values)}, m.values)
		f.Logger.Debug("reduction complete", "node", id, "code", p.code.String(),
			"mask", p.mask.String(), "group", m.group, "cycle", h.Time())
	}
}

func (f *Fabric) fail(err error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.errs = append(f.errs, err)
}

type packet struct {
	kind   Kind
	from   grid.NodeID
	addr   uint64
	code   opcode.Code
	mask   grid.Mask
	group  int
	values []uint64
}

type haltPacket struct{}

type mergeKey struct {
	addr uint64
	code opcode.Code
	mask grid.Mask
}

type merge struct {
	values       []uint64
	contributors map[grid.NodeID]bool
	group        int
}
