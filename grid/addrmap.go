package grid

import (
	"fmt"
)

const (
	// DefaultBase is the address of node 0's scratchpad.
	DefaultBase uint64 = 0x2000_0000

	// DefaultNodeBits is the number of address bits
	// covered by one node's scratchpad, i.e. node i's
	// scratchpad starts at Base + i<<DefaultNodeBits.
	DefaultNodeBits uint = 18
)

// An AddressMap places every node's scratchpad at a fixed
// offset in a global address space, so that node ids
// appear directly in address bits.
type AddressMap struct {
	Base     uint64
	NodeBits uint
	Topology Topology
}

// NewAddressMap creates an AddressMap with the default
// layout for a topology.
func NewAddressMap(t Topology) *AddressMap {
	return &AddressMap{Base: DefaultBase, NodeBits: DefaultNodeBits, Topology: t}
}

// NodeSize returns the number of bytes in each node's
// address window.
func (a *AddressMap) NodeSize() uint64 {
	return 1 << a.NodeBits
}

// NodeBase returns the first address of a node's window.
func (a *AddressMap) NodeBase(id NodeID) uint64 {
	if !a.Topology.Contains(id) {
		panic(fmt.Sprintf("node %d outside of %d-node grid", id, a.Topology.NumNodes))
	}
	return a.Base + uint64(id)<<a.NodeBits
}

// NodeOf finds the node owning an address.
func (a *AddressMap) NodeOf(addr uint64) (NodeID, error) {
	if addr < a.Base {
		return 0, fmt.Errorf("address 0x%x below base 0x%x: %w", addr, a.Base, ErrNodeRange)
	}
	id := NodeID((addr - a.Base) >> a.NodeBits)
	if !a.Topology.Contains(id) {
		return 0, fmt.Errorf("address 0x%x maps to node %d: %w", addr, id, ErrNodeRange)
	}
	return id, nil
}

// RemoteAddr translates local, an address in node src's
// window, to the equivalent address in node dst's window.
func (a *AddressMap) RemoteAddr(local uint64, src, dst NodeID) uint64 {
	return local - a.NodeBase(src) + a.NodeBase(dst)
}

// AxisMask returns the mask matching axisSize consecutive
// node ids.
func (a *AddressMap) AxisMask(axisSize int) (Mask, error) {
	return BuildAxisMask(axisSize, a.NodeBits)
}

// FullMask returns the mask matching the first numNodes
// nodes as one group.
func (a *AddressMap) FullMask(numNodes int) (Mask, error) {
	return a.AxisMask(numNodes)
}

// Members returns every node of the grid that matches
// dest under mask, in ascending order.
func (a *AddressMap) Members(dest uint64, mask Mask) ([]NodeID, error) {
	destNode, err := a.NodeOf(dest)
	if err != nil {
		return nil, err
	}
	var res []NodeID
	for i := 0; i < a.Topology.NumNodes; i++ {
		diff := uint64(NodeID(i)^destNode) << a.NodeBits
		if diff&^uint64(mask) == 0 {
			res = append(res, NodeID(i))
		}
	}
	return res, nil
}
