// Package interconnect simulates the transfer engines and
// memories of a grid whose routers can replicate
// (multicast) and merge (reduce) transfers in flight.
package interconnect

import (
	"errors"
	"fmt"

	"github.com/unixpickle/gridcoll/grid"
	"github.com/unixpickle/gridcoll/opcode"
	"github.com/unixpickle/gridcoll/simulator"
)

var (
	ErrSourceRange    = errors.New("source buffer outside of issuing node's scratchpad")
	ErrDestRange      = errors.New("destination outside of the grid")
	ErrLengthMismatch = errors.New("colliding reduction contributions differ in length")
	ErrNotMember      = errors.New("issuing node is not a member of the reduction group")
	ErrDescriptor     = errors.New("malformed transfer descriptor")
)

// A Kind classifies a transfer by what the interconnect
// does with it.
type Kind int

const (
	Unicast Kind = iota
	Multicast
	Reduction
)

func (k Kind) String() string {
	switch k {
	case Unicast:
		return "unicast"
	case Multicast:
		return "multicast"
	case Reduction:
		return "reduction"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// A Descriptor describes one transfer from the issuing
// node's scratchpad.
type Descriptor struct {
	// Src is a buffer in the issuing node's scratchpad.
	Src Buffer

	// Dst is a global address. For multicasts and
	// reductions, it is matched against every node under
	// Mask.
	Dst  uint64
	Mask grid.Mask

	// Code is only used if HasCode is set.
	Code    opcode.Code
	HasCode bool
}

// Kind returns the transfer kind.
func (d Descriptor) Kind() Kind {
	if !d.HasCode {
		return Unicast
	} else if d.Code == opcode.Multicast {
		return Multicast
	}
	return Reduction
}

// Width returns the operand width that determines how many
// bytes the transfer moves.
// Non-reducing transfers move whole words.
func (d Descriptor) Width() opcode.Width {
	if d.Kind() == Reduction {
		return d.Code.Width()
	}
	return opcode.W64
}

// Bytes returns the payload size in bytes.
func (d Descriptor) Bytes() int {
	return d.Src.Len * d.Width().Bytes()
}

// DstBuffer returns the destination as a buffer with the
// same length as the source.
func (d Descriptor) DstBuffer() Buffer {
	return Buffer{Addr: d.Dst, Len: d.Src.Len}
}

// A Pending transfer has been issued but its issuing
// side may still be injecting data.
type Pending struct {
	Descriptor

	From grid.NodeID

	// Targets are the nodes that receive the payload.
	// For a reduction, this is the single node that
	// receives the merged result.
	Targets []grid.NodeID

	IssueTime float64

	// InjectedTime is the cycle by which the issuing side
	// has pushed the last byte into the interconnect.
	InjectedTime float64
}

// An Engine issues transfers on behalf of nodes.
type Engine interface {
	// Issue starts a transfer without blocking.
	// The source is read at issue time.
	Issue(h *simulator.Handle, from grid.NodeID, d Descriptor) (*Pending, error)

	// Wait blocks until the issuing side has finished
	// injecting a transfer.
	// This does not imply that the data has arrived.
	Wait(h *simulator.Handle, p *Pending)
}
