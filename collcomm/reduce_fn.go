package collcomm

import (
	"github.com/unixpickle/gridcoll/opcode"
)

// OpTime is the number of cycles a node's core spends
// combining one pair of operands in software.
const OpTime = 1

// ReduceInto combines vals into acc element by element,
// sleeping for the time the core would spend doing so.
func ReduceInto(c *Comms, op opcode.Operator, w opcode.Width, acc, vals []uint64) {
	if len(acc) != len(vals) {
		panic("mismatching lengths")
	}
	for i, v := range vals {
		acc[i] = opcode.Combine(op, w, acc[i], v)
	}

	// Simulate computation time.
	c.Handle.Sleep(OpTime * float64(len(vals)))
}
