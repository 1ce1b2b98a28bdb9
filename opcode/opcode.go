// Package opcode maps logical reduction operators to the
// opcodes the interconnect understands, and defines what
// each operator computes.
package opcode

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnsupported is returned for operator and width
	// pairs that the interconnect does not implement.
	ErrUnsupported = errors.New("operator not supported by the interconnect")

	// ErrSyncOnly is returned when an operator that is
	// only wired into the synchronization path is
	// requested for a general transfer.
	ErrSyncOnly = errors.New("operator is only available on the synchronization path")
)

// An Operator is a logical reduction operator.
type Operator int

const (
	Add Operator = iota
	Mul
	MinS
	MinU
	MaxS
	MaxU
	BitAnd
	BitOr
	numOperators
)

var operatorNames = [...]string{"add", "mul", "mins", "minu", "maxs", "maxu", "and", "or"}

// Operators returns every operator.
func Operators() []Operator {
	res := make([]Operator, numOperators)
	for i := range res {
		res[i] = Operator(i)
	}
	return res
}

// ParseOperator finds an operator by the name that
// String() returns for it.
func ParseOperator(name string) (Operator, error) {
	for i, n := range operatorNames {
		if strings.EqualFold(n, name) {
			return Operator(i), nil
		}
	}
	return 0, fmt.Errorf("unknown operator %q (expected one of %s)", name,
		strings.Join(operatorNames[:], ", "))
}

// Valid checks if o is one of the defined operators.
func (o Operator) Valid() bool {
	return o >= 0 && o < numOperators
}

func (o Operator) String() string {
	if !o.Valid() {
		return fmt.Sprintf("Operator(%d)", int(o))
	}
	return operatorNames[o]
}

// A Width is an operand width in bits.
//
// 32-bit operands travel on the narrow interconnect, and
// 64-bit operands on the wide one.
type Width int

const (
	W32 Width = 32
	W64 Width = 64
)

// Bytes returns the number of bytes in an operand.
func (w Width) Bytes() int {
	return int(w) / 8
}

// Validate checks that w is W32 or W64.
func (w Width) Validate() error {
	if w != W32 && w != W64 {
		return fmt.Errorf("invalid operand width %d", int(w))
	}
	return nil
}

// A Code is a hardware collective opcode, attached to a
// transfer to tell the interconnect how to combine it.
type Code uint8

// Multicast is the code for a non-reducing collective
// write that is replicated to every matched node.
const Multicast Code = 0x10

type entry struct {
	op       Operator
	width    Width
	syncOnly bool
}

var registry = map[Code]entry{
	6:    {op: Add, width: W32},
	7:    {op: Mul, width: W32},
	8:    {op: MinS, width: W32},
	9:    {op: MinU, width: W32},
	10:   {op: MaxS, width: W32},
	11:   {op: MaxU, width: W32},
	12:   {op: BitAnd, width: W32, syncOnly: true},
	0x34: {op: Add, width: W64},
}

// For looks up the opcode for a general transfer.
func For(op Operator, w Width) (Code, error) {
	code, e, ok := lookup(op, w)
	if !ok {
		return 0, fmt.Errorf("%v/%d: %w", op, w, ErrUnsupported)
	} else if e.syncOnly {
		return 0, fmt.Errorf("%v/%d: %w", op, w, ErrSyncOnly)
	}
	return code, nil
}

// ForSync looks up the opcode for a transfer issued on the
// synchronization path, which accepts every registered
// operator.
func ForSync(op Operator, w Width) (Code, error) {
	code, _, ok := lookup(op, w)
	if !ok {
		return 0, fmt.Errorf("%v/%d: %w", op, w, ErrUnsupported)
	}
	return code, nil
}

// Supported returns every operator that For accepts at a
// given width.
func Supported(w Width) []Operator {
	var res []Operator
	for _, e := range registry {
		if e.width == w && !e.syncOnly {
			res = append(res, e.op)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

func lookup(op Operator, w Width) (Code, entry, bool) {
	for code, e := range registry {
		if e.op == op && e.width == w {
			return code, e, true
		}
	}
	return 0, entry{}, false
}

// Operator returns the operator and width a reduction
// code stands for.
// The last return value is false for Multicast and for
// unknown codes.
func (c Code) Operator() (Operator, Width, bool) {
	e, ok := registry[c]
	return e.op, e.width, ok
}

// IsReduction checks if c is a registered reduction code.
func (c Code) IsReduction() bool {
	_, ok := registry[c]
	return ok
}

// SyncOnly checks if c may only be used on the
// synchronization path.
func (c Code) SyncOnly() bool {
	return registry[c].syncOnly
}

func (c Code) String() string {
	if c == Multicast {
		return "mcast"
	}
	if e, ok := registry[c]; ok {
		return fmt.Sprintf("%v%d", e.op, e.width)
	}
	return fmt.Sprintf("Code(%d)", uint8(c))
}

// Width returns the operand width of a reduction code, or
// zero for other codes.
func (c Code) Width() Width {
	return registry[c].width
}
