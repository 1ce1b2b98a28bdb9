package hwreduce

import (
	"fmt"

	"github.com/unixpickle/gridcoll/grid"
	"github.com/unixpickle/gridcoll/opcode"
)

// Contribution returns the value that a node contributes
// at element i.
func Contribution(op opcode.Operator, w opcode.Width, node grid.NodeID, i int) uint64 {
	n := int64(node)
	switch op {
	case opcode.Add:
		return number(w, 15+n+int64(i))
	case opcode.Mul:
		return opcode.FromInt(w, 1+n%4)
	case opcode.MaxS:
		return opcode.FromInt(w, -100+n+int64(i))
	case opcode.MaxU:
		return opcode.FromInt(w, 2*n+int64(i))
	case opcode.MinU:
		return opcode.FromInt(w, 42+n+int64(i))
	case opcode.MinS:
		return opcode.FromInt(w, -42+n+int64(i))
	case opcode.BitOr:
		return bit(w, node)
	case opcode.BitAnd:
		return widthMask(w) &^ bit(w, node)
	}
	panic(fmt.Sprintf("unknown operator: %v", op))
}

// Expected returns element i of the reduction of nodes 0
// through n-1, computed in closed form.
func Expected(op opcode.Operator, w opcode.Width, n, i int) uint64 {
	if n <= 0 {
		panic("expected value of an empty reduction")
	}
	n64, i64 := int64(n), int64(i)
	switch op {
	case opcode.Add:
		return number(w, 15*n64+n64*(n64-1)/2+i64*n64)
	case opcode.Mul:
		// Contributions cycle through 1, 2, 3, 4.
		var res uint64 = 1
		for j := 0; j < n/4; j++ {
			res *= 24
		}
		for j := 1; j <= n%4; j++ {
			res *= uint64(j)
		}
		return res & widthMask(w)
	case opcode.MaxS:
		return opcode.FromInt(w, -100+n64-1+i64)
	case opcode.MaxU:
		return opcode.FromInt(w, 2*(n64-1)+i64)
	case opcode.MinU:
		return opcode.FromInt(w, 42+i64)
	case opcode.MinS:
		return opcode.FromInt(w, -42+i64)
	case opcode.BitOr:
		if n >= int(w) {
			return widthMask(w)
		}
		return (1 << uint(n)) - 1
	case opcode.BitAnd:
		return widthMask(w) &^ Expected(opcode.BitOr, w, n, i)
	}
	panic(fmt.Sprintf("unknown operator: %v", op))
}

// ExpectedOver folds the contributions of an arbitrary set
// of nodes at element i.
func ExpectedOver(op opcode.Operator, w opcode.Width, nodes []grid.NodeID, i int) uint64 {
	values := make([]uint64, len(nodes))
	for j, node := range nodes {
		values[j] = Contribution(op, w, node, i)
	}
	return opcode.Fold(op, w, values...)
}

// CheckFill returns ErrSentinelCollision if fill equals
// any of the values a completion word may receive.
func CheckFill(op opcode.Operator, w opcode.Width, fill uint64, candidates []uint64) error {
	fill &= widthMask(w)
	for _, c := range candidates {
		if c == fill {
			return fmt.Errorf("%w: %s (%v/%d)", ErrSentinelCollision, opcode.Format(op, w, fill),
				op, w)
		}
	}
	return nil
}

// fallbackFill is used when the default fill collides:
// a NaN for 64-bit operands.
func fallbackFill(w opcode.Width) uint64 {
	if w == opcode.W64 {
		return 0x7ff8000000000001
	}
	return 0xdeadbeef
}

// chooseFill checks the configured fill against every
// candidate value. If no fill was configured, it picks
// the first of the default and fallback fills that does
// not collide.
func chooseFill(cfg Config, candidates []uint64) (Config, error) {
	if cfg.HasFill {
		return cfg, CheckFill(cfg.Operator, cfg.Width, cfg.Fill, candidates)
	}
	var err error
	for _, fill := range []uint64{DefaultFill(cfg.Width), fallbackFill(cfg.Width)} {
		if err = CheckFill(cfg.Operator, cfg.Width, fill, candidates); err == nil {
			cfg.Fill, cfg.HasFill = fill, true
			return cfg, nil
		}
	}
	return cfg, err
}

// number encodes an integer as an operand, using a double
// for 64-bit operands to match the wide adder.
func number(w opcode.Width, x int64) uint64 {
	if w == opcode.W64 {
		return opcode.FromFloat(float64(x))
	}
	return opcode.FromInt(w, x)
}

func bit(w opcode.Width, node grid.NodeID) uint64 {
	return 1 << (uint(node) % uint(w))
}

func widthMask(w opcode.Width) uint64 {
	if w == opcode.W32 {
		return 0xffffffff
	}
	return ^uint64(0)
}
