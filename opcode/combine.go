package opcode

import (
	"fmt"
	"math"
)

// Combine applies op to two raw operand words.
//
// 64-bit addition is IEEE-754 double addition, matching
// the wide interconnect's floating-point adder; every
// other 64-bit operator is integer arithmetic.
// 32-bit operands live in the low half of the word and
// the result is zero-extended.
func Combine(op Operator, w Width, a, b uint64) uint64 {
	if w == W64 {
		return combine64(op, a, b)
	}
	return uint64(combine32(op, uint32(a), uint32(b)))
}

// Fold combines any number of operands from left to
// right.
func Fold(op Operator, w Width, values ...uint64) uint64 {
	if len(values) == 0 {
		panic("fold of no values")
	}
	res := values[0]
	for _, v := range values[1:] {
		res = Combine(op, w, res, v)
	}
	return res
}

func combine64(op Operator, a, b uint64) uint64 {
	switch op {
	case Add:
		return math.Float64bits(math.Float64frombits(a) + math.Float64frombits(b))
	case Mul:
		return a * b
	case MinS:
		if int64(a) < int64(b) {
			return a
		}
		return b
	case MinU:
		return min(a, b)
	case MaxS:
		if int64(a) > int64(b) {
			return a
		}
		return b
	case MaxU:
		return max(a, b)
	case BitAnd:
		return a & b
	case BitOr:
		return a | b
	}
	panic(fmt.Sprintf("unknown operator: %v", op))
}

func combine32(op Operator, a, b uint32) uint32 {
	switch op {
	case Add:
		return a + b
	case Mul:
		return a * b
	case MinS:
		if int32(a) < int32(b) {
			return a
		}
		return b
	case MinU:
		return min(a, b)
	case MaxS:
		if int32(a) > int32(b) {
			return a
		}
		return b
	case MaxU:
		return max(a, b)
	case BitAnd:
		return a & b
	case BitOr:
		return a | b
	}
	panic(fmt.Sprintf("unknown operator: %v", op))
}

// FromInt encodes a signed integer as an operand word.
func FromInt(w Width, x int64) uint64 {
	if w == W32 {
		return uint64(uint32(int32(x)))
	}
	return uint64(x)
}

// FromFloat encodes a double as a 64-bit operand word.
func FromFloat(x float64) uint64 {
	return math.Float64bits(x)
}

// Format renders an operand word the way op interprets
// it.
func Format(op Operator, w Width, v uint64) string {
	switch {
	case w == W64 && op == Add:
		return fmt.Sprint(math.Float64frombits(v))
	case op == MinS || op == MaxS || op == Mul || op == Add:
		if w == W32 {
			return fmt.Sprint(int32(uint32(v)))
		}
		return fmt.Sprint(int64(v))
	case op == BitAnd || op == BitOr:
		return fmt.Sprintf("%#x", v)
	}
	return fmt.Sprint(v)
}
