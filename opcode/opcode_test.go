package opcode

import (
	"errors"
	"math"
	"testing"
)

func TestForTable(t *testing.T) {
	expected := map[Operator]Code{Add: 6, Mul: 7, MinS: 8, MinU: 9, MaxS: 10, MaxU: 11}
	for op, code := range expected {
		actual, err := For(op, W32)
		if err != nil {
			t.Errorf("%v: %v", op, err)
		} else if actual != code {
			t.Errorf("%v: expected code %d but got %d", op, code, actual)
		}
		if back, w, ok := actual.Operator(); !ok || back != op || w != W32 {
			t.Errorf("%v: code %d maps back to %v/%d (%v)", op, actual, back, w, ok)
		}
	}
	if code, err := For(Add, W64); err != nil || code != 0x34 {
		t.Errorf("expected wide add 0x34 but got %d (%v)", code, err)
	}
}

func TestForErrors(t *testing.T) {
	if _, err := For(BitAnd, W32); !errors.Is(err, ErrSyncOnly) {
		t.Errorf("expected ErrSyncOnly but got %v", err)
	}
	if code, err := ForSync(BitAnd, W32); err != nil || code != 12 {
		t.Errorf("expected sync code 12 but got %d (%v)", code, err)
	}
	for _, pair := range []struct {
		op Operator
		w  Width
	}{{MaxS, W64}, {BitOr, W32}, {Mul, W64}} {
		if _, err := For(pair.op, pair.w); !errors.Is(err, ErrUnsupported) {
			t.Errorf("%v/%d: expected ErrUnsupported but got %v", pair.op, pair.w, err)
		}
		if _, err := ForSync(pair.op, pair.w); !errors.Is(err, ErrUnsupported) {
			t.Errorf("%v/%d: expected ErrUnsupported but got %v", pair.op, pair.w, err)
		}
	}
}

func TestCodeClassification(t *testing.T) {
	if Multicast.IsReduction() {
		t.Error("multicast should not be a reduction")
	}
	if !Code(12).SyncOnly() || Code(6).SyncOnly() {
		t.Error("unexpected sync-only classification")
	}
	if Code(0x34).Width() != W64 {
		t.Error("wide add should be 64 bits")
	}
	if s := Code(10).String(); s != "maxs32" {
		t.Errorf("unexpected name %q", s)
	}
	if len(Supported(W64)) != 1 || len(Supported(W32)) != 6 {
		t.Errorf("unexpected supported sets %v %v", Supported(W32), Supported(W64))
	}
}

func TestCombine32(t *testing.T) {
	neg := FromInt(W32, -5)
	pos := FromInt(W32, 3)
	tests := []struct {
		op       Operator
		expected uint64
	}{
		{Add, FromInt(W32, -2)},
		{Mul, FromInt(W32, -15)},
		{MinS, neg},
		{MaxS, pos},
		{MinU, pos},
		{MaxU, neg},
		{BitAnd, neg & pos},
		{BitOr, neg | pos},
	}
	for _, test := range tests {
		if actual := Combine(test.op, W32, neg, pos); actual != test.expected {
			t.Errorf("%v: expected %#x but got %#x", test.op, test.expected, actual)
		}
	}
	if actual := Combine(Add, W32, math.MaxUint32, 1); actual != 0 {
		t.Errorf("narrow add should wrap, got %#x", actual)
	}
}

func TestCombine64(t *testing.T) {
	sum := Fold(Add, W64, FromFloat(1.5), FromFloat(2.25), FromFloat(-0.75))
	if math.Float64frombits(sum) != 3 {
		t.Errorf("unexpected sum %v", math.Float64frombits(sum))
	}
	if Combine(MaxS, W64, FromInt(W64, -1), 1) != 1 {
		t.Error("signed max should treat all-ones as -1")
	}
	if Combine(MaxU, W64, FromInt(W64, -1), 1) != math.MaxUint64 {
		t.Error("unsigned max should treat all-ones as the maximum")
	}
}

func TestParseOperator(t *testing.T) {
	for _, op := range Operators() {
		parsed, err := ParseOperator(op.String())
		if err != nil || parsed != op {
			t.Errorf("%v: parsed %v (%v)", op, parsed, err)
		}
	}
	if _, err := ParseOperator("xor"); err == nil {
		t.Error("expected error for unknown operator")
	}
}

func TestFormat(t *testing.T) {
	if s := Format(MaxS, W32, FromInt(W32, -93)); s != "-93" {
		t.Errorf("unexpected %q", s)
	}
	if s := Format(Add, W64, FromFloat(2.5)); s != "2.5" {
		t.Errorf("unexpected %q", s)
	}
	if s := Format(MaxU, W32, 30); s != "30" {
		t.Errorf("unexpected %q", s)
	}
}
