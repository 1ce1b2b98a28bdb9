package interconnect

import (
	"errors"
	"fmt"
	"testing"

	"github.com/unixpickle/gridcoll/grid"
	"github.com/unixpickle/gridcoll/opcode"
	"github.com/unixpickle/gridcoll/simulator"
)

const testOffset = 0x100

func newTestFabric(t *testing.T, loop *simulator.EventLoop) *Fabric {
	addrMap := grid.NewAddressMap(grid.Topology{NumNodes: 8, NodesPerColumn: 4})
	f, err := NewFabric(loop, addrMap, DefaultFabricConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	f.Start(loop)
	return f
}

func testBuffer(f *Fabric, id grid.NodeID, n int) Buffer {
	return Buffer{Addr: f.AddrMap.NodeBase(id) + testOffset, Len: n}
}

func haltAll(f *Fabric, h *simulator.Handle) {
	for i := range f.Nodes() {
		f.Halt(h, grid.NodeID(i))
	}
}

func TestFabricUnicastTiming(t *testing.T) {
	loop := simulator.NewEventLoop()
	f := newTestFabric(t, loop)

	loop.Go(func(h *simulator.Handle) {
		src := testBuffer(f, 1, 64)
		for i := 0; i < src.Len; i++ {
			f.Memory(1).Store(src.Elem(i), uint64(i))
		}
		dst := f.AddrMap.NodeBase(6) + 0x800
		p, err := f.Issue(h, 1, Descriptor{Src: src, Dst: dst})
		if err != nil {
			t.Error(err)
			haltAll(f, h)
			return
		}

		// The source is captured at issue time.
		f.Memory(1).Store(src.Elem(0), 1000)

		f.Wait(h, p)
		if h.Time() != 8 {
			t.Errorf("expected injection to finish at cycle 8 but got %f", h.Time())
		}
		h.Sleep(100)
		vals := f.Memory(6).Read(Buffer{Addr: dst, Len: 64})
		for i, v := range vals {
			if v != uint64(i) {
				t.Errorf("word %d: expected %d but got %d", i, i, v)
				break
			}
		}
		haltAll(f, h)
	})

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	stats := f.Stats()
	if stats.Transfers[Unicast] != 1 || stats.Bytes[Unicast] != 512 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestFabricMulticast(t *testing.T) {
	loop := simulator.NewEventLoop()
	f := newTestFabric(t, loop)
	full, _ := f.AddrMap.FullMask(8)

	loop.Go(func(h *simulator.Handle) {
		src := testBuffer(f, 0, 2)
		f.Memory(0).Write(src, []uint64{5, 6})
		_, err := f.Issue(h, 0, Descriptor{
			Src:     src,
			Dst:     f.AddrMap.NodeBase(0) + 0x400,
			Mask:    full,
			Code:    opcode.Multicast,
			HasCode: true,
		})
		if err != nil {
			t.Error(err)
		}
		h.Sleep(100)
		haltAll(f, h)
	})

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 8; i++ {
		buf := Buffer{Addr: f.AddrMap.NodeBase(grid.NodeID(i)) + 0x400, Len: 2}
		if vals := f.Memory(grid.NodeID(i)).Read(buf); vals[0] != 5 || vals[1] != 6 {
			t.Errorf("node %d: unexpected copy %v", i, vals)
		}
	}
}

func TestFabricReduction(t *testing.T) {
	loop := simulator.NewEventLoop()
	f := newTestFabric(t, loop)
	column, _ := f.AddrMap.AxisMask(4)
	code, _ := opcode.For(opcode.MaxS, opcode.W32)

	target := Buffer{Addr: f.AddrMap.NodeBase(2) + 0x200, Len: 1}
	f.Memory(2).Fill(target, 0xffffffff)

	loop.Go(func(h *simulator.Handle) {
		issue := func(id grid.NodeID) {
			src := testBuffer(f, id, 1)
			f.Memory(id).Store(src.Addr, opcode.FromInt(opcode.W32, -100+int64(id)))
			_, err := f.Issue(h, id, Descriptor{
				Src:     src,
				Dst:     target.Addr,
				Mask:    column,
				Code:    code,
				HasCode: true,
			})
			if err != nil {
				t.Error(err)
			}
		}
		for _, id := range []grid.NodeID{3, 0, 2} {
			issue(id)
		}
		h.Sleep(100)
		if v := f.Memory(2).Load(target.Addr); v != 0xffffffff {
			t.Errorf("result landed before the last contribution: %#x", v)
		}
		issue(1)
		h.Sleep(100)
		haltAll(f, h)
	})

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	if v := f.Memory(2).Load(target.Addr); v != opcode.FromInt(opcode.W32, -97) {
		t.Errorf("expected -97 but got %s", opcode.Format(opcode.MaxS, opcode.W32, v))
	}
	if err := f.Err(); err != nil {
		t.Error(err)
	}
}

func TestFabricLengthMismatch(t *testing.T) {
	loop := simulator.NewEventLoop()
	f := newTestFabric(t, loop)
	column, _ := f.AddrMap.AxisMask(4)
	code, _ := opcode.For(opcode.Add, opcode.W64)

	loop.Go(func(h *simulator.Handle) {
		for id, n := range []int{2, 1} {
			_, err := f.Issue(h, grid.NodeID(id), Descriptor{
				Src:     testBuffer(f, grid.NodeID(id), n),
				Dst:     f.AddrMap.NodeBase(0) + 0x400,
				Mask:    column,
				Code:    code,
				HasCode: true,
			})
			if err != nil {
				t.Error(err)
			}
			h.Sleep(50)
		}
		haltAll(f, h)
	})

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	if err := f.Err(); !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("expected ErrLengthMismatch but got %v", err)
	}
}

func TestFabricIssueErrors(t *testing.T) {
	loop := simulator.NewEventLoop()
	f := newTestFabric(t, loop)
	column, _ := f.AddrMap.AxisMask(4)
	andCode, _ := opcode.ForSync(opcode.BitAnd, opcode.W32)
	addCode, _ := opcode.For(opcode.Add, opcode.W32)

	tests := []struct {
		name     string
		from     grid.NodeID
		desc     Descriptor
		expected error
	}{
		{
			name:     "SourceRange",
			from:     0,
			desc:     Descriptor{Src: testBuffer(f, 1, 1), Dst: f.AddrMap.NodeBase(2)},
			expected: ErrSourceRange,
		},
		{
			name:     "DestRange",
			from:     0,
			desc:     Descriptor{Src: testBuffer(f, 0, 1), Dst: f.AddrMap.NodeBase(7) + 1<<18},
			expected: ErrDestRange,
		},
		{
			name: "SyncOnly",
			from: 0,
			desc: Descriptor{Src: testBuffer(f, 0, 1), Dst: f.AddrMap.NodeBase(0), Mask: column,
				Code: andCode, HasCode: true},
			expected: opcode.ErrSyncOnly,
		},
		{
			name: "NotMember",
			from: 4,
			desc: Descriptor{Src: testBuffer(f, 4, 1), Dst: f.AddrMap.NodeBase(0), Mask: column,
				Code: addCode, HasCode: true},
			expected: ErrNotMember,
		},
		{
			name:     "MaskedUnicast",
			from:     0,
			desc:     Descriptor{Src: testBuffer(f, 0, 1), Dst: f.AddrMap.NodeBase(1), Mask: column},
			expected: ErrDescriptor,
		},
		{
			name: "UnknownCode",
			from: 0,
			desc: Descriptor{Src: testBuffer(f, 0, 1), Dst: f.AddrMap.NodeBase(1), Code: 99,
				HasCode: true},
			expected: opcode.ErrUnsupported,
		},
	}

	loop.Go(func(h *simulator.Handle) {
		defer haltAll(f, h)
		for _, test := range tests {
			if _, err := f.Issue(h, test.from, test.desc); !errors.Is(err, test.expected) {
				t.Errorf("%s: expected %v but got %v", test.name, test.expected, err)
			}
		}
		desc := Descriptor{Src: testBuffer(f, 0, 1), Dst: f.AddrMap.NodeBase(0), Mask: column,
			Code: andCode, HasCode: true}
		if _, err := f.IssueSync(h, 0, desc); err != nil {
			t.Errorf("sync path rejected sync-only code: %v", err)
		}
	})

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	if stats := f.Stats(); stats.Total() != 1 || stats.Syncs != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestFabricHalt(t *testing.T) {
	for _, pending := range []bool{false, true} {
		t.Run(fmt.Sprintf("PendingReduction=%v", pending), func(t *testing.T) {
			loop := simulator.NewEventLoop()
			f := newTestFabric(t, loop)
			column, _ := f.AddrMap.AxisMask(4)
			code, _ := opcode.For(opcode.Add, opcode.W32)

			dst := f.AddrMap.NodeBase(3) + 0x400
			loop.Go(func(h *simulator.Handle) {
				src := testBuffer(f, 0, 4)
				f.Memory(0).Fill(src, 7)
				p, err := f.Issue(h, 0, Descriptor{Src: src, Dst: dst})
				if err != nil {
					t.Error(err)
				}
				if pending {
					// Node 1 never contributes, so the merge is left open.
					_, err := f.Issue(h, 0, Descriptor{Src: src, Dst: dst + 0x100, Mask: column,
						Code: code, HasCode: true})
					if err != nil {
						t.Error(err)
					}
				}
				f.Wait(h, p)
				for f.Memory(3).Load(dst+3*WordSize) != 7 {
					h.Sleep(1)
				}
				haltAll(f, h)
			})

			if err := loop.Run(); err != nil {
				t.Fatal(err)
			}
			if err := f.Err(); err != nil {
				t.Error(err)
			}
			if loop.Time() > 100 {
				t.Errorf("loop ran until cycle %f", loop.Time())
			}
		})
	}
}

func TestNamedNetworks(t *testing.T) {
	addrMap := grid.NewAddressMap(grid.Topology{NumNodes: 8, NodesPerColumn: 4})
	for _, name := range NetworkNames {
		t.Run(name, func(t *testing.T) {
			network, err := NamedNetwork(name, DefaultFabricConfig())
			if err != nil {
				t.Fatal(err)
			}
			loop := simulator.NewEventLoop()
			f, err := NewFabric(loop, addrMap, DefaultFabricConfig(), network)
			if err != nil {
				t.Fatal(err)
			}
			f.Start(loop)

			var arrival float64
			loop.Go(func(h *simulator.Handle) {
				defer haltAll(f, h)
				src := testBuffer(f, 1, 8)
				f.Memory(1).Fill(src, 5)
				dst := f.AddrMap.NodeBase(6) + 0x800
				if _, err := f.Issue(h, 1, Descriptor{Src: src, Dst: dst}); err != nil {
					t.Error(err)
					return
				}
				for f.Memory(6).Load(dst+7*WordSize) != 5 {
					if h.Time() > 1000 {
						t.Error("transfer never arrived")
						return
					}
					h.Sleep(1)
				}
				arrival = h.Time()
			})
			if err := loop.Run(); err != nil {
				t.Fatal(err)
			}
			if arrival > DefaultFabricConfig().Latency+2 {
				t.Errorf("transfer arrived at cycle %f", arrival)
			}
		})
	}
	if _, err := NamedNetwork("mesh", DefaultFabricConfig()); !errors.Is(err, ErrUnknownNetwork) {
		t.Errorf("expected ErrUnknownNetwork but got %v", err)
	}
}

func TestFabricConfigValidate(t *testing.T) {
	cfg := DefaultFabricConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	cfg.InjectRate = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero inject rate")
	}
	cfg = DefaultFabricConfig()
	cfg.MergeDelay = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for negative merge delay")
	}
}
