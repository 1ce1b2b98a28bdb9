package hwreduce

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/unixpickle/gridcoll/collcomm"
	"github.com/unixpickle/gridcoll/grid"
	"github.com/unixpickle/gridcoll/interconnect"
	"github.com/unixpickle/gridcoll/opcode"
	"github.com/unixpickle/gridcoll/simulator"
)

func TestTwoStage(t *testing.T) {
	RunReducerTests(t, TwoStage{})
}

func TestOneStage(t *testing.T) {
	RunReducerTests(t, OneStage{})
}

func TestStar(t *testing.T) {
	RunReducerTests(t, Star{})
}

func TestTree(t *testing.T) {
	RunReducerTests(t, Tree{})
}

func TestTreeShape(t *testing.T) {
	addrMap := grid.NewAddressMap(grid.DefaultTopology())
	for _, target := range []grid.NodeID{0, 3, 12, 15} {
		cfg := DefaultConfig()
		cfg.Participants = 16
		cfg.Target = target
		p, err := Tree{}.Plan(addrMap, cfg)
		if err != nil {
			t.Fatal(err)
		}
		nodes := treeSubtree(p, target)
		seen := map[grid.NodeID]bool{}
		for _, id := range nodes {
			seen[id] = true
		}
		if len(nodes) != 16 || len(seen) != 16 {
			t.Errorf("target %d: tree covers %v", target, nodes)
		}
		for _, id := range nodes {
			if id == target {
				continue
			}
			parent := treeParent(p, id)
			if treeChildren(p, parent)[treeChildIndex(p, id)] != id {
				t.Errorf("target %d: node %d is not child %d of %d", target, id,
					treeChildIndex(p, id), parent)
			}
		}
	}
}

func TestMaxSigned32(t *testing.T) {
	cfg := Config{
		Participants: 8,
		Target:       0,
		Length:       1,
		Iterations:   3,
		Operator:     opcode.MaxS,
		Width:        opcode.W32,
	}
	report := runTest(t, TwoStage{}, cfg, Options{})
	if report.Mismatches != 0 {
		t.Errorf("expected no mismatches but got %d", report.Mismatches)
	}
	if actual := report.Result[0]; actual != opcode.FromInt(opcode.W32, -93) {
		t.Errorf("expected -93 but got %s", opcode.Format(opcode.MaxS, opcode.W32, actual))
	}
}

func TestSum64(t *testing.T) {
	report := runTest(t, TwoStage{}, DefaultConfig(), Options{})
	for i, actual := range report.Result {
		expected := opcode.FromFloat(float64(148 + 8*i))
		if actual != expected {
			t.Fatalf("element %d: expected %s but got %s", i,
				opcode.Format(opcode.Add, opcode.W64, expected),
				opcode.Format(opcode.Add, opcode.W64, actual))
		}
	}
	if report.Stage1Cycles <= 0 || report.Stage2Cycles <= 0 {
		t.Errorf("unexpected stage cycles: %f, %f", report.Stage1Cycles, report.Stage2Cycles)
	}
	if report.TotalCycles < report.Stage1Cycles+report.Stage2Cycles {
		t.Errorf("total of %f cycles is shorter than the stages", report.TotalCycles)
	}
}

func TestIterationsIdempotent(t *testing.T) {
	for _, r := range []Reducer{TwoStage{}, OneStage{}, Star{}, Tree{}} {
		t.Run(r.Name(), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Length = 8
			cfg.Iterations = 1
			once := runTest(t, r, cfg, Options{})
			cfg.Iterations = 3
			thrice := runTest(t, r, cfg, Options{})
			for i := range once.Result {
				if once.Result[i] != thrice.Result[i] {
					t.Fatalf("element %d differs: %x vs %x", i, once.Result[i], thrice.Result[i])
				}
			}
			if thrice.TotalCycles <= once.TotalCycles {
				t.Errorf("three iterations took %f cycles but one took %f", thrice.TotalCycles,
					once.TotalCycles)
			}
		})
	}
}

func TestRoles(t *testing.T) {
	addrMap := grid.NewAddressMap(grid.DefaultTopology())
	testCases := []struct {
		participants int
		target       grid.NodeID
		recipients   []grid.NodeID
	}{
		{8, 0, []grid.NodeID{4}},
		{8, 7, []grid.NodeID{3}},
		{16, 15, []grid.NodeID{3, 7, 11}},
		{16, 12, []grid.NodeID{0, 4, 8}},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("Nodes=%d,Target=%d", tc.participants, tc.target), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Participants = tc.participants
			cfg.Target = tc.target
			p, err := TwoStage{}.Plan(addrMap, cfg)
			if err != nil {
				t.Fatal(err)
			}
			roles := p.Roles()
			if len(roles) != addrMap.Topology.NumNodes {
				t.Fatalf("expected %d roles but got %d", addrMap.Topology.NumNodes, len(roles))
			}
			counts := map[Role]int{}
			for _, role := range roles {
				counts[role]++
			}
			if counts[FinalTarget] != 1 || p.Role(tc.target) != FinalTarget {
				t.Errorf("bad target roles: %v", roles)
			}
			if counts[NonParticipant] != addrMap.Topology.NumNodes-tc.participants {
				t.Errorf("expected %d non-participants but got %d",
					addrMap.Topology.NumNodes-tc.participants, counts[NonParticipant])
			}
			if counts[Stage1RecipientAndStage2Sender] != len(tc.recipients) {
				t.Errorf("expected recipients %v but got roles %v", tc.recipients, roles)
			}
			for _, id := range tc.recipients {
				if role := p.Role(id); role != Stage1RecipientAndStage2Sender {
					t.Errorf("node %d: expected recipient but got %v", id, role)
				}
			}
			for _, id := range p.Participants() {
				recipient := p.Stage1Recipient(id)
				if p.Group.Coord(recipient).Column != p.Group.Coord(id).Column {
					t.Errorf("node %d sends across columns to %d", id, recipient)
				}
				if !p.Role(recipient).ReceivesStage1() {
					t.Errorf("node %d sends to %d, which is a %v", id, recipient,
						p.Role(recipient))
				}
			}
		})
	}
}

func TestNonCornerTarget(t *testing.T) {
	var issued atomic.Int64
	var wrapped bool
	opts := Options{
		WrapEngine: func(e interconnect.Engine) interconnect.Engine {
			wrapped = true
			return &countingEngine{Engine: e, count: &issued}
		},
	}
	cfg := DefaultConfig()
	cfg.Target = 5
	for _, r := range []Reducer{TwoStage{}, OneStage{}, Star{}, Tree{}} {
		_, err := Run(r, cfg, opts)
		if !errors.Is(err, ErrConfig) || !errors.Is(err, grid.ErrNotCorner) {
			t.Errorf("%s: unexpected error: %v", r.Name(), err)
		}
	}
	if wrapped || issued.Load() != 0 {
		t.Errorf("%d transfers issued for an invalid config", issued.Load())
	}
}

func TestBadParticipantCount(t *testing.T) {
	var issued atomic.Int64
	opts := Options{
		WrapEngine: func(e interconnect.Engine) interconnect.Engine {
			return &countingEngine{Engine: e, count: &issued}
		},
	}
	for _, participants := range []int{4, 12, 32} {
		cfg := DefaultConfig()
		cfg.Participants = participants
		for _, r := range []Reducer{TwoStage{}, OneStage{}, Star{}, Tree{}} {
			_, err := Run(r, cfg, opts)
			if !errors.Is(err, ErrConfig) || !errors.Is(err, grid.ErrTopology) {
				t.Errorf("%s with %d participants: unexpected error: %v", r.Name(),
					participants, err)
			}
		}
	}
	if n := issued.Load(); n != 0 {
		t.Errorf("%d transfers issued for an invalid config", n)
	}
}

func TestPlanMachineMismatch(t *testing.T) {
	plan, err := TwoStage{}.Plan(grid.NewAddressMap(grid.DefaultTopology()), DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	loop := simulator.NewEventLoop()
	small := grid.NewAddressMap(grid.Topology{NumNodes: 8, NodesPerColumn: 4})
	fabric, err := interconnect.NewFabric(loop, small, interconnect.DefaultFabricConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	errFn := collcomm.Spawn(loop, &collcomm.Env{Fabric: fabric}, func(c *collcomm.Comms) error {
		_, err := TwoStage{}.Reduce(c, plan)
		return err
	})
	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	if err := errFn(); !errors.Is(err, ErrConfig) {
		t.Errorf("expected ErrConfig but got %v", err)
	}
	if total := fabric.Stats().Total(); total != 0 {
		t.Errorf("%d transfers issued", total)
	}
}

func TestTransferCounts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Length = 1
	cfg.Iterations = 1
	expected := map[string]int64{"TwoStage": 10, "OneStage": 8, "Star": 7, "Tree": 7}
	for _, r := range []Reducer{TwoStage{}, OneStage{}, Star{}, Tree{}} {
		var issued atomic.Int64
		report := runTest(t, r, cfg, Options{
			WrapEngine: func(e interconnect.Engine) interconnect.Engine {
				return &countingEngine{Engine: e, count: &issued}
			},
		})
		if n := issued.Load(); n != expected[r.Name()] {
			t.Errorf("%s: expected %d transfers but got %d", r.Name(), expected[r.Name()], n)
		}
		if report.Transfers.Total()-report.Transfers.Syncs != int(issued.Load()) {
			t.Errorf("%s: fabric saw %v", r.Name(), report.Transfers)
		}
	}
}

func TestSentinelCollision(t *testing.T) {
	cfg := Config{
		Participants: 8,
		Length:       42,
		Iterations:   1,
		Operator:     opcode.MinS,
		Width:        opcode.W32,
		Fill:         0xffffffff,
		HasFill:      true,
	}
	for _, r := range []Reducer{TwoStage{}, OneStage{}} {
		if _, err := Run(r, cfg, Options{}); !errors.Is(err, ErrSentinelCollision) {
			t.Errorf("%s: expected ErrSentinelCollision but got %v", r.Name(), err)
		}
	}

	cfg.HasFill = false
	report := runTest(t, TwoStage{}, cfg, Options{})
	if report.Config.Fill != fallbackFill(opcode.W32) {
		t.Errorf("unexpected fill: %x", report.Config.Fill)
	}
}

func TestStarFallbackFill(t *testing.T) {
	// Node 4 contributes 42.0 at the end of its third chunk.
	report := runTest(t, Star{}, DefaultConfig(), Options{})
	if report.Config.Fill != fallbackFill(opcode.W64) {
		t.Errorf("unexpected fill: %x", report.Config.Fill)
	}
}

func TestUnsupportedOperators(t *testing.T) {
	addrMap := grid.NewAddressMap(grid.DefaultTopology())
	cfg := DefaultConfig()
	cfg.Operator = opcode.BitOr
	if _, err := (TwoStage{}).Plan(addrMap, cfg); !errors.Is(err, opcode.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported but got %v", err)
	}
	cfg.Operator = opcode.BitAnd
	cfg.Width = opcode.W32
	if _, err := (OneStage{}).Plan(addrMap, cfg); !errors.Is(err, opcode.ErrSyncOnly) {
		t.Errorf("expected ErrSyncOnly but got %v", err)
	}
	if _, err := (Star{}).Plan(addrMap, cfg); err != nil {
		t.Error(err)
	}
}

func TestHang(t *testing.T) {
	opts := Options{
		Network: func(nodes []*simulator.Node) simulator.Network {
			network := simulator.NewOrderedNetwork(64, 0)
			network.MarkDown(nodes[5])
			return network
		},
		Poller: collcomm.BoundedPoller{MaxPolls: 1000},
	}
	_, err := Run(TwoStage{}, DefaultConfig(), opts)
	if !errors.Is(err, collcomm.ErrHang) {
		t.Errorf("expected ErrHang but got %v", err)
	}
}

func TestIllegalTransition(t *testing.T) {
	s := newStateMachine(slog.New(slog.DiscardHandler))
	for _, state := range []State{Filling, Stage1Transfer, Stage1AwaitCompletion, BarrierA,
		Stage2Transfer, Stage2AwaitCompletion, BarrierB, Broadcast, BroadcastAwaitCompletion,
		BarrierC, Evaluate, Done} {
		s.enter(state)
	}
	if len(s.history) != 13 {
		t.Errorf("unexpected history: %v", s.history)
	}

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected a panic")
		}
		if msg := fmt.Sprint(r); !strings.Contains(msg, "Idle -> Stage2Transfer") {
			t.Errorf("unexpected panic: %s", msg)
		}
	}()
	newStateMachine(slog.New(slog.DiscardHandler)).enter(Stage2Transfer)
}

func TestExpected(t *testing.T) {
	for _, w := range []opcode.Width{opcode.W32, opcode.W64} {
		for _, op := range opcode.Operators() {
			for n := 1; n <= 16; n++ {
				nodes := make([]grid.NodeID, n)
				for i := range nodes {
					nodes[i] = grid.NodeID(i)
				}
				for i := 0; i < 5; i++ {
					expected := ExpectedOver(op, w, nodes, i)
					if actual := Expected(op, w, n, i); actual != expected {
						t.Errorf("%v/%d: n=%d i=%d: expected %x but got %x", op, w, n, i,
							expected, actual)
					}
				}
			}
		}
	}
}

func TestChunkBounds(t *testing.T) {
	actual := chunkBounds(10, 3)
	expected := [][2]int{{0, 3}, {3, 6}, {6, 10}}
	if fmt.Sprint(actual) != fmt.Sprint(expected) {
		t.Errorf("expected %v but got %v", expected, actual)
	}
	for length := 1; length < 20; length++ {
		for n := 1; n <= length; n++ {
			bounds := chunkBounds(length, n)
			if bounds[0][0] != 0 || bounds[n-1][1] != length {
				t.Fatalf("length %d, %d chunks: %v", length, n, bounds)
			}
			for i, b := range bounds {
				if b[1] <= b[0] || (i > 0 && bounds[i-1][1] != b[0]) {
					t.Fatalf("length %d, %d chunks: %v", length, n, bounds)
				}
			}
		}
	}
}

func runTest(t *testing.T, r Reducer, cfg Config, opts Options) *Report {
	if opts.Poller == nil {
		opts.Poller = collcomm.BoundedPoller{MaxPolls: TestPollLimit}
	}
	report, err := Run(r, cfg, opts)
	if err != nil {
		t.Fatal(err)
	}
	return report
}

type countingEngine struct {
	interconnect.Engine
	count *atomic.Int64
}

func (c *countingEngine) Issue(h *simulator.Handle, from grid.NodeID,
	d interconnect.Descriptor) (*interconnect.Pending, error) {
	c.count.Add(1)
	return c.Engine.Issue(h, from, d)
}
