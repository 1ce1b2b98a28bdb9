package hwreduce

import (
	"errors"
	"fmt"
	"testing"

	"github.com/unixpickle/gridcoll/collcomm"
	"github.com/unixpickle/gridcoll/grid"
	"github.com/unixpickle/gridcoll/interconnect"
	"github.com/unixpickle/gridcoll/opcode"
)

// TestPollLimit bounds every completion wait in the test
// battery, so that a broken scheme fails instead of
// spinning forever.
const TestPollLimit = 100000

// RunReducerTests runs a battery of tests on a Reducer.
func RunReducerTests(t *testing.T, r Reducer) {
	networks := map[string]interconnect.NetworkFunc{}
	for _, name := range interconnect.NetworkNames {
		network, err := interconnect.NamedNetwork(name, interconnect.DefaultFabricConfig())
		if err != nil {
			t.Fatal(err)
		}
		networks[name] = network
	}
	machine := grid.DefaultTopology()
	for _, participants := range []int{8, 16} {
		sub, err := machine.Sub(participants)
		if err != nil {
			t.Fatal(err)
		}
		for _, target := range sub.Corners() {
			for _, netName := range interconnect.NetworkNames {
				network := networks[netName]
				testName := fmt.Sprintf("Nodes=%d,Target=%d,Net=%s", participants, target, netName)
				t.Run(testName, func(t *testing.T) {
					cfg := DefaultConfig()
					cfg.Participants = participants
					cfg.Target = target
					cfg.Length = 16
					cfg.Iterations = 2
					checkReducer(t, r, cfg, Options{Network: network})
				})
			}
		}
	}

	addrMap := grid.NewAddressMap(machine)
	for _, w := range []opcode.Width{opcode.W32, opcode.W64} {
		for _, op := range opcode.Operators() {
			cfg := DefaultConfig()
			cfg.Operator = op
			cfg.Width = w
			cfg.Length = 8
			if _, err := r.Plan(addrMap, cfg); errors.Is(err, opcode.ErrUnsupported) ||
				errors.Is(err, opcode.ErrSyncOnly) {
				continue
			}
			t.Run(fmt.Sprintf("Op=%v,Width=%d", op, w),
				func(t *testing.T) {
					checkReducer(t, r, cfg, Options{})
				})
		}
	}

	for _, broadcast := range []bool{false, true} {
		t.Run(fmt.Sprintf("Broadcast=%v", broadcast), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Participants = 16
			cfg.Target = 15
			cfg.Length = 32
			cfg.Broadcast = broadcast
			report := checkReducer(t, r, cfg, Options{})
			if broadcast != (report.BroadcastCycles > 0) {
				t.Errorf("broadcast took %f cycles", report.BroadcastCycles)
			}
		})
	}
}

func checkReducer(t *testing.T, r Reducer, cfg Config, opts Options) *Report {
	opts.Poller = collcomm.BoundedPoller{MaxPolls: TestPollLimit}
	report, err := Run(r, cfg, opts)
	if err != nil {
		t.Fatal(err)
	}
	if report.Mismatched() {
		t.Fatalf("%d mismatches at the target, %d in broadcast copies", report.Mismatches,
			report.BroadcastMismatches)
	}
	if len(report.Result) != cfg.Length {
		t.Fatalf("result has length %d but expected %d", len(report.Result), cfg.Length)
	}
	for i, actual := range report.Result {
		expected := Expected(cfg.Operator, cfg.Width, cfg.Participants, i)
		if actual != expected {
			t.Fatalf("element %d: expected %s but got %s", i,
				opcode.Format(cfg.Operator, cfg.Width, expected),
				opcode.Format(cfg.Operator, cfg.Width, actual))
		}
	}
	if report.Roles[FinalTarget] != 1 {
		t.Errorf("expected one target but got roles %v", report.Roles)
	}
	return report
}
