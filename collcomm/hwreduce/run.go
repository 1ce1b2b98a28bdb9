package hwreduce

import (
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/unixpickle/gridcoll/collcomm"
	"github.com/unixpickle/gridcoll/grid"
	"github.com/unixpickle/gridcoll/interconnect"
	"github.com/unixpickle/gridcoll/simulator"
)

// Options configures the simulated machine a reduction
// runs on. The zero value is a default 4x4 machine.
type Options struct {
	// If zero, grid.DefaultTopology() is used.
	Machine grid.Topology

	// If zero, interconnect.DefaultFabricConfig() is used.
	Fabric interconnect.FabricConfig

	// If nil, the fabric's default network is used.
	Network interconnect.NetworkFunc

	// If nil, a collcomm.FabricBarrier is used.
	Barrier func(loop *simulator.EventLoop, f *interconnect.Fabric) collcomm.Barrier

	// If nil, a collcomm.SpinPoller is used.
	Poller collcomm.Poller

	// If nil, logs are discarded.
	Logger *slog.Logger

	// WrapEngine may replace the engine every node issues
	// its transfers through, e.g. to record them.
	WrapEngine func(e interconnect.Engine) interconnect.Engine
}

// A Report summarizes one run.
type Report struct {
	RunID  uuid.UUID
	Scheme string

	// Config is the planned config, with the fill value
	// resolved.
	Config Config

	// Roles counts the nodes playing each role.
	Roles map[Role]int

	// Mismatches is the number of wrong elements at the
	// target. Zero means the reduction was correct.
	Mismatches int

	// BroadcastMismatches is the number of wrong elements
	// in every participant's broadcast copy, summed.
	BroadcastMismatches int

	// Stage cycles are measured on the target during the
	// last iteration.
	Stage1Cycles    float64
	Stage2Cycles    float64
	BroadcastCycles float64

	// TotalCycles is the length of the whole run,
	// including every iteration.
	TotalCycles float64

	Transfers interconnect.Stats

	// Result is the target's buffer after the last
	// iteration.
	Result []uint64
}

// Run plans a reduction and runs it on a fresh simulated
// machine.
//
// Configuration errors are returned before the machine is
// created, so no transfer is ever issued for an invalid
// config.
func Run(r Reducer, cfg Config, opts Options) (*Report, error) {
	machine := opts.Machine
	if machine == (grid.Topology{}) {
		machine = grid.DefaultTopology()
	}
	if err := machine.Validate(); err != nil {
		return nil, err
	}
	addrMap := grid.NewAddressMap(machine)
	plan, err := r.Plan(addrMap, cfg)
	if err != nil {
		return nil, err
	}

	fabricConfig := opts.Fabric
	if fabricConfig == (interconnect.FabricConfig{}) {
		fabricConfig = interconnect.DefaultFabricConfig()
	}
	loop := simulator.NewEventLoop()
	fabric, err := interconnect.NewFabric(loop, addrMap, fabricConfig, opts.Network)
	if err != nil {
		return nil, err
	}

	runID := uuid.New()
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("run", runID.String(), "scheme", r.Name())
	fabric.Logger = logger

	env := &collcomm.Env{
		Fabric: fabric,
		Poller: opts.Poller,
		Logger: logger,
	}
	if opts.WrapEngine != nil {
		env.Engine = opts.WrapEngine(fabric)
	}
	if opts.Barrier != nil {
		env.Barrier = opts.Barrier(loop, fabric)
	}

	results := make([]*NodeResult, machine.NumNodes)
	errFn := collcomm.Spawn(loop, env, func(c *collcomm.Comms) error {
		res, err := r.Reduce(c, plan)
		results[c.ID] = res
		return err
	})
	loopErr := loop.Run()
	if err := errors.Join(loopErr, errFn()); err != nil {
		return nil, err
	}

	report := &Report{
		RunID:       runID,
		Scheme:      r.Name(),
		Config:      plan.Config,
		Roles:       map[Role]int{},
		TotalCycles: loop.Time(),
		Transfers:   fabric.Stats(),
	}
	for _, role := range plan.Roles() {
		report.Roles[role]++
	}
	for _, res := range results {
		report.BroadcastMismatches += res.BroadcastMismatches
	}
	target := results[cfg.Target]
	report.Mismatches = target.Mismatches
	report.Result = target.Result
	report.Stage1Cycles = target.StageCycles[0]
	if len(target.StageCycles) > 1 {
		report.Stage2Cycles = target.StageCycles[1]
	}
	report.BroadcastCycles = target.BroadcastCycles
	logger.Info("reduction finished", "mismatches", report.Mismatches,
		"cycles", report.TotalCycles, "transfers", report.Transfers.Total())
	return report, nil
}

// Mismatched checks if a report describes a wrong result.
func (r *Report) Mismatched() bool {
	return r.Mismatches != 0 || r.BroadcastMismatches != 0
}
