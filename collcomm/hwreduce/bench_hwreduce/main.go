package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/pterm/pterm"

	"github.com/unixpickle/gridcoll/collcomm/hwreduce"
	"github.com/unixpickle/gridcoll/grid"
	"github.com/unixpickle/gridcoll/interconnect"
	"github.com/unixpickle/gridcoll/opcode"
)

func main() {
	defaults := hwreduce.DefaultConfig()
	machine := grid.DefaultTopology()

	participants := flag.Int("participants", defaults.Participants, "number of contributing nodes")
	target := flag.Int("target", int(defaults.Target), "node that receives the result")
	length := flag.Int("length", defaults.Length, "elements per node")
	iterations := flag.Int("iterations", defaults.Iterations, "times to repeat the reduction")
	opName := flag.String("op", defaults.Operator.String(), "reduction operator")
	width := flag.Int("width", int(defaults.Width), "operand width in bits (32 or 64)")
	broadcast := flag.Bool("broadcast", false, "multicast the result back to every participant")
	chunks := flag.Int("chunks", hwreduce.DefaultChunks, "chunks per contribution in the star scheme")
	nodes := flag.Int("nodes", machine.NumNodes, "nodes in the machine")
	perColumn := flag.Int("per-column", machine.NodesPerColumn, "nodes per grid column")
	networkName := flag.String("network", interconnect.NetworkNames[0],
		fmt.Sprintf("interconnect model (one of %v)", interconnect.NetworkNames))
	verbose := flag.Bool("v", false, "log every transfer and state transition")
	flag.Parse()

	logger := pterm.DefaultLogger
	if *verbose {
		logger = *logger.WithLevel(pterm.LogLevelDebug)
	}
	slogger := slog.New(pterm.NewSlogHandler(&logger))

	op, err := opcode.ParseOperator(*opName)
	if err != nil {
		fatal(err)
	}
	cfg := hwreduce.Config{
		Participants: *participants,
		Target:       grid.NodeID(*target),
		Length:       *length,
		Iterations:   *iterations,
		Operator:     op,
		Width:        opcode.Width(*width),
		Broadcast:    *broadcast,
		Chunks:       *chunks,
	}
	network, err := interconnect.NamedNetwork(*networkName, interconnect.DefaultFabricConfig())
	if err != nil {
		fatal(err)
	}
	opts := hwreduce.Options{
		Machine: grid.Topology{NumNodes: *nodes, NodesPerColumn: *perColumn},
		Network: network,
		Logger:  slogger,
	}

	pterm.Info.Printfln("Reducing %d x %v%d over %d of %d nodes onto node %d (%s network)",
		cfg.Length, op, cfg.Width, cfg.Participants, *nodes, cfg.Target, *networkName)

	table := pterm.TableData{
		{"Scheme", "Mismatches", "Stage 1", "Stage 2", "Broadcast", "Total", "Transfers", "Bytes"},
	}
	reducers := []hwreduce.Reducer{
		hwreduce.TwoStage{},
		hwreduce.OneStage{},
		hwreduce.Star{},
		hwreduce.Tree{},
	}
	for _, r := range reducers {
		report, err := hwreduce.Run(r, cfg, opts)
		if errors.Is(err, opcode.ErrUnsupported) || errors.Is(err, opcode.ErrSyncOnly) {
			pterm.Warning.Printfln("%s: %v", r.Name(), err)
			continue
		} else if err != nil {
			fatal(err)
		}
		var bytes int
		for _, n := range report.Transfers.Bytes {
			bytes += n
		}
		table = append(table, []string{
			r.Name(),
			mismatches(report),
			formatCycles(report.Stage1Cycles),
			formatCycles(report.Stage2Cycles),
			formatCycles(report.BroadcastCycles),
			formatCycles(report.TotalCycles),
			strconv.Itoa(report.Transfers.Total()),
			strconv.Itoa(bytes),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(table).Render(); err != nil {
		fatal(err)
	}
}

func mismatches(r *hwreduce.Report) string {
	s := strconv.Itoa(r.Mismatches)
	if r.Config.Broadcast {
		s += fmt.Sprintf(" (+%d)", r.BroadcastMismatches)
	}
	if r.Mismatched() {
		return pterm.LightRed(s)
	}
	return pterm.LightGreen(s)
}

func formatCycles(c float64) string {
	if c == 0 {
		return "-"
	}
	return strconv.FormatFloat(c, 'f', -1, 64)
}

func fatal(err error) {
	pterm.Error.Println(err)
	os.Exit(1)
}
