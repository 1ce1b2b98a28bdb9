package interconnect

import (
	"errors"
	"fmt"

	"github.com/unixpickle/gridcoll/simulator"
)

// ErrUnknownNetwork is returned by NamedNetwork.
var ErrUnknownNetwork = errors.New("unknown network")

// NetworkNames lists the networks known to NamedNetwork.
// The first one is the default.
var NetworkNames = []string{"switched", "ordered", "random", "greedy-drop"}

// NamedNetwork returns a NetworkFunc for one of
// NetworkNames, timed by the latency and link rate of cfg.
//
//   - switched: links never slow each other down.
//   - ordered: in-order delivery per destination with up
//     to Latency cycles of random jitter.
//   - random: every message takes a random time of at
//     most Latency cycles, regardless of size.
//   - greedy-drop: oversubscribed links share their rate.
func NamedNetwork(name string, cfg FabricConfig) (NetworkFunc, error) {
	switch name {
	case "switched":
		return func(nodes []*simulator.Node) simulator.Network {
			return simulator.NewSwitcherNetwork(simulator.IdealSwitcher{Rate: cfg.Rate}, nodes,
				cfg.Latency)
		}, nil
	case "ordered":
		return func(nodes []*simulator.Node) simulator.Network {
			return simulator.NewOrderedNetwork(cfg.Rate, cfg.Latency)
		}, nil
	case "random":
		return func(nodes []*simulator.Node) simulator.Network {
			return simulator.RandomNetwork{MaxDelay: cfg.Latency}
		}, nil
	case "greedy-drop":
		return func(nodes []*simulator.Node) simulator.Network {
			switcher := simulator.NewGreedyDropSwitcher(len(nodes), cfg.Rate)
			return simulator.NewSwitcherNetwork(switcher, nodes, cfg.Latency)
		}, nil
	}
	return nil, fmt.Errorf("%w %q (expected one of %v)", ErrUnknownNetwork, name, NetworkNames)
}
