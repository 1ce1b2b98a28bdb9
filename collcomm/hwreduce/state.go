package hwreduce

import (
	"fmt"
	"log/slog"
)

// A State is a step of the orchestration of one node.
type State int

const (
	Idle State = iota
	Filling
	Stage1Transfer
	Stage1AwaitCompletion
	BarrierA
	Stage2Transfer
	Stage2AwaitCompletion
	BarrierB
	Broadcast
	BroadcastAwaitCompletion
	BarrierC
	Evaluate
	Done
)

var stateNames = [...]string{
	"Idle",
	"Filling",
	"Stage1Transfer",
	"Stage1AwaitCompletion",
	"BarrierA",
	"Stage2Transfer",
	"Stage2AwaitCompletion",
	"BarrierB",
	"Broadcast",
	"BroadcastAwaitCompletion",
	"BarrierC",
	"Evaluate",
	"Done",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// transitions lists the legal successors of each state.
// Single-stage schemes leave BarrierA for whatever follows
// the last stage.
var transitions = map[State][]State{
	Idle:                     {Filling},
	Filling:                  {Stage1Transfer},
	Stage1Transfer:           {Stage1AwaitCompletion},
	Stage1AwaitCompletion:    {BarrierA},
	BarrierA:                 {Stage2Transfer, Broadcast, Evaluate, Filling},
	Stage2Transfer:           {Stage2AwaitCompletion},
	Stage2AwaitCompletion:    {BarrierB},
	BarrierB:                 {Broadcast, Evaluate, Filling},
	Broadcast:                {BroadcastAwaitCompletion},
	BroadcastAwaitCompletion: {BarrierC},
	BarrierC:                 {Evaluate, Filling},
	Evaluate:                 {Done},
}

// stateMachine tracks one node's state and panics on any
// transition the orchestration does not allow.
type stateMachine struct {
	state   State
	logger  *slog.Logger
	history []State
}

func newStateMachine(logger *slog.Logger) *stateMachine {
	return &stateMachine{state: Idle, logger: logger, history: []State{Idle}}
}

func (s *stateMachine) State() State {
	return s.state
}

func (s *stateMachine) enter(next State) {
	for _, allowed := range transitions[s.state] {
		if allowed == next {
			s.logger.Debug("state transition", "from", s.state.String(), "to", next.String())
			s.state = next
			s.history = append(s.history, next)
			return
		}
	}
	panic(fmt.Sprintf("illegal state transition: %v -> %v", s.state, next))
}
