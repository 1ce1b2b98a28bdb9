package hwreduce

import (
	"errors"
	"fmt"

	"github.com/unixpickle/gridcoll/grid"
	"github.com/unixpickle/gridcoll/opcode"
)

// DefaultChunks is the number of pieces the Star scheme
// splits each contribution into.
const DefaultChunks = 8

var (
	// ErrConfig wraps every configuration error.
	ErrConfig = errors.New("invalid reduction config")

	// ErrSentinelCollision is returned when the fill value
	// of a completion word equals a value that the
	// reduction may legitimately write to it.
	ErrSentinelCollision = errors.New("fill value collides with a reduction result")
)

// Config describes one reduction run.
type Config struct {
	// Participants is the number of nodes that contribute.
	// They are nodes 0 through Participants-1 and must
	// form at least two full columns.
	Participants int

	// Target receives the reduced value. It must be a
	// corner of the participating grid.
	Target grid.NodeID

	// Length is the number of elements per node.
	Length int

	// Iterations is the number of times the whole
	// reduction is repeated. Only the last one is
	// evaluated.
	Iterations int

	Operator opcode.Operator
	Width    opcode.Width

	// Fill is written to every completion word before a
	// transfer into its buffer.
	// If HasFill is false, DefaultFill is used.
	Fill    uint64
	HasFill bool

	// Broadcast makes the target multicast the reduced
	// buffer back to every participant.
	Broadcast bool

	// Chunks is used by the Star scheme.
	// If 0, DefaultChunks is used.
	Chunks int
}

// DefaultConfig is the wide-interconnect benchmark:
// 64 doubles summed over 8 nodes onto node 0, three
// times.
func DefaultConfig() Config {
	return Config{
		Participants: 8,
		Target:       0,
		Length:       64,
		Iterations:   3,
		Operator:     opcode.Add,
		Width:        opcode.W64,
	}
}

// DefaultFill returns the fill value used for a width:
// 42.0 for 64-bit operands, all ones for 32-bit operands.
func DefaultFill(w opcode.Width) uint64 {
	if w == opcode.W64 {
		return opcode.FromFloat(42)
	}
	return 0xffffffff
}

// FillValue returns the configured or default fill.
func (c Config) FillValue() uint64 {
	if c.HasFill {
		return c.Fill
	}
	return DefaultFill(c.Width)
}

// NumChunks returns the configured or default number of
// Star chunks, capped at Length.
func (c Config) NumChunks() int {
	n := c.Chunks
	if n == 0 {
		n = DefaultChunks
	}
	return min(n, c.Length)
}

// Validate checks the fields that do not depend on the
// machine.
func (c Config) Validate() error {
	if c.Participants <= 0 {
		return fmt.Errorf("%w: %d participants", ErrConfig, c.Participants)
	}
	if c.Length <= 0 {
		return fmt.Errorf("%w: length %d", ErrConfig, c.Length)
	}
	if c.Iterations <= 0 {
		return fmt.Errorf("%w: %d iterations", ErrConfig, c.Iterations)
	}
	if c.Chunks < 0 {
		return fmt.Errorf("%w: %d chunks", ErrConfig, c.Chunks)
	}
	if err := c.Width.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if !c.Operator.Valid() {
		return fmt.Errorf("%w: unknown operator %v", ErrConfig, c.Operator)
	}
	return nil
}
