package collcomm

import (
	"errors"
	"fmt"
)

// DefaultPollInterval is the number of cycles between two
// reads of a completion word.
const DefaultPollInterval = 4

// ErrHang is returned by a BoundedPoller that gave up.
var ErrHang = errors.New("completion word never changed")

// ArmSentinel writes fill to a completion word, so that a
// later write of any other value can be observed.
func ArmSentinel(c *Comms, addr, fill uint64) {
	c.Memory.Store(addr, fill)
}

// A Poller waits for a word of the node's own scratchpad
// to change.
type Poller interface {
	PollUntilChanged(c *Comms, addr, fill uint64) (uint64, error)
}

// A SpinPoller reads the word every Interval cycles until
// it changes. If the word never changes, it never returns.
type SpinPoller struct {
	// If 0, DefaultPollInterval is used.
	Interval float64
}

// PollUntilChanged waits for the word at addr to hold a
// value other than fill.
func (s SpinPoller) PollUntilChanged(c *Comms, addr, fill uint64) (uint64, error) {
	interval := pollInterval(s.Interval)
	for {
		if v := c.Memory.Load(addr); v != fill {
			return v, nil
		}
		c.Handle.Sleep(interval)
	}
}

// A BoundedPoller is like a SpinPoller, but it returns
// ErrHang after MaxPolls unsuccessful reads.
type BoundedPoller struct {
	// If 0, DefaultPollInterval is used.
	Interval float64
	MaxPolls int
}

// PollUntilChanged waits for the word at addr to hold a
// value other than fill.
func (b BoundedPoller) PollUntilChanged(c *Comms, addr, fill uint64) (uint64, error) {
	interval := pollInterval(b.Interval)
	for i := 0; i < b.MaxPolls; i++ {
		if v := c.Memory.Load(addr); v != fill {
			return v, nil
		}
		c.Handle.Sleep(interval)
	}
	return 0, fmt.Errorf("word 0x%x still 0x%x after %d polls at cycle %.0f: %w", addr, fill,
		b.MaxPolls, c.Handle.Time(), ErrHang)
}

func pollInterval(interval float64) float64 {
	if interval == 0 {
		return DefaultPollInterval
	}
	return interval
}
