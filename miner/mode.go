package miner

import (
	"fmt"
	"time"
)

// ModeKind enumerates the mining modes.
type ModeKind uint8

const (
	// ModeManual mines only on explicit request.
	ModeManual ModeKind = iota
	// ModeAuto mines as soon as the pool holds Ready transactions.
	ModeAuto
	// ModeInterval mines on a fixed period, empty blocks included.
	ModeInterval
)

// Mode is a mining mode. Interval is only meaningful for ModeInterval.
type Mode struct {
	Kind     ModeKind
	Interval time.Duration
}

func Manual() Mode { return Mode{Kind: ModeManual} }
func Auto() Mode   { return Mode{Kind: ModeAuto} }

// Interval returns a mode producing one block every d.
func Interval(d time.Duration) Mode { return Mode{Kind: ModeInterval, Interval: d} }

func (m Mode) String() string {
	switch m.Kind {
	case ModeManual:
		return "manual"
	case ModeAuto:
		return "auto"
	case ModeInterval:
		return fmt.Sprintf("interval(%s)", m.Interval)
	default:
		return fmt.Sprintf("mode(%d)", m.Kind)
	}
}

// Validate rejects unknown kinds and non-positive intervals.
func (m Mode) Validate() error {
	switch m.Kind {
	case ModeManual, ModeAuto:
		return nil
	case ModeInterval:
		if m.Interval <= 0 {
			return fmt.Errorf("miner: interval must be positive, got %s", m.Interval)
		}
		return nil
	default:
		return fmt.Errorf("miner: unknown mode %d", m.Kind)
	}
}

// ParseMode maps a configuration name to a Mode. blockTime is used by
// "interval".
func ParseMode(name string, blockTime time.Duration) (Mode, error) {
	var m Mode
	switch name {
	case "", "auto":
		m = Auto()
	case "manual":
		m = Manual()
	case "interval":
		m = Interval(blockTime)
	default:
		return Mode{}, fmt.Errorf("miner: unknown mode %q", name)
	}
	return m, m.Validate()
}

// tickerAction is what the run loop does with its ticker on a mode change.
type tickerAction uint8

const (
	tickerKeep tickerAction = iota
	tickerStart
	tickerStop
	tickerRestart
)

// transition returns the ticker action for a switch from one mode to another.
func transition(from, to Mode) tickerAction {
	switch {
	case from.Kind == ModeInterval && to.Kind == ModeInterval:
		if from.Interval == to.Interval {
			return tickerKeep
		}
		return tickerRestart
	case to.Kind == ModeInterval:
		return tickerStart
	case from.Kind == ModeInterval:
		return tickerStop
	default:
		return tickerKeep
	}
}
