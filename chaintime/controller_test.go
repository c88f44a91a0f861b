package chaintime

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func newMock(unix int64) *clock.Mock {
	m := clock.NewMock()
	m.Set(time.Unix(unix, 0))
	return m
}

func TestNextTimestampFollowsClock(t *testing.T) {
	clk := newMock(1_000)
	c := New(clk, 900)

	if got := c.NextTimestamp(); got != 1_000 {
		t.Fatalf("NextTimestamp = %d, want 1000", got)
	}
	clk.Add(5 * time.Second)
	if got := c.NextTimestamp(); got != 1_005 {
		t.Fatalf("NextTimestamp = %d, want 1005", got)
	}
}

func TestNextTimestampNeverBelowLast(t *testing.T) {
	c := New(newMock(1_000), 2_000)
	if got := c.NextTimestamp(); got != 2_000 {
		t.Fatalf("NextTimestamp = %d, want 2000", got)
	}
}

func TestIncreaseTime(t *testing.T) {
	c := New(newMock(1_000), 0)
	if off := c.IncreaseTime(60); off != 60 {
		t.Fatalf("offset = %d, want 60", off)
	}
	if off := c.IncreaseTime(40); off != 100 {
		t.Fatalf("offset = %d, want 100", off)
	}
	if got := c.NextTimestamp(); got != 1_100 {
		t.Fatalf("NextTimestamp = %d, want 1100", got)
	}
}

func TestSetTime(t *testing.T) {
	clk := newMock(1_000)
	c := New(clk, 0)
	if off := c.SetTime(5_000); off != 4_000 {
		t.Fatalf("offset = %d, want 4000", off)
	}
	clk.Add(time.Second)
	if got := c.Now(); got != 5_001 {
		t.Fatalf("Now = %d, want 5001", got)
	}
}

func TestSetNextTimestamp(t *testing.T) {
	clk := newMock(1_000)
	c := New(clk, 1_000)

	if err := c.SetNextTimestamp(999); !errors.Is(err, ErrTimestampInPast) {
		t.Fatalf("expected ErrTimestampInPast, got: %v", err)
	}
	if err := c.SetNextTimestamp(1_000); err != nil {
		t.Fatalf("equal timestamp rejected: %v", err)
	}
	if err := c.SetNextTimestamp(3_000); err != nil {
		t.Fatalf("SetNextTimestamp: %v", err)
	}
	if got := c.NextTimestamp(); got != 3_000 {
		t.Fatalf("NextTimestamp = %d, want 3000", got)
	}

	c.Record(3_000)
	if c.Last() != 3_000 {
		t.Fatalf("Last = %d, want 3000", c.Last())
	}
	// The exact timestamp is consumed and the clock continues from it.
	clk.Add(2 * time.Second)
	if got := c.NextTimestamp(); got != 3_002 {
		t.Fatalf("NextTimestamp = %d, want 3002", got)
	}
}

func TestCheckTimestampDoesNotPin(t *testing.T) {
	clk := newMock(1_000)
	c := New(clk, 1_000)

	if err := c.CheckTimestamp(999); !errors.Is(err, ErrTimestampInPast) {
		t.Fatalf("expected ErrTimestampInPast, got: %v", err)
	}
	if err := c.CheckTimestamp(9_000); err != nil {
		t.Fatalf("CheckTimestamp: %v", err)
	}
	if got := c.NextTimestamp(); got != 1_000 {
		t.Fatalf("NextTimestamp = %d, want 1000", got)
	}

	c.RecordExact(9_000)
	clk.Add(3 * time.Second)
	if got := c.NextTimestamp(); got != 9_003 {
		t.Fatalf("NextTimestamp = %d, want 9003", got)
	}
}

func TestInterval(t *testing.T) {
	c := New(newMock(1_000), 1_000)
	c.SetInterval(12)
	for i := 1; i <= 3; i++ {
		ts := c.NextTimestamp()
		if want := uint64(1_000 + 12*i); ts != want {
			t.Fatalf("block %d: NextTimestamp = %d, want %d", i, ts, want)
		}
		c.Record(ts)
	}
	c.RemoveInterval()
	if got := c.NextTimestamp(); got != 1_036 {
		t.Fatalf("NextTimestamp = %d, want 1036", got)
	}
}

func TestReset(t *testing.T) {
	clk := newMock(1_000)
	c := New(clk, 1_000)
	if err := c.SetNextTimestamp(5_000); err != nil {
		t.Fatalf("SetNextTimestamp: %v", err)
	}
	c.Record(5_000)
	c.Reset(1_200)

	if c.Last() != 1_200 {
		t.Fatalf("Last = %d, want 1200", c.Last())
	}
	if got := c.NextTimestamp(); got < 1_200 {
		t.Fatalf("NextTimestamp = %d below reset head", got)
	}
}

func TestTimestampsNonDecreasing(t *testing.T) {
	clk := newMock(1_000)
	c := New(clk, 1_000)
	prev := c.Last()
	steps := []func(){
		func() { c.IncreaseTime(10) },
		func() { clk.Set(time.Unix(970, 0)) },
		func() { _ = c.SetNextTimestamp(prev) },
		func() { c.SetInterval(0) },
		func() { c.SetTime(0) },
	}
	for i, step := range steps {
		step()
		ts := c.NextTimestamp()
		if ts < prev {
			t.Fatalf("step %d: timestamp %d below previous %d", i, ts, prev)
		}
		c.Record(ts)
		prev = ts
	}
}
