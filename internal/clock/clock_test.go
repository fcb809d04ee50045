package clock_test

import (
	"testing"
	"time"

	"github.com/jensholdgaard/discord-market-bot/internal/clock"
)

func TestReal_Now(t *testing.T) {
	clk := clock.Real{}
	before := time.Now()
	got := clk.Now()
	after := time.Now()

	if got.Before(before) || got.After(after) {
		t.Errorf("Real.Now() = %v, expected between %v and %v", got, before, after)
	}
}

func TestMock_Now(t *testing.T) {
	fixed := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	clk := clock.Mock{T: fixed}

	if got := clk.Now(); !got.Equal(fixed) {
		t.Errorf("Mock.Now() = %v, want %v", got, fixed)
	}
	if clk.AfterFunc(time.Second, func() { t.Error("mock timer fired") }).Stop() {
		t.Error("Mock timer Stop() = true, want false")
	}
}

func TestFake_AfterFuncFiresInDeadlineOrder(t *testing.T) {
	start := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)

	var order []string
	clk.AfterFunc(3*time.Minute, func() { order = append(order, "third") })
	clk.AfterFunc(time.Minute, func() { order = append(order, "first") })
	clk.AfterFunc(2*time.Minute, func() { order = append(order, "second") })

	if got := clk.Pending(); got != 3 {
		t.Fatalf("Pending() = %d, want 3", got)
	}

	clk.Advance(90 * time.Second)
	if len(order) != 1 || order[0] != "first" {
		t.Fatalf("after 90s order = %v, want [first]", order)
	}

	clk.Advance(time.Hour)
	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
	if got := clk.Now(); !got.Equal(start.Add(90*time.Second + time.Hour)) {
		t.Errorf("Now() = %v", got)
	}
}

func TestFake_NonPositiveDelayFiresImmediately(t *testing.T) {
	clk := clock.NewFake(time.Now())
	fired := false
	clk.AfterFunc(-time.Minute, func() { fired = true })
	if !fired {
		t.Error("callback with negative delay did not fire synchronously")
	}
	if clk.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", clk.Pending())
	}
}

func TestFake_Stop(t *testing.T) {
	clk := clock.NewFake(time.Now())
	timer := clk.AfterFunc(time.Minute, func() { t.Error("stopped timer fired") })

	if !timer.Stop() {
		t.Error("first Stop() = false, want true")
	}
	if timer.Stop() {
		t.Error("second Stop() = true, want false")
	}
	clk.Advance(time.Hour)
}

func TestFake_CallbackSchedulesRelativeToAdvancedTime(t *testing.T) {
	clk := clock.NewFake(time.Now())
	chained := false
	clk.AfterFunc(time.Minute, func() {
		clk.AfterFunc(time.Minute, func() { chained = true })
	})
	clk.Advance(10 * time.Minute)
	if chained {
		t.Error("chained timer fired before its deadline")
	}
	clk.Advance(time.Minute)
	if !chained {
		t.Error("chained timer did not fire")
	}
}
