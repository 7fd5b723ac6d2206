package ratecontrol

import (
	"math"
	"testing"
)

func TestAdjustment_Bands(t *testing.T) {
	tests := []struct {
		ratio float64
		want  int
	}{
		{0.0, -1},
		{0.1, -1},
		{0.2999, -1},
		{0.3, 0},
		{0.4667, 0},
		{0.5, 0},
		{0.51, 1},
		{0.8, 1},
		{0.99, 1},
		{1.0, 0},
		{-0.1, 0},
		{1.5, 0},
		{math.NaN(), 0},
	}
	for _, tt := range tests {
		if got := Adjustment(tt.ratio); got != tt.want {
			t.Errorf("Adjustment(%v) = %d, want %d", tt.ratio, got, tt.want)
		}
	}
}

func TestRatio_EmptyWindowIsNaN(t *testing.T) {
	if r := Ratio(0, 0); !math.IsNaN(r) {
		t.Fatalf("expected NaN, got %v", r)
	}
	if r := Ratio(7, 8); math.Abs(r-7.0/15.0) > 1e-9 {
		t.Fatalf("expected 7/15, got %v", r)
	}
}

func TestNew_RejectsNonPositiveDelay(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatal("expected error for zero delay")
	}
	if _, err := New(-3); err == nil {
		t.Fatal("expected error for negative delay")
	}
	if _, err := New(4, WithMinDelay(5)); err == nil {
		t.Fatal("expected error for delay below configured minimum")
	}
}

func TestNew_SeedsAccumulators(t *testing.T) {
	c, err := New(60)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n, d := c.Pending()
	if n != 1 || d != 1 {
		t.Fatalf("expected seeded accumulators (1,1), got (%d,%d)", n, d)
	}
}

func TestEvaluate_FirstWindowIncludesSeed(t *testing.T) {
	c, _ := New(60)
	c.Record(8, 2)
	c.Record(0, 5)

	d := c.Evaluate()
	if d.New != 9 || d.Duplicates != 8 {
		t.Fatalf("expected (9,8), got (%d,%d)", d.New, d.Duplicates)
	}
	if d.Adjustment != 0 || d.Changed() {
		t.Fatalf("expected no change, got %+v", d)
	}
	if c.Delay() != 60 {
		t.Fatalf("expected delay 60, got %d", c.Delay())
	}
}

func TestEvaluate_StableBandKeepsDelay(t *testing.T) {
	c, _ := New(60)
	c.Evaluate() // drain the seed

	c.Record(8, 2)
	c.Record(0, 5)
	d := c.Evaluate()

	if d.New != 8 || d.Duplicates != 7 {
		t.Fatalf("expected (8,7), got (%d,%d)", d.New, d.Duplicates)
	}
	if math.Abs(d.Ratio-7.0/15.0) > 1e-9 {
		t.Fatalf("expected ratio 7/15, got %v", d.Ratio)
	}
	if d.Changed() || c.Delay() != 60 {
		t.Fatalf("expected delay to stay 60, got %d", c.Delay())
	}
	if n, dup := c.Pending(); n != 0 || dup != 0 {
		t.Fatalf("expected accumulators reset, got (%d,%d)", n, dup)
	}
}

func TestEvaluate_MostlyDuplicatesSlowsDown(t *testing.T) {
	c, _ := New(60)
	c.Evaluate()

	c.Record(2, 8)
	d := c.Evaluate()

	if d.Adjustment != 1 {
		t.Fatalf("expected +1, got %d", d.Adjustment)
	}
	if !d.Changed() || d.Previous != 60 || d.Delay != 61 {
		t.Fatalf("expected 60 -> 61, got %+v", d)
	}
}

func TestEvaluate_MostlyNewSpeedsUp(t *testing.T) {
	c, _ := New(10)
	c.Evaluate()

	c.Record(10, 0)
	d := c.Evaluate()
	if d.Delay != 9 {
		t.Fatalf("expected 9, got %d", d.Delay)
	}
}

func TestEvaluate_AllDuplicatesIsNoop(t *testing.T) {
	c, _ := New(30)
	c.Evaluate()

	c.Record(0, 12)
	d := c.Evaluate()
	if d.Ratio != 1 || d.Adjustment != 0 || d.Changed() {
		t.Fatalf("expected no-op at ratio 1, got %+v", d)
	}
}

func TestEvaluate_EmptyWindowIsIdempotent(t *testing.T) {
	c, _ := New(42)
	c.Evaluate()

	for i := 0; i < 3; i++ {
		d := c.Evaluate()
		if !math.IsNaN(d.Ratio) {
			t.Fatalf("expected NaN ratio, got %v", d.Ratio)
		}
		if d.Changed() || c.Delay() != 42 {
			t.Fatalf("expected delay unchanged, got %d", c.Delay())
		}
	}
}

func TestEvaluate_ClampsAtMinimum(t *testing.T) {
	c, _ := New(2, WithMinDelay(2))
	c.Evaluate()

	c.Record(5, 0)
	d := c.Evaluate()
	if !d.Clamped {
		t.Fatal("expected clamp")
	}
	if d.Changed() || c.Delay() != 2 {
		t.Fatalf("expected delay to stay at floor 2, got %d", c.Delay())
	}
}

func TestEvaluate_DefaultFloorIsOneSecond(t *testing.T) {
	c, _ := New(1)
	c.Evaluate()

	c.Record(3, 0)
	d := c.Evaluate()
	if !d.Clamped || d.Delay != 1 {
		t.Fatalf("expected clamp at 1s, got %+v", d)
	}
}

func TestRecord_IgnoresNegativeCounts(t *testing.T) {
	c, _ := New(5)
	c.Record(-4, -1)
	n, d := c.Pending()
	if n != 1 || d != 1 {
		t.Fatalf("expected (1,1), got (%d,%d)", n, d)
	}
}
