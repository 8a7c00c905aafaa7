package observer

import "testing"

func TestCostCalculatorKnownModel(t *testing.T) {
	c := NewCostCalculator(nil)
	// gpt-4o-mini: 0.15 in, 0.60 out per million.
	got := c.Calculate("gpt-4o-mini", 1_000_000, 1_000_000)
	want := 0.75
	if got != want {
		t.Errorf("Calculate = %v, want %v", got, want)
	}
}

func TestCostCalculatorUnknownModel(t *testing.T) {
	c := NewCostCalculator(nil)
	if got := c.Calculate("mystery-model", 1000, 1000); got != 0.0 {
		t.Errorf("Calculate = %v, want 0", got)
	}
}

func TestCostCalculatorOverrides(t *testing.T) {
	c := NewCostCalculator(map[string]ModelPricing{
		"gpt-4o-mini": {1.00, 2.00},
		"local-llama": {0.0, 0.0},
	})
	if got := c.Calculate("gpt-4o-mini", 1_000_000, 0); got != 1.00 {
		t.Errorf("override ignored: got %v", got)
	}
	if got := c.Calculate("local-llama", 500, 500); got != 0.0 {
		t.Errorf("Calculate = %v, want 0", got)
	}
}
