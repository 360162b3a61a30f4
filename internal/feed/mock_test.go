package feed

import (
	"context"
	"math"
	"testing"
)

func TestMockStaysNearCenter(t *testing.T) {
	m := NewMock(59.3293, 18.0686, 10)

	positions, err := m.FetchPositions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 10 {
		t.Fatalf("positions = %d, want 10", len(positions))
	}

	seen := make(map[string]bool)
	for _, p := range positions {
		if seen[p.DescriptorID] {
			t.Errorf("duplicate descriptor %q", p.DescriptorID)
		}
		seen[p.DescriptorID] = true

		if p.Line == "" {
			t.Errorf("vehicle %s has no line", p.DescriptorID)
		}
		if math.Abs(p.Latitude-59.3293) > 0.01 || math.Abs(p.Longitude-18.0686) > 0.01 {
			t.Errorf("vehicle %s strayed from center: %v,%v", p.DescriptorID, p.Latitude, p.Longitude)
		}
	}
}
