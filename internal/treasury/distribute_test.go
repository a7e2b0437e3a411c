package treasury

import (
	"errors"
	"math"
	"testing"
)

func TestDistribute(t *testing.T) {
	tests := []struct {
		name      string
		amount    uint64
		ecosystem float64
		burn      float64
		want      Split
	}{
		{"default split", 1_000_000, 0, 0.764, Split{EcosystemBurn: 0, SwapBurn: 764000, Retained: 236000}},
		{"ecosystem share", 1_000_000, 0.1, 0.764, Split{EcosystemBurn: 100000, SwapBurn: 687600, Retained: 212400}},
		{"remainder retained", 7, 0.5, 0.5, Split{EcosystemBurn: 3, SwapBurn: 2, Retained: 2}},
		{"zero amount", 0, 0.3, 0.7, Split{}},
		{"no burn", 1234, 0, 0, Split{Retained: 1234}},
		{"full burn", 1234, 0, 1, Split{SwapBurn: 1234}},
		{"all ecosystem", 1234, 1, 0.764, Split{EcosystemBurn: 1234}},
		{"max amount", math.MaxUint64, 0, 1, Split{SwapBurn: math.MaxUint64}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Distribute(tt.amount, tt.ecosystem, tt.burn)
			if err != nil {
				t.Fatalf("Distribute() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Distribute(%d, %v, %v) = %+v, want %+v", tt.amount, tt.ecosystem, tt.burn, got, tt.want)
			}
		})
	}
}

func TestDistribute_Conservation(t *testing.T) {
	ratios := []float64{0, 0.001, 0.1, 0.236, 0.333333, 0.5, 0.764, 0.999, 1}
	amounts := []uint64{0, 1, 2, 3, 7, 99, 1000, 21187, 999_999_937, 1 << 53, math.MaxUint64 / 3}

	for _, amount := range amounts {
		for _, eco := range ratios {
			for _, burn := range ratios {
				s, err := Distribute(amount, eco, burn)
				if err != nil {
					t.Fatalf("Distribute(%d, %v, %v) error = %v", amount, eco, burn, err)
				}
				if s.Total() != amount {
					t.Fatalf("Distribute(%d, %v, %v) = %+v, sums to %d", amount, eco, burn, s, s.Total())
				}
			}
		}
	}
}

func TestDistribute_InvalidRatio(t *testing.T) {
	tests := []struct {
		name      string
		ecosystem float64
		burn      float64
	}{
		{"negative ecosystem", -0.1, 0.5},
		{"ecosystem above one", 1.1, 0.5},
		{"negative burn", 0, -1},
		{"burn above one", 0, 1.0001},
		{"nan", math.NaN(), 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Distribute(100, tt.ecosystem, tt.burn)
			if !errors.Is(err, ErrInvalidRatio) {
				t.Errorf("Distribute() error = %v, want ErrInvalidRatio", err)
			}
		})
	}
}
