package units

import (
	"math/big"
	"testing"
)

func TestParseAtomic(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		want  int64
		valid bool
	}{
		{"zero", "0", 0, true},
		{"one unit", "1000000", 1000000, true},
		{"stake", "100000", 100000, true},
		{"empty", "", 0, false},
		{"negative", "-5", 0, false},
		{"decimal", "1.5", 0, false},
		{"garbage", "abc", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseAtomic(tt.in)
			if ok != tt.valid {
				t.Fatalf("ParseAtomic(%q) ok = %v, want %v", tt.in, ok, tt.valid)
			}
			if ok && got.Int64() != tt.want {
				t.Errorf("ParseAtomic(%q) = %v, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseDecimal(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		want  int64
		valid bool
	}{
		{"empty is zero", "", 0, true},
		{"whole", "1", 1000000, true},
		{"cents", "0.01", 10000, true},
		{"full precision", "1.234567", 1234567, true},
		{"truncates extra digits", "0.1234569", 123456, true},
		{"negative", "-1", 0, false},
		{"double dot", "1.2.3", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseDecimal(tt.in)
			if ok != tt.valid {
				t.Fatalf("ParseDecimal(%q) ok = %v, want %v", tt.in, ok, tt.valid)
			}
			if ok && got.Int64() != tt.want {
				t.Errorf("ParseDecimal(%q) = %v, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatDecimal(t *testing.T) {
	tests := []struct {
		name string
		in   *big.Int
		want string
	}{
		{"nil", nil, "0.000000"},
		{"zero", big.NewInt(0), "0.000000"},
		{"one atomic", big.NewInt(1), "0.000001"},
		{"one unit", big.NewInt(1000000), "1.000000"},
		{"mixed", big.NewInt(1234567890), "1234.567890"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatDecimal(tt.in); got != tt.want {
				t.Errorf("FormatDecimal(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestScaleByFactor(t *testing.T) {
	tests := []struct {
		name   string
		amount int64
		factor float64
		want   int64
	}{
		{"identity", 100000, 1.0, 100000},
		{"half", 100000, 0.5, 50000},
		{"triple", 100000, 3.0, 300000},
		{"floors", 3, 0.5, 1},
		{"zero amount", 0, 2.0, 0},
		{"zero factor", 100000, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ScaleByFactor(big.NewInt(tt.amount), tt.factor)
			if got.Int64() != tt.want {
				t.Errorf("ScaleByFactor(%d, %v) = %v, want %d", tt.amount, tt.factor, got, tt.want)
			}
		})
	}
}

func TestScaleByFactor_LargeAmountStaysExact(t *testing.T) {
	// 10^19 atomic units is above 2^53; float64 math would lose precision.
	amount, _ := new(big.Int).SetString("10000000000000000000", 10)
	got := ScaleByFactor(amount, 1.0)
	if got.Cmp(amount) != 0 {
		t.Errorf("ScaleByFactor(10^19, 1.0) = %v, want %v", got, amount)
	}
}
